package usecase

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"voicelab/internal/domain"
	"voicelab/internal/ports"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeCapture struct {
	mu      sync.Mutex
	session *fakeCaptureSession
	err     error
	cfg     ports.AudioConfig
	starts  int
}

func (f *fakeCapture) Start(_ context.Context, cfg ports.AudioConfig) (ports.CaptureSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.cfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeCapture) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeCaptureSession struct {
	samples chan []float32
	level   uint8
	stopErr error

	mu    sync.Mutex
	once  sync.Once
	stops int
}

func newFakeCaptureSession() *fakeCaptureSession {
	return &fakeCaptureSession{samples: make(chan []float32, 64)}
}

func (f *fakeCaptureSession) Samples() <-chan []float32 { return f.samples }
func (f *fakeCaptureSession) Volume() uint8             { return f.level }

func (f *fakeCaptureSession) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.closeSamples()
	return f.stopErr
}

func (f *fakeCaptureSession) closeSamples() {
	f.once.Do(func() { close(f.samples) })
}

func (f *fakeCaptureSession) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakePlayback struct {
	output *fakeOutput
	err    error
}

func (f *fakePlayback) Open(_ context.Context, _ ports.OutputConfig) (ports.AudioOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

type fakeOutput struct {
	mu          sync.Mutex
	now         int64
	items       []domain.PlaybackItem
	scheduleErr error
	closes      int
	// renderOnSchedule advances the clock right before a Schedule call takes
	// effect, as a device callback racing the scheduler would.
	renderOnSchedule int64
}

func (f *fakeOutput) Now() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeOutput) advance(frames int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += frames
}

func (f *fakeOutput) Schedule(item domain.PlaybackItem) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return 0, f.scheduleErr
	}
	f.now += f.renderOnSchedule
	item.Start = max(item.Start, f.now)
	f.items = append(f.items, item)
	return item.Start, nil
}

func (f *fakeOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeOutput) snapshot() ([]domain.PlaybackItem, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PlaybackItem(nil), f.items...), f.closes
}

type fakeTransport struct {
	mu       sync.Mutex
	session  *fakeVoice
	err      error
	requests []ports.ConnectRequest
}

func (f *fakeTransport) Connect(_ context.Context, req ports.ConnectRequest) (ports.VoiceSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeVoice struct {
	events chan domain.Event

	mu          sync.Mutex
	state       domain.ConnectionState
	sent        []domain.AudioChunk
	pings       int
	disconnects int
	once        sync.Once
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{events: make(chan domain.Event, 64), state: domain.ConnectionConnecting}
}

func (f *fakeVoice) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeVoice) setState(state domain.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *fakeVoice) SendChunk(chunk domain.AudioChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chunk)
	return nil
}

func (f *fakeVoice) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeVoice) Events() <-chan domain.Event { return f.events }

func (f *fakeVoice) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	if f.state != domain.ConnectionError {
		f.state = domain.ConnectionDisconnected
	}
	f.mu.Unlock()
	f.closeEvents()
	return nil
}

func (f *fakeVoice) closeEvents() {
	f.once.Do(func() { close(f.events) })
}

func (f *fakeVoice) sentChunks() []domain.AudioChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AudioChunk(nil), f.sent...)
}

func (f *fakeVoice) counts() (pings int, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings, f.disconnects
}

type fakeContexts struct {
	persona domain.PersonaContext
	err     error
}

func (f *fakeContexts) FetchContext(_ context.Context, scenarioID string, roleID string) (domain.PersonaContext, error) {
	if f.err != nil {
		return domain.PersonaContext{}, f.err
	}
	pc := f.persona
	pc.Scenario.ID = scenarioID
	pc.Role.ID = roleID
	return pc, nil
}

type fakeReports struct {
	mu    sync.Mutex
	saved []domain.SessionReport
	err   error
}

func (f *fakeReports) SaveReport(_ context.Context, report domain.SessionReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, report)
	return f.err
}

func (f *fakeReports) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeRules struct {
	err error
}

func (f *fakeRules) Apply(role domain.ChatRole, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if role == domain.RolePersona {
		return strings.ReplaceAll(text, "病人", "患者"), nil
	}
	return text, nil
}

type stateChange struct {
	state   domain.ConnectionState
	message string
}

type sessionErr struct {
	code   domain.ErrorCode
	detail string
}

type volumeSample struct {
	level    int
	speaking bool
}

type fakeEventSink struct {
	mu       sync.Mutex
	states   []stateChange
	messages []domain.ChatMessage
	errors   []sessionErr
	logs     []string
	reports  []domain.SessionReport
	volumes  []volumeSample
}

func (f *fakeEventSink) SessionStateChanged(state domain.ConnectionState, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateChange{state: state, message: message})
}

func (f *fakeEventSink) TranscriptMessage(message domain.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeEventSink) VolumeChanged(level int, speaking bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, volumeSample{level: level, speaking: speaking})
}

func (f *fakeEventSink) LogLine(level string, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, level+": "+message)
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, sessionErr{code: code, detail: detail})
}

func (f *fakeEventSink) SessionReportReady(report domain.SessionReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
}

func (f *fakeEventSink) snapshotStates() []stateChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stateChange(nil), f.states...)
}

func (f *fakeEventSink) snapshotErrors() []sessionErr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sessionErr(nil), f.errors...)
}

func (f *fakeEventSink) snapshotMessages() []domain.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ChatMessage(nil), f.messages...)
}

func (f *fakeEventSink) snapshotReports() []domain.SessionReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionReport(nil), f.reports...)
}

func (f *fakeEventSink) snapshotVolumes() []volumeSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]volumeSample(nil), f.volumes...)
}

func (f *fakeEventSink) hasLog(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, line := range f.logs {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type fakeMetrics struct {
	noopMetrics
	mu      sync.Mutex
	sent    int
	dropped int
	started int
	ended   int
	lead    time.Duration
}

func (f *fakeMetrics) SessionStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeMetrics) SessionEnded(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
}

func (f *fakeMetrics) ChunkSent(int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
}

func (f *fakeMetrics) ChunkDropped() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped++
}

func (f *fakeMetrics) PlaybackLead(lead time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lead = lead
}

func (f *fakeMetrics) snapshot() (sent, dropped, started, ended int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.dropped, f.started, f.ended
}
