package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voicelab/internal/domain"
	"voicelab/internal/logging"
	"voicelab/internal/ports"
)

var (
	ErrSessionActive   = errors.New("a session is already active")
	ErrNoActiveSession = errors.New("no active session")
)

const (
	defaultModelID        = "gemini"
	defaultVolumeInterval = 50 * time.Millisecond
	consoleLimit          = 100
)

// StartRequest selects what the session simulates.
type StartRequest struct {
	ScenarioID string `json:"scenarioId"`
	RoleID     string `json:"roleId"`
	ModelID    string `json:"modelId"`
}

// Config controls session behavior. Session is frozen when a session starts.
type Config struct {
	Session           domain.SessionConfig
	Audio             ports.AudioConfig
	OutputDevice      string
	ModelID           string
	VoiceID           string
	Language          string
	MaxDuration       time.Duration
	HeartbeatInterval time.Duration
	VolumeInterval    time.Duration
}

// Dependencies are the adapters a coordinator drives.
type Dependencies struct {
	Capture   ports.AudioCapture
	Playback  ports.AudioPlayback
	Transport ports.VoiceTransport
	Contexts  ports.ContextSource
	Reports   ports.ReportStore
	Rules     ports.RulesEngine
	Events    ports.EventSink
	Metrics   ports.SessionMetrics
}

// SessionCoordinator runs one live voice session at a time. A single control
// loop owns chunking, playback scheduling and transcript assembly.
type SessionCoordinator struct {
	deps      Dependencies
	finalizer reportFinalizer
	logs      *logRing
	now       func() time.Time
	volume    atomic.Int32

	mu         sync.Mutex
	cfg        Config
	starting   bool
	current    *activeSession
	lastReport *domain.SessionReport
	state      domain.ConnectionState
	message    string
	sessionID  string
}

func NewSessionCoordinator(deps Dependencies, cfg Config) *SessionCoordinator {
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if cfg.Session == (domain.SessionConfig{}) {
		cfg.Session = domain.DefaultSessionConfig()
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModelID
	}
	if cfg.VolumeInterval <= 0 {
		cfg.VolumeInterval = defaultVolumeInterval
	}
	return &SessionCoordinator{
		deps:      deps,
		finalizer: newReportFinalizer(deps.Rules, deps.Reports, deps.Events),
		logs:      newLogRing(consoleLimit),
		now:       time.Now,
		cfg:       cfg,
		state:     domain.ConnectionDisconnected,
	}
}

// Start acquires the microphone and output device and connects the voice
// transport. It returns once the transport is connecting.
func (c *SessionCoordinator) Start(ctx context.Context, req StartRequest) error {
	c.mu.Lock()
	if c.current != nil || c.starting {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.starting = true
	cfg := c.cfg
	c.lastReport = nil
	c.sessionID = ""
	c.mu.Unlock()

	active, err := c.open(ctx, req, cfg)

	c.mu.Lock()
	c.starting = false
	if err == nil {
		c.current = active
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.deps.Metrics.SessionStarted()
	go c.run(active)
	return nil
}

func (c *SessionCoordinator) open(ctx context.Context, req StartRequest, cfg Config) (*activeSession, error) {
	if req.ModelID == "" {
		req.ModelID = cfg.ModelID
	}
	if err := cfg.Session.Validate(); err != nil {
		c.startFailed(domain.ErrorCodeStartup, "Invalid session config", err)
		return nil, err
	}

	c.logs.Clear()
	c.logLine("info", "Initializing Session...")

	persona, err := c.deps.Contexts.FetchContext(ctx, req.ScenarioID, req.RoleID)
	if err != nil {
		c.startFailed(domain.ErrorCodeContext, "Failed to load Scenario or Role data", err)
		return nil, err
	}
	instruction := buildInstruction(persona)
	c.logLine("info", fmt.Sprintf("Context Loaded: %s in %s", persona.Role.NameCN, persona.Scenario.Subtitle))

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	audioCfg := cfg.Audio
	audioCfg.SampleRate = cfg.Session.SampleRate
	audioCfg.Channels = 1
	capture, err := c.deps.Capture.Start(sessionCtx, audioCfg)
	if err != nil {
		cancel()
		c.startFailed(domain.ErrorCodeAcquisition, acquisitionMessage(err), err)
		return nil, err
	}

	output, err := c.deps.Playback.Open(sessionCtx, ports.OutputConfig{SampleRate: cfg.Session.SampleRate, OutputDevice: cfg.OutputDevice})
	if err != nil {
		stopQuietly("capture", capture.Stop)
		cancel()
		c.startFailed(domain.ErrorCodePlayback, "Audio output unavailable", err)
		return nil, err
	}
	scheduler := newPlaybackScheduler(output, cfg.Session.SampleRate, c.deps.Metrics)
	scheduler.Reset()

	c.setState(domain.ConnectionConnecting, "Connecting to "+req.ModelID)
	voice, err := c.deps.Transport.Connect(sessionCtx, ports.ConnectRequest{
		ModelID:           req.ModelID,
		SampleRate:        cfg.Session.SampleRate,
		SystemInstruction: instruction,
		VoiceID:           cfg.VoiceID,
		Language:          cfg.Language,
		MaxDuration:       cfg.MaxDuration,
	})
	if err != nil {
		stopQuietly("capture", capture.Stop)
		stopQuietly("output", output.Close)
		cancel()
		c.startFailed(domain.ErrorCodeTransport, "Connection Failed", err)
		return nil, err
	}

	logging.Infow("voice session starting",
		"scenario_id", req.ScenarioID,
		"role_id", req.RoleID,
		"model", req.ModelID,
		"sample_rate", cfg.Session.SampleRate,
		"buffer_threshold", cfg.Session.BufferThreshold,
	)

	return &activeSession{
		req:       req,
		cfg:       cfg,
		startedAt: c.now(),
		cancel:    cancel,
		capture:   capture,
		voice:     voice,
		output:    output,
		buffer:    newChunkBuffer(cfg.Session.BufferThreshold),
		scheduler: scheduler,
		assembler: newTranscriptAssembler(c.finalizer.Normalize),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}, nil
}

// End stops the active session and returns its report. If the session has
// already ended on a fatal error, the report produced then is returned.
func (c *SessionCoordinator) End(ctx context.Context) (domain.SessionReport, error) {
	c.mu.Lock()
	active := c.current
	last := c.lastReport
	c.mu.Unlock()

	if active == nil {
		if last != nil {
			return *last, nil
		}
		return domain.SessionReport{}, ErrNoActiveSession
	}

	active.requestStop()
	<-active.loopDone
	return c.finish(ctx, active, "", ""), nil
}

// Shutdown ends any active session.
func (c *SessionCoordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	active := c.current
	c.mu.Unlock()
	if active == nil {
		return
	}
	if _, err := c.End(ctx); err != nil && !errors.Is(err, ErrNoActiveSession) {
		logging.Warnw("session shutdown failed", "error", err)
	}
}

// Status returns the current connection status.
func (c *SessionCoordinator) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Status{
		State:     c.state,
		Active:    c.current != nil || c.starting,
		SessionID: c.sessionID,
		Message:   c.message,
	}
}

// Volume returns the last sampled input level, 0 when not connected.
func (c *SessionCoordinator) Volume() int {
	return int(c.volume.Load())
}

func (c *SessionCoordinator) Config() domain.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Session
}

// SetConfig replaces the session config used by the next Start.
func (c *SessionCoordinator) SetConfig(cfg domain.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil || c.starting {
		return ErrSessionActive
	}
	c.cfg.Session = cfg
	return nil
}

// Logs returns the recent console lines, oldest first.
func (c *SessionCoordinator) Logs() []domain.LogEntry {
	return c.logs.Snapshot()
}

func (c *SessionCoordinator) ClearLogs() {
	c.logs.Clear()
}

func (c *SessionCoordinator) run(active *activeSession) {
	defer close(active.loopDone)

	volume := time.NewTicker(active.cfg.VolumeInterval)
	defer volume.Stop()

	var heartbeat <-chan time.Time
	if active.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(active.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	samples := active.capture.Samples()
	events := active.voice.Events()
	for {
		select {
		case <-active.stop:
			return
		case frame, ok := <-samples:
			if !ok {
				if active.stopping() {
					return
				}
				c.finish(context.Background(), active, domain.ErrorCodeAcquisition, "Microphone stream ended unexpectedly")
				return
			}
			c.forwardFrame(active, frame)
		case event, ok := <-events:
			if !ok {
				if active.stopping() {
					return
				}
				c.finish(context.Background(), active, domain.ErrorCodeTransport, "Connection closed")
				return
			}
			if code, detail, done := c.handleEvent(active, event); done {
				c.finish(context.Background(), active, code, detail)
				return
			}
		case <-volume.C:
			c.sampleVolume(active)
		case <-heartbeat:
			if err := active.voice.Ping(); err != nil {
				logging.Debugw("heartbeat not sent", "error", err)
			}
		}
	}
}

// forwardFrame batches frames only while connected, so sequence numbers count
// transmitted chunks from 1 with no gaps.
func (c *SessionCoordinator) forwardFrame(active *activeSession, frame []float32) {
	if active.voice.State() != domain.ConnectionConnected {
		return
	}
	chunk, ok := active.buffer.Push(frame)
	if !ok {
		return
	}
	if err := active.voice.SendChunk(chunk); err != nil {
		logging.Warnw("audio chunk not sent", "sequence", chunk.Sequence, "error", err)
		c.deps.Metrics.ChunkDropped()
		return
	}
	c.deps.Metrics.ChunkSent(len(chunk.PCM))
}

// handleEvent applies one transport event. done reports that the session is
// over; a non-empty code marks the end as an error.
func (c *SessionCoordinator) handleEvent(active *activeSession, event domain.Event) (code domain.ErrorCode, detail string, done bool) {
	switch ev := event.(type) {
	case domain.SessionCreatedEvent:
		c.mu.Lock()
		c.sessionID = ev.SessionID
		c.mu.Unlock()
		if ev.NegotiatedSampleRate != 0 && ev.NegotiatedSampleRate != active.cfg.Session.SampleRate {
			c.logLine("warn", fmt.Sprintf("Backend negotiated %d Hz; playback stays at %d Hz", ev.NegotiatedSampleRate, active.cfg.Session.SampleRate))
		}
		c.setState(domain.ConnectionConnected, "Session "+ev.SessionID)
	case domain.AudioOutEvent:
		item, err := active.scheduler.Enqueue(ev.Data)
		if err != nil {
			c.logLine("error", "Playback error: "+err.Error())
			return "", "", false
		}
		c.deps.Metrics.AudioReceived(len(item.Samples) * 2)
	case domain.TranscriptEvent:
		if !active.assembler.OnDelta(ev.Role, ev.Text) {
			logging.Debugw("transcript fragment for unknown role ignored", "role", ev.Role)
		}
	case domain.TurnCompleteEvent:
		for _, msg := range active.assembler.OnTurnComplete(c.now()) {
			c.publish(msg)
		}
	case domain.WarningEvent:
		c.deps.Metrics.RemoteWarning()
	case domain.ErrorEvent:
		c.deps.Metrics.RemoteError()
		return domain.ErrorCodeProtocol, fmt.Sprintf("Server error %s: %s", ev.Code, ev.Message), true
	case domain.TransportClosedEvent:
		if domain.IsNormalClosure(ev.Code) {
			return "", "Connection closed by server", true
		}
		detail := ev.Reason
		if detail == "" && ev.Err != nil {
			detail = ev.Err.Error()
		}
		return domain.ErrorCodeTransport, fmt.Sprintf("Socket Error: %d %s", ev.Code, detail), true
	case domain.LogLineEvent:
		c.record(ev.Level, ev.Message)
	}
	return "", "", false
}

func (c *SessionCoordinator) sampleVolume(active *activeSession) {
	level := 0
	if active.voice.State() == domain.ConnectionConnected {
		level = int(active.capture.Volume())
	}
	c.volume.Store(int32(level))
	c.deps.Events.VolumeChanged(level, level > active.cfg.Session.VolumeThreshold)
}

func (c *SessionCoordinator) publish(msg domain.ChatMessage) {
	c.deps.Events.TranscriptMessage(msg)
	c.deps.Metrics.MessageEmitted(msg.Role)
	if msg.Role != domain.RoleSystem {
		c.logLine("info", fmt.Sprintf("Transcript [%s]: %s", msg.Role, preview(msg.Content, 30)))
	}
}

// finish tears the session down and produces its report exactly once.
func (c *SessionCoordinator) finish(ctx context.Context, active *activeSession, code domain.ErrorCode, detail string) domain.SessionReport {
	active.finishOnce.Do(func() {
		c.teardown(active)

		end := c.now()
		for _, msg := range active.assembler.Finalize(end) {
			c.publish(msg)
		}
		report, _ := c.finalizer.Finalize(ctx, reportDraft{
			ScenarioID: active.req.ScenarioID,
			RoleID:     active.req.RoleID,
			Messages:   active.assembler.Messages(),
			StartTime:  active.startedAt,
			EndTime:    end,
		})
		active.report = report
		c.deps.Metrics.SessionEnded(end.Sub(active.startedAt))
		c.volume.Store(0)

		c.mu.Lock()
		if c.current == active {
			c.current = nil
		}
		c.lastReport = &report
		c.mu.Unlock()

		state, message := domain.ConnectionDisconnected, "Session disconnected."
		if code != "" {
			state, message = domain.ConnectionError, detail
			logging.Errorw("voice session failed", "code", code, "detail", detail)
			c.logLine("error", detail)
			c.deps.Events.SessionError(code, detail)
		} else if detail != "" {
			c.logLine("info", detail)
		}
		c.setState(state, message)
		c.logLine("info", "Session disconnected.")
		c.deps.Events.SessionReportReady(report)
	})
	return active.report
}

// teardown releases every resource. Failures are logged and never stop the
// remaining steps.
func (c *SessionCoordinator) teardown(active *activeSession) {
	active.teardownOnce.Do(func() {
		stopQuietly("capture", active.capture.Stop)
		stopQuietly("transport", active.voice.Disconnect)
		stopQuietly("output", active.output.Close)
		active.cancel()
	})
}

func (c *SessionCoordinator) setState(state domain.ConnectionState, message string) {
	c.mu.Lock()
	c.state = state
	c.message = message
	c.mu.Unlock()
	c.deps.Events.SessionStateChanged(state, message)
}

func (c *SessionCoordinator) startFailed(code domain.ErrorCode, message string, err error) {
	detail := message + ": " + err.Error()
	logging.Errorw("voice session failed to start", "code", code, "error", err)
	c.record("error", detail)
	c.setState(domain.ConnectionError, message)
	c.deps.Events.SessionError(code, detail)
}

// logLine writes to the structured log and the session console.
func (c *SessionCoordinator) logLine(level string, message string) {
	switch level {
	case "error":
		logging.Errorw(message)
	case "warn":
		logging.Warnw(message)
	case "stream":
		logging.Debugw(message)
	default:
		logging.Infow(message)
	}
	c.record(level, message)
}

func (c *SessionCoordinator) record(level string, message string) {
	c.logs.Add(domain.LogEntry{Timestamp: c.now(), Level: level, Message: message})
	c.deps.Events.LogLine(level, message)
}

func acquisitionMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return "Microphone permission denied"
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return "Microphone unavailable"
	default:
		return "Microphone could not be started"
	}
}

func stopQuietly(what string, stop func() error) {
	if err := stop(); err != nil {
		logging.Warnw("teardown step failed", "step", what, "error", err)
	}
}

func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
