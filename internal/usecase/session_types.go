package usecase

import (
	"context"
	"sync"
	"time"

	"voicelab/internal/domain"
	"voicelab/internal/ports"
)

// activeSession holds the resources of one running session. buffer,
// scheduler and assembler belong to the control loop until loopDone closes.
type activeSession struct {
	req       StartRequest
	cfg       Config
	startedAt time.Time

	cancel  context.CancelFunc
	capture ports.CaptureSession
	voice   ports.VoiceSession
	output  ports.AudioOutput

	buffer    *chunkBuffer
	scheduler *playbackScheduler
	assembler *transcriptAssembler

	stop     chan struct{}
	loopDone chan struct{}

	stopOnce     sync.Once
	teardownOnce sync.Once
	finishOnce   sync.Once
	report       domain.SessionReport
}

func (s *activeSession) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *activeSession) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// logRing keeps the most recent console lines.
type logRing struct {
	mu      sync.Mutex
	limit   int
	entries []domain.LogEntry
}

func newLogRing(limit int) *logRing {
	if limit <= 0 {
		limit = 100
	}
	return &logRing{limit: limit}
}

func (r *logRing) Add(entry domain.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if over := len(r.entries) - r.limit; over > 0 {
		r.entries = append(r.entries[:0], r.entries[over:]...)
	}
}

func (r *logRing) Snapshot() []domain.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *logRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted()                {}
func (noopMetrics) SessionEnded(time.Duration)     {}
func (noopMetrics) ChunkSent(int)                  {}
func (noopMetrics) ChunkDropped()                  {}
func (noopMetrics) AudioReceived(int)              {}
func (noopMetrics) PlaybackLead(time.Duration)     {}
func (noopMetrics) MessageEmitted(domain.ChatRole) {}
func (noopMetrics) RemoteWarning()                 {}
func (noopMetrics) RemoteError()                   {}
