package ports

import (
	"context"
	"time"

	"voicelab/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputDevice string

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// CaptureSession is a live microphone capture.
type CaptureSession interface {
	// Samples yields fixed-size mono float frames. The channel is closed by Stop.
	Samples() <-chan []float32
	// Volume returns a coarse 0-255 input level for display.
	Volume() uint8
	Stop() error
}

// AudioCapture acquires the microphone.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (CaptureSession, error)
}

// OutputConfig describes the playback device.
type OutputConfig struct {
	SampleRate   int
	OutputDevice string
}

// AudioOutput schedules decoded buffers against its own output clock.
type AudioOutput interface {
	// Now returns the output clock position in frames.
	Now() int64
	// Schedule starts the item at max(item.Start, Now()), read atomically with
	// respect to rendering, and returns that frame.
	Schedule(item domain.PlaybackItem) (int64, error)
	Close() error
}

// AudioPlayback opens output devices.
type AudioPlayback interface {
	Open(ctx context.Context, cfg OutputConfig) (AudioOutput, error)
}

// ConnectRequest carries everything needed to create a remote voice session.
type ConnectRequest struct {
	ModelID           string
	SampleRate        int
	SystemInstruction string
	VoiceID           string
	Language          string
	MaxDuration       time.Duration
}

// VoiceSession is an open duplex connection to the remote voice model.
type VoiceSession interface {
	State() domain.ConnectionState
	// SendChunk transmits audio only while connected; otherwise it is a no-op.
	SendChunk(chunk domain.AudioChunk) error
	Ping() error
	Events() <-chan domain.Event
	// Disconnect is idempotent.
	Disconnect() error
}

// VoiceTransport opens voice sessions.
type VoiceTransport interface {
	Connect(ctx context.Context, req ConnectRequest) (VoiceSession, error)
}

// ContextSource provides persona and scenario descriptions.
type ContextSource interface {
	FetchContext(ctx context.Context, scenarioID string, roleID string) (domain.PersonaContext, error)
}

// ReportStore accepts finished session reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report domain.SessionReport) error
}

// RulesEngine rewrites finalized transcript text using deterministic rules.
type RulesEngine interface {
	Apply(role domain.ChatRole, text string) (string, error)
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	SessionStateChanged(state domain.ConnectionState, message string)
	TranscriptMessage(message domain.ChatMessage)
	VolumeChanged(level int, speaking bool)
	LogLine(level string, message string)
	SessionError(code domain.ErrorCode, detail string)
	SessionReportReady(report domain.SessionReport)
}

// SessionMetrics records pipeline counters.
type SessionMetrics interface {
	SessionStarted()
	SessionEnded(duration time.Duration)
	ChunkSent(bytes int)
	ChunkDropped()
	AudioReceived(bytes int)
	PlaybackLead(lead time.Duration)
	MessageEmitted(role domain.ChatRole)
	RemoteWarning()
	RemoteError()
}
