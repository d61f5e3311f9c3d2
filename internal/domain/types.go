package domain

import (
	"errors"
	"time"
)

// ConnectionState models the voice session transport lifecycle.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
)

// Supported capture/playback sample rates.
const (
	SampleRate16k = 16000
	SampleRate24k = 24000
)

// SessionConfig is fixed for the lifetime of a session.
type SessionConfig struct {
	SampleRate int `json:"sampleRate"`
	// BufferThreshold is the number of captured frames batched into one outbound chunk.
	// Smaller values lower end-to-end latency but cost more transport messages; larger
	// values smooth transport overhead at the price of buffering delay.
	BufferThreshold int `json:"bufferThreshold"`
	// VolumeThreshold is the level (0-255) above which the UI shows speech activity.
	VolumeThreshold int `json:"volumeThreshold"`
}

// DefaultSessionConfig batches 15 render quanta of 128 frames (80 ms at 24 kHz, 120 ms at 16 kHz).
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SampleRate:      SampleRate24k,
		BufferThreshold: 15,
		VolumeThreshold: 10,
	}
}

// Validate reports whether the config can start a session.
func (c SessionConfig) Validate() error {
	if c.SampleRate != SampleRate16k && c.SampleRate != SampleRate24k {
		return errors.New("sample rate must be 16000 or 24000")
	}
	if c.BufferThreshold < 1 {
		return errors.New("buffer threshold must be at least 1")
	}
	if c.VolumeThreshold < 0 || c.VolumeThreshold > 255 {
		return errors.New("volume threshold must be within 0-255")
	}
	return nil
}

// AudioChunk is one outbound batch of 16-bit little-endian PCM.
type AudioChunk struct {
	Sequence int64
	PCM      []byte
}

// PlaybackItem is a decoded buffer scheduled on the output clock.
// Start and the length of Samples are measured in output frames.
type PlaybackItem struct {
	Start      int64
	Samples    []float32
	SampleRate int
}

// End returns the first frame after the item.
func (p PlaybackItem) End() int64 {
	return p.Start + int64(len(p.Samples))
}

// Duration returns the playback length of the item.
func (p PlaybackItem) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(p.Samples)) * time.Second / time.Duration(p.SampleRate)
}

// ChatRole identifies the speaker of a transcript message. Values match the
// history API so reports can be stored without translation.
type ChatRole string

const (
	RoleTrainee ChatRole = "user"
	RolePersona ChatRole = "model"
	RoleSystem  ChatRole = "system"
)

// MessageKind distinguishes spoken text from feedback annotations.
type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindFeedback MessageKind = "feedback"
)

// ChatMessage is one transcript entry.
type ChatMessage struct {
	ID      string      `json:"id"`
	Role    ChatRole    `json:"role"`
	Kind    MessageKind `json:"type"`
	Content string      `json:"content"`
}

// SessionReport is produced once per session at finalization.
type SessionReport struct {
	ID              string        `json:"id"`
	ScenarioID      string        `json:"scenarioId"`
	RoleID          string        `json:"roleId"`
	Score           int           `json:"score"`
	Messages        []ChatMessage `json:"messages"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         time.Time     `json:"endTime"`
	DurationSeconds int           `json:"durationSeconds"`
}

// PersonaContext is the descriptive material used to condition the simulated persona.
type PersonaContext struct {
	Scenario Scenario
	Role     Role
}

// Scenario describes the training situation.
type Scenario struct {
	ID              string
	Title           string
	Subtitle        string
	Description     string
	Workflow        string
	KnowledgePoints string
}

// Role describes the simulated counterpart.
type Role struct {
	ID                string
	Name              string
	NameCN            string
	Title             string
	Description       string
	Hostility         int
	Verbosity         int
	Skepticism        int
	SystemPromptAddon string
}

// ErrorCode identifies the class of a surfaced session error.
type ErrorCode string

const (
	ErrorCodeStartup     ErrorCode = "startup"
	ErrorCodeContext     ErrorCode = "context"
	ErrorCodeAcquisition ErrorCode = "acquisition"
	ErrorCodeTransport   ErrorCode = "transport"
	ErrorCodeProtocol    ErrorCode = "protocol"
	ErrorCodePlayback    ErrorCode = "playback"
	ErrorCodePersistence ErrorCode = "persistence"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrContextNotFound   = errors.New("scenario or role not found")
)

// Status summarizes the current runtime status.
type Status struct {
	State     ConnectionState `json:"state"`
	Active    bool            `json:"active"`
	SessionID string          `json:"sessionId,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// LogEntry is one line of the session console.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"type"`
	Message   string    `json:"message"`
}
