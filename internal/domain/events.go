package domain

// Event is one item of the inbound session event stream. Every transport
// message and transport condition is delivered as exactly one Event, in the
// order it was received.
type Event interface {
	EventType() string
}

// SessionCreatedEvent acknowledges session.create.
type SessionCreatedEvent struct {
	SessionID            string
	NegotiatedSampleRate int
	NegotiatedVoiceID    string
}

// AudioOutEvent carries one base64 PCM chunk of synthesized speech.
type AudioOutEvent struct {
	Data     string
	Sequence int64
}

// TranscriptEvent is an additive transcript fragment for one speaker.
type TranscriptEvent struct {
	Role string
	Text string
}

// TurnCompleteEvent marks a turn boundary.
type TurnCompleteEvent struct{}

// WarningEvent is a non-fatal remote condition.
type WarningEvent struct {
	Code    string
	Message string
}

// ErrorEvent is a fatal remote protocol error.
type ErrorEvent struct {
	Code    string
	Message string
}

// TransportClosedEvent reports that the socket failed or closed without a
// local disconnect.
type TransportClosedEvent struct {
	Code   int
	Reason string
	Err    error
}

// Close codes for a deliberate end of the socket (RFC 6455 normal closure and
// going away).
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// IsNormalClosure reports whether a close code ends a session without error.
func IsNormalClosure(code int) bool {
	return code == CloseNormal || code == CloseGoingAway
}

// LogLineEvent is a human-readable diagnostic line for the session console.
type LogLineEvent struct {
	Level   string
	Message string
}

func (SessionCreatedEvent) EventType() string  { return "session.created" }
func (AudioOutEvent) EventType() string        { return "audio.output" }
func (TranscriptEvent) EventType() string      { return "transcription" }
func (TurnCompleteEvent) EventType() string    { return "turn.complete" }
func (WarningEvent) EventType() string         { return "warning" }
func (ErrorEvent) EventType() string           { return "error" }
func (TransportClosedEvent) EventType() string { return "transport.closed" }
func (LogLineEvent) EventType() string         { return "log" }
