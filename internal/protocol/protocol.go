package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"voicelab/internal/domain"
)

const (
	TypeSessionCreate  = "session.create"
	TypeSessionCreated = "session.created"
	TypeSessionEnd     = "session.end"
	TypeAudioInput     = "audio.input"
	TypeAudioOutput    = "audio.output"
	TypeTranscription  = "transcription"
	TypeTurnComplete   = "turn.complete"
	TypeError          = "error"
	TypeWarning        = "warning"
	TypePing           = "ping"
	TypePong           = "pong"

	EncodingPCMS16LE = "pcm_s16le"
	DefaultVoiceID   = "Kore"
	DefaultLanguage  = "zh-CN"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Envelope is the frame shared by every message in both directions.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type SessionSpec struct {
	SystemInstruction string `json:"systemInstruction"`
	MaxDuration       int    `json:"maxDuration"`
}

type AudioSpec struct {
	SampleRate int    `json:"sampleRate"`
	Encoding   string `json:"encoding"`
	Channels   int    `json:"channels"`
}

type VoiceSpec struct {
	VoiceID  string `json:"voiceId"`
	Language string `json:"language"`
}

type SessionCreatePayload struct {
	Session SessionSpec `json:"session"`
	Audio   AudioSpec   `json:"audio"`
	Voice   VoiceSpec   `json:"voice"`
}

type AudioInputPayload struct {
	Data     string `json:"data"`
	Sequence int64  `json:"sequence"`
}

// SessionCreateParams are the inputs of a session.create message.
type SessionCreateParams struct {
	RequestID         string
	SystemInstruction string
	MaxDuration       time.Duration
	SampleRate        int
	VoiceID           string
	Language          string
}

// SessionCreate builds the session.create frame. Blank voice and language
// fall back to the backend defaults.
func SessionCreate(now time.Time, p SessionCreateParams) Envelope {
	voiceID := strings.TrimSpace(p.VoiceID)
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	language := strings.TrimSpace(p.Language)
	if language == "" {
		language = DefaultLanguage
	}
	maxSeconds := int(p.MaxDuration / time.Second)
	if maxSeconds <= 0 {
		maxSeconds = 600
	}
	return Envelope{
		Type:      TypeSessionCreate,
		Timestamp: now.UnixMilli(),
		RequestID: p.RequestID,
		Payload: SessionCreatePayload{
			Session: SessionSpec{SystemInstruction: p.SystemInstruction, MaxDuration: maxSeconds},
			Audio:   AudioSpec{SampleRate: p.SampleRate, Encoding: EncodingPCMS16LE, Channels: 1},
			Voice:   VoiceSpec{VoiceID: voiceID, Language: language},
		},
	}
}

func AudioInput(now time.Time, data string, sequence int64) Envelope {
	return Envelope{
		Type:      TypeAudioInput,
		Timestamp: now.UnixMilli(),
		Payload:   AudioInputPayload{Data: data, Sequence: sequence},
	}
}

func SessionEnd(now time.Time) Envelope {
	return Envelope{Type: TypeSessionEnd, Timestamp: now.UnixMilli()}
}

func Ping(now time.Time) Envelope {
	return Envelope{Type: TypePing, Timestamp: now.UnixMilli()}
}

// Code accepts both numeric and string codes. The backend sends integers
// (4002, 4100, ...) but adapters relay upstream string codes verbatim.
type Code string

func (c *Code) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*c = Code(strconv.FormatInt(i, 10))
		return nil
	}
	*c = Code(n.String())
	return nil
}

type rawEnvelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

type sessionCreatedPayload struct {
	SessionID  string `json:"sessionId"`
	Negotiated *struct {
		SampleRate int    `json:"sampleRate"`
		Encoding   string `json:"encoding"`
		VoiceID    string `json:"voiceId"`
	} `json:"negotiated"`
}

type audioOutputPayload struct {
	Data     *string `json:"data"`
	Sequence int64   `json:"sequence"`
	IsFinal  bool    `json:"isFinal"`
}

type transcriptionPayload struct {
	Role    *string `json:"role"`
	Text    string  `json:"text"`
	IsFinal bool    `json:"isFinal"`
}

type statusPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ServerMessage is one decoded inbound frame. Event is nil for frames that
// carry no session meaning (pong).
type ServerMessage struct {
	Type      string
	RequestID string
	Timestamp int64
	Event     domain.Event
}

// DecodeServerMessage parses an inbound text frame into its event.
func DecodeServerMessage(raw []byte) (ServerMessage, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ServerMessage{}, badRequest("invalid JSON frame", "")
	}
	msgType := strings.TrimSpace(env.Type)
	if msgType == "" {
		return ServerMessage{}, badRequest("missing message type", "type")
	}
	msg := ServerMessage{Type: msgType, RequestID: env.RequestID, Timestamp: env.Timestamp}

	switch msgType {
	case TypeSessionCreated:
		var p sessionCreatedPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return ServerMessage{}, err
		}
		event := domain.SessionCreatedEvent{SessionID: p.SessionID}
		if p.Negotiated != nil {
			event.NegotiatedSampleRate = p.Negotiated.SampleRate
			event.NegotiatedVoiceID = p.Negotiated.VoiceID
		}
		msg.Event = event
	case TypeAudioOutput:
		var p audioOutputPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return ServerMessage{}, err
		}
		if p.Data == nil || *p.Data == "" {
			return ServerMessage{}, badRequest("audio.output requires data", "payload.data")
		}
		msg.Event = domain.AudioOutEvent{Data: *p.Data, Sequence: p.Sequence}
	case TypeTranscription:
		var p transcriptionPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return ServerMessage{}, err
		}
		if p.Role == nil || strings.TrimSpace(*p.Role) == "" {
			return ServerMessage{}, badRequest("transcription requires role", "payload.role")
		}
		msg.Event = domain.TranscriptEvent{Role: strings.TrimSpace(*p.Role), Text: p.Text}
	case TypeTurnComplete:
		msg.Event = domain.TurnCompleteEvent{}
	case TypeError:
		var p statusPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return ServerMessage{}, err
		}
		msg.Event = domain.ErrorEvent{Code: string(p.Code), Message: p.Message}
	case TypeWarning:
		var p statusPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return ServerMessage{}, err
		}
		msg.Event = domain.WarningEvent{Code: string(p.Code), Message: p.Message}
	case TypePong:
	default:
		return ServerMessage{}, unsupported("unsupported message type", msgType)
	}
	return msg, nil
}

func decodePayload(raw json.RawMessage, into any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return badRequest("missing payload", "payload")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return badRequest("invalid payload", "payload")
	}
	return nil
}
