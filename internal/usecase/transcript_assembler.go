package usecase

import (
	"strconv"
	"strings"
	"time"

	"voicelab/internal/domain"
)

const emptyTranscriptNotice = "未检测到对话内容或文本转录失败。"

// transcriptAssembler turns additive per-speaker fragments into ordered
// messages at turn boundaries.
type transcriptAssembler struct {
	trainee   strings.Builder
	persona   strings.Builder
	normalize func(domain.ChatMessage) domain.ChatMessage
	history   []domain.ChatMessage
}

func newTranscriptAssembler(normalize func(domain.ChatMessage) domain.ChatMessage) *transcriptAssembler {
	if normalize == nil {
		normalize = func(m domain.ChatMessage) domain.ChatMessage { return m }
	}
	return &transcriptAssembler{normalize: normalize}
}

// speakerRole maps a wire role onto a transcript speaker.
func speakerRole(role string) (domain.ChatRole, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user", "trainee":
		return domain.RoleTrainee, true
	case "model", "assistant", "persona":
		return domain.RolePersona, true
	default:
		return "", false
	}
}

// OnDelta appends text to the speaker's open turn. Unknown roles are
// reported as not accepted.
func (a *transcriptAssembler) OnDelta(role string, text string) bool {
	speaker, ok := speakerRole(role)
	if !ok {
		return false
	}
	if speaker == domain.RoleTrainee {
		a.trainee.WriteString(text)
	} else {
		a.persona.WriteString(text)
	}
	return true
}

// OnTurnComplete emits the open turn, trainee first, and clears both speakers.
func (a *transcriptAssembler) OnTurnComplete(now time.Time) []domain.ChatMessage {
	return a.flush(strconv.FormatInt(now.UnixMilli(), 10), "")
}

// Finalize flushes whatever is still open. An empty transcript yields a
// single system placeholder so reports are never blank.
func (a *transcriptAssembler) Finalize(now time.Time) []domain.ChatMessage {
	out := a.flush(strconv.FormatInt(now.UnixMilli(), 10), "_final")
	if len(a.history) == 0 {
		placeholder := domain.ChatMessage{
			ID:      "1",
			Role:    domain.RoleSystem,
			Kind:    domain.MessageKindText,
			Content: emptyTranscriptNotice,
		}
		a.history = append(a.history, placeholder)
		out = append(out, placeholder)
	}
	return out
}

// Messages returns a copy of every message emitted so far.
func (a *transcriptAssembler) Messages() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(a.history))
	copy(out, a.history)
	return out
}

func (a *transcriptAssembler) flush(stamp string, suffix string) []domain.ChatMessage {
	var out []domain.ChatMessage
	if text := strings.TrimSpace(a.trainee.String()); text != "" {
		out = append(out, a.emit(stamp+"_u"+suffix, domain.RoleTrainee, text))
	}
	if text := strings.TrimSpace(a.persona.String()); text != "" {
		out = append(out, a.emit(stamp+"_m"+suffix, domain.RolePersona, text))
	}
	a.trainee.Reset()
	a.persona.Reset()
	return out
}

func (a *transcriptAssembler) emit(id string, role domain.ChatRole, text string) domain.ChatMessage {
	msg := a.normalize(domain.ChatMessage{ID: id, Role: role, Kind: domain.MessageKindText, Content: text})
	a.history = append(a.history, msg)
	return msg
}
