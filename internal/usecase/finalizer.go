package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"voicelab/internal/domain"
	"voicelab/internal/logging"
	"voicelab/internal/ports"
)

const placeholderScore = 75

type reportDraft struct {
	ScenarioID string
	RoleID     string
	Messages   []domain.ChatMessage
	StartTime  time.Time
	EndTime    time.Time
}

type reportFinalizer struct {
	rules  ports.RulesEngine
	store  ports.ReportStore
	events ports.EventSink
	newID  func() string
}

func newReportFinalizer(rules ports.RulesEngine, store ports.ReportStore, events ports.EventSink) reportFinalizer {
	return reportFinalizer{rules: rules, store: store, events: events, newID: uuid.NewString}
}

// Normalize runs the substitution rules over one finalized message. A rules
// failure keeps the original text.
func (f reportFinalizer) Normalize(msg domain.ChatMessage) domain.ChatMessage {
	if f.rules == nil || msg.Content == "" {
		return msg
	}
	transformed, err := f.rules.Apply(msg.Role, msg.Content)
	if err != nil {
		logging.Warnw("transcript rules failed", "message_id", msg.ID, "error", err)
		return msg
	}
	msg.Content = transformed
	return msg
}

// Finalize builds the session report and hands it to the store. The report is
// returned even when persistence fails.
func (f reportFinalizer) Finalize(ctx context.Context, draft reportDraft) (domain.SessionReport, error) {
	messages := make([]domain.ChatMessage, len(draft.Messages))
	copy(messages, draft.Messages)

	duration := draft.EndTime.Sub(draft.StartTime)
	if duration < 0 {
		duration = 0
	}
	report := domain.SessionReport{
		ID:              f.newID(),
		ScenarioID:      draft.ScenarioID,
		RoleID:          draft.RoleID,
		Score:           placeholderScore,
		Messages:        messages,
		StartTime:       draft.StartTime,
		EndTime:         draft.EndTime,
		DurationSeconds: int(duration / time.Second),
	}

	if f.store == nil {
		return report, nil
	}
	if err := f.store.SaveReport(ctx, report); err != nil {
		logging.Errorw("failed to persist session report", "report_id", report.ID, "error", err)
		f.events.SessionError(domain.ErrorCodePersistence, "session report could not be saved")
		return report, err
	}
	logging.Infow("session report saved", "report_id", report.ID, "messages", len(report.Messages))
	return report, nil
}
