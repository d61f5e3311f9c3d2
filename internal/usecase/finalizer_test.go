package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"voicelab/internal/domain"
)

func TestReportFinalizerBuildsReport(t *testing.T) {
	t.Parallel()

	store := &fakeReports{}
	f := newReportFinalizer(nil, store, &fakeEventSink{})
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	messages := []domain.ChatMessage{{ID: "1_u", Role: domain.RoleTrainee, Kind: domain.MessageKindText, Content: "hi"}}

	report, err := f.Finalize(context.Background(), reportDraft{
		ScenarioID: "s1",
		RoleID:     "r1",
		Messages:   messages,
		StartTime:  start,
		EndTime:    start.Add(90*time.Second + 900*time.Millisecond),
	})
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if report.ID == "" || report.Score != 75 || report.DurationSeconds != 90 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.ScenarioID != "s1" || report.RoleID != "r1" || len(report.Messages) != 1 {
		t.Fatalf("unexpected report ids/messages: %+v", report)
	}
	messages[0].Content = "mutated"
	if report.Messages[0].Content != "hi" {
		t.Fatalf("report must own its messages")
	}
	if store.count() != 1 {
		t.Fatalf("expected report to be saved once")
	}
}

func TestReportFinalizerPersistenceFailure(t *testing.T) {
	t.Parallel()

	events := &fakeEventSink{}
	f := newReportFinalizer(nil, &fakeReports{err: errors.New("offline")}, events)

	report, err := f.Finalize(context.Background(), reportDraft{StartTime: time.Unix(10, 0), EndTime: time.Unix(5, 0)})
	if err == nil {
		t.Fatalf("expected persistence error")
	}
	if report.ID == "" || report.DurationSeconds != 0 {
		t.Fatalf("report should still be produced: %+v", report)
	}
	errs := events.snapshotErrors()
	if len(errs) != 1 || errs[0].code != domain.ErrorCodePersistence {
		t.Fatalf("expected persistence error event, got %+v", errs)
	}
}

func TestReportFinalizerNormalizeKeepsTextOnRulesError(t *testing.T) {
	t.Parallel()

	f := newReportFinalizer(&fakeRules{err: errors.New("bad rule")}, nil, &fakeEventSink{})
	msg := f.Normalize(domain.ChatMessage{Role: domain.RolePersona, Content: "病人"})
	if msg.Content != "病人" {
		t.Fatalf("expected original text, got %q", msg.Content)
	}
}

func TestBuildInstruction(t *testing.T) {
	t.Parallel()

	text := buildInstruction(domain.PersonaContext{
		Scenario: domain.Scenario{Subtitle: "门诊随访", Description: "高血压复诊", Workflow: "问诊", KnowledgePoints: "用药依从性"},
		Role:     domain.Role{Name: "Li", NameCN: "李主任", Title: "cardiologist", Description: "严谨", Hostility: 20, Verbosity: 60, Skepticism: 80, SystemPromptAddon: "Be brief."},
	})

	for _, want := range []string{
		"You are 李主任 (Li), a cardiologist.",
		"Hostility=20/100, Verbosity=60/100, Skepticism=80/100.",
		"System Addon: Be brief.",
		"Current Scenario: 门诊随访",
		"Knowledge Points: 用药依从性",
		"Do not break character. Speak Chinese.",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("instruction missing %q:\n%s", want, text)
		}
	}
}
