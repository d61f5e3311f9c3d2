package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"voicelab/internal/domain"
)

func findMetric(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestSessionLifecycleMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.SessionStarted()
	m.ChunkSent(3840)
	m.ChunkSent(3840)
	m.ChunkDropped()
	m.PlaybackLead(1500 * time.Millisecond)

	if got := findMetric(t, m, "voicelab_audio_chunks_sent_total").GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("chunks sent=%v", got)
	}
	if got := findMetric(t, m, "voicelab_active_sessions").GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("active sessions=%v", got)
	}
	if got := findMetric(t, m, "voicelab_playback_lead_seconds").GetMetric()[0].GetGauge().GetValue(); got != 1.5 {
		t.Fatalf("lead=%v", got)
	}

	m.SessionEnded(42 * time.Second)
	if got := findMetric(t, m, "voicelab_active_sessions").GetMetric()[0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("active sessions after end=%v", got)
	}
	if got := findMetric(t, m, "voicelab_session_duration_seconds").GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("duration samples=%v", got)
	}
}

func TestMessageMetricsAreLabelledByRole(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.MessageEmitted(domain.RoleTrainee)
	m.MessageEmitted(domain.RolePersona)
	m.MessageEmitted(domain.RolePersona)

	family := findMetric(t, m, "voicelab_transcript_messages_total")
	counts := map[string]float64{}
	for _, metric := range family.GetMetric() {
		counts[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
	}
	if counts["user"] != 1 || counts["model"] != 2 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestHandlerExposesTextFormat(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.RemoteWarning()
	m.RecordBackendRequest("GET", "/api/data/roles", "200", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "voicelab_remote_warnings_total 1") {
		t.Fatalf("warnings counter missing from output")
	}
	if !strings.Contains(string(body), `voicelab_backend_requests_total{endpoint="/api/data/roles",method="GET",status_code="200"} 1`) {
		t.Fatalf("backend counter missing from output:\n%s", body)
	}
}
