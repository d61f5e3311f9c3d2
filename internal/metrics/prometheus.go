package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voicelab/internal/domain"
	"voicelab/internal/logging"
)

// Metrics contains all Prometheus collectors for the voice session pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	SessionDuration prometheus.Histogram

	// Outbound audio
	ChunksSent    prometheus.Counter
	ChunkBytes    prometheus.Histogram
	ChunksDropped prometheus.Counter

	// Inbound audio
	AudioChunksReceived prometheus.Counter
	AudioBytesReceived  prometheus.Counter
	PlaybackLeadSeconds prometheus.Gauge

	// Transcript and remote status
	TranscriptMessages *prometheus.CounterVec
	RemoteWarnings     prometheus.Counter
	RemoteErrors       prometheus.Counter

	// Backend HTTP calls
	BackendRequests        *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicelab_active_sessions",
			Help: "Current number of active voice sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelab_sessions_started_total",
			Help: "Total number of voice sessions started",
		}),
		SessionsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelab_sessions_ended_total",
			Help: "Total number of voice sessions finalized",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicelab_session_duration_seconds",
			Help:    "Duration of voice sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 8), // 5s to ~10 minutes
		}),

		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelab_audio_chunks_sent_total",
			Help: "Total number of outbound audio chunks transmitted",
		}),
		ChunkBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicelab_audio_chunk_size_bytes",
			Help:    "Size of outbound PCM chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 8),
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelab_audio_chunks_dropped_total",
			Help: "Total number of outbound chunks dropped before acknowledgment",
		}),

		AudioChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelab_audio_output_chunks_total",
			Help: "Total number of synthesized audio chunks received",
		}),
		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelab_audio_output_bytes_total",
			Help: "Total PCM bytes of synthesized audio received",
		}),
		PlaybackLeadSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicelab_playback_lead_seconds",
			Help: "How far the playback cursor runs ahead of the output clock",
		}),

		TranscriptMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelab_transcript_messages_total",
			Help: "Total number of transcript messages emitted",
		}, []string{"role"}),
		RemoteWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelab_remote_warnings_total",
			Help: "Total number of warning messages from the voice backend",
		}),
		RemoteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelab_remote_errors_total",
			Help: "Total number of error messages from the voice backend",
		}),

		BackendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelab_backend_requests_total",
			Help: "Total number of backend API requests",
		}, []string{"method", "endpoint", "status_code"}),
		BackendRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicelab_backend_request_duration_seconds",
			Help:    "Duration of backend API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionEnded(duration time.Duration) {
	m.SessionsEnded.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(duration.Seconds())
	m.PlaybackLeadSeconds.Set(0)
}

func (m *Metrics) ChunkSent(bytes int) {
	m.ChunksSent.Inc()
	m.ChunkBytes.Observe(float64(bytes))
}

func (m *Metrics) ChunkDropped() {
	m.ChunksDropped.Inc()
}

func (m *Metrics) AudioReceived(bytes int) {
	m.AudioChunksReceived.Inc()
	m.AudioBytesReceived.Add(float64(bytes))
}

func (m *Metrics) PlaybackLead(lead time.Duration) {
	m.PlaybackLeadSeconds.Set(lead.Seconds())
}

func (m *Metrics) MessageEmitted(role domain.ChatRole) {
	m.TranscriptMessages.WithLabelValues(string(role)).Inc()
}

func (m *Metrics) RemoteWarning() {
	m.RemoteWarnings.Inc()
}

func (m *Metrics) RemoteError() {
	m.RemoteErrors.Inc()
}

// RecordBackendRequest records one call to the backend REST API.
func (m *Metrics) RecordBackendRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.BackendRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.BackendRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Infow("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
