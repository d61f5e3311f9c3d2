package bootstrap

import (
	"voicelab/internal/audio"
	"voicelab/internal/config"
	"voicelab/internal/logging"
	"voicelab/internal/metrics"
	"voicelab/internal/ports"
	"voicelab/internal/providers/backend"
	"voicelab/internal/providers/gateway"
	"voicelab/internal/rules"
	"voicelab/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Coordinator *usecase.SessionCoordinator
	Metrics     *metrics.Metrics
	Config      config.Config
}

// Build loads configuration, initializes logging and wires all backend
// dependencies for the current runtime.
func Build(eventSink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	logging.Init(cfg.Logging.Level)
	return BuildWithConfig(cfg, eventSink)
}

// BuildWithConfig wires dependencies from an already loaded config.
func BuildWithConfig(cfg config.Config, eventSink ports.EventSink) (Services, error) {
	rulesEngine, err := rules.NewEngine(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, err
	}
	if rulesEngine.Len() > 0 {
		logging.Infow("transcript rules loaded", "path", cfg.Rules.Path, "rules", rulesEngine.Len())
	}

	m := metrics.NewMetrics()
	api := backend.NewClient(backend.Config{
		BaseURL:  cfg.Backend.BaseURL,
		Token:    cfg.Backend.Token,
		Timeout:  cfg.Backend.Timeout,
		Observer: m,
	})

	coordinator := usecase.NewSessionCoordinator(
		usecase.Dependencies{
			Capture:  newCapture(cfg.Audio),
			Playback: audio.NewMalgoPlayback(),
			Transport: gateway.NewProvider(gateway.Config{
				BaseURL:    cfg.Gateway.BaseURL,
				Token:      cfg.Gateway.Token,
				AckTimeout: cfg.Gateway.AckTimeout,
			}),
			Contexts: api,
			Reports:  api,
			Rules:    rulesEngine,
			Events:   eventSink,
			Metrics:  m,
		},
		usecase.Config{
			Session: cfg.SessionDefaults(),
			Audio: ports.AudioConfig{
				InputDevice:      cfg.Audio.InputDevice,
				EchoCancellation: cfg.Audio.EchoCancellation,
				NoiseSuppression: cfg.Audio.NoiseSuppression,
				AutoGainControl:  cfg.Audio.AutoGainControl,
			},
			OutputDevice:      cfg.Audio.OutputDevice,
			ModelID:           cfg.Gateway.ModelID,
			VoiceID:           cfg.Gateway.VoiceID,
			Language:          cfg.Gateway.Language,
			MaxDuration:       cfg.Gateway.MaxDuration,
			HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		},
	)

	logging.Infow("voice session backend ready",
		"gateway", cfg.Gateway.BaseURL,
		"model", cfg.Gateway.ModelID,
		"api", cfg.Backend.BaseURL,
		"capture", cfg.Audio.Backend,
		"sample_rate", cfg.Session.SampleRate,
	)
	return Services{Coordinator: coordinator, Metrics: m, Config: cfg}, nil
}

func newCapture(cfg config.AudioConfig) ports.AudioCapture {
	if cfg.Backend == "ffmpeg" {
		return audio.NewFFMPEGCapture(cfg.FFMPEGCommand, cfg.InputFormat, cfg.FrameBuffer)
	}
	return audio.NewMalgoCapture(cfg.FrameBuffer)
}

