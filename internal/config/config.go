package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"voicelab/internal/domain"
)

// Config stores runtime configuration for the voice session backend.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Backend BackendConfig `yaml:"backend"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
	Rules   RulesConfig   `yaml:"rules"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GatewayConfig addresses the realtime voice websocket.
type GatewayConfig struct {
	BaseURL           string        `yaml:"base_url"`
	ModelID           string        `yaml:"model_id"`
	VoiceID           string        `yaml:"voice_id"`
	Language          string        `yaml:"language"`
	Token             string        `yaml:"token"`
	MaxDuration       time.Duration `yaml:"max_duration"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// BackendConfig addresses the REST API that serves scenarios, roles and history.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type AudioConfig struct {
	// Backend selects the capture implementation: "malgo" or "ffmpeg".
	Backend          string `yaml:"backend"`
	InputDevice      string `yaml:"input_device"`
	OutputDevice     string `yaml:"output_device"`
	FFMPEGCommand    string `yaml:"ffmpeg_command"`
	InputFormat      string `yaml:"input_format"`
	FrameBuffer      int    `yaml:"frame_buffer"`
	EchoCancellation bool   `yaml:"echo_cancellation"`
	NoiseSuppression bool   `yaml:"noise_suppression"`
	AutoGainControl  bool   `yaml:"auto_gain_control"`
}

type SessionConfig struct {
	SampleRate int `yaml:"sample_rate"`
	// BufferThreshold is how many 128-sample frames are batched per outbound
	// chunk. Lower values cut latency but send more messages; higher values
	// smooth transport overhead but add buffering delay. 15 frames is about
	// 80 ms at 24 kHz and 120 ms at 16 kHz.
	BufferThreshold int `yaml:"buffer_threshold"`
	VolumeThreshold int `yaml:"volume_threshold"`
}

type RulesConfig struct {
	Path           string `yaml:"path"`
	IterationLimit int    `yaml:"iteration_limit"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	session := domain.DefaultSessionConfig()
	return Config{
		Gateway: GatewayConfig{
			BaseURL:     "ws://localhost:8000",
			ModelID:     "gemini",
			VoiceID:     "Kore",
			Language:    "zh-CN",
			MaxDuration: 600 * time.Second,
			AckTimeout:  15 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 10 * time.Second,
		},
		Audio: AudioConfig{
			Backend:          "malgo",
			InputDevice:      "default",
			FFMPEGCommand:    "ffmpeg",
			InputFormat:      "pulse",
			FrameBuffer:      64,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Session: SessionConfig{
			SampleRate:      session.SampleRate,
			BufferThreshold: session.BufferThreshold,
			VolumeThreshold: session.VolumeThreshold,
		},
		Rules: RulesConfig{
			IterationLimit: 30,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load resolves configuration from a .env file, an optional YAML file and
// environment variables, in increasing precedence.
func Load() (Config, error) {
	envFile := envOrDefault("VOICELAB_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("VOICELAB_CONFIG")); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}

	if cfg.Rules.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Rules.Path = firstExisting(filepath.Join(home, ".config", "voicelab", "transcript.rules"))
		}
	}

	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// LoadFile reads a YAML configuration file on top of the defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Gateway.BaseURL = envOrDefault("VOICELAB_GATEWAY_URL", cfg.Gateway.BaseURL)
	cfg.Gateway.ModelID = envOrDefault("VOICELAB_MODEL", cfg.Gateway.ModelID)
	cfg.Gateway.VoiceID = envOrDefault("VOICELAB_VOICE_ID", cfg.Gateway.VoiceID)
	cfg.Gateway.Language = envOrDefault("VOICELAB_LANGUAGE", cfg.Gateway.Language)
	cfg.Gateway.Token = envOrDefault("VOICELAB_GATEWAY_TOKEN", cfg.Gateway.Token)
	cfg.Gateway.MaxDuration = envOrDefaultDuration("VOICELAB_MAX_DURATION_SECONDS", time.Second, cfg.Gateway.MaxDuration)
	cfg.Gateway.AckTimeout = envOrDefaultDuration("VOICELAB_ACK_TIMEOUT_MS", time.Millisecond, cfg.Gateway.AckTimeout)
	cfg.Gateway.HeartbeatInterval = envOrDefaultDuration("VOICELAB_HEARTBEAT_MS", time.Millisecond, cfg.Gateway.HeartbeatInterval)

	cfg.Backend.BaseURL = envOrDefault("VOICELAB_API_URL", cfg.Backend.BaseURL)
	cfg.Backend.Token = envOrDefault("VOICELAB_API_TOKEN", cfg.Backend.Token)
	cfg.Backend.Timeout = envOrDefaultDuration("VOICELAB_API_TIMEOUT_MS", time.Millisecond, cfg.Backend.Timeout)

	cfg.Audio.Backend = envOrDefault("VOICELAB_AUDIO_BACKEND", cfg.Audio.Backend)
	cfg.Audio.InputDevice = firstNonEmpty(
		os.Getenv("VOICELAB_AUDIO_INPUT_DEVICE"),
		os.Getenv("PULSE_SOURCE"),
		cfg.Audio.InputDevice,
		"default",
	)
	cfg.Audio.OutputDevice = envOrDefault("VOICELAB_AUDIO_OUTPUT_DEVICE", cfg.Audio.OutputDevice)
	cfg.Audio.FFMPEGCommand = envOrDefault("VOICELAB_FFMPEG_COMMAND", cfg.Audio.FFMPEGCommand)
	cfg.Audio.InputFormat = envOrDefault("VOICELAB_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.FrameBuffer = envOrDefaultInt("VOICELAB_AUDIO_FRAME_BUFFER", cfg.Audio.FrameBuffer)
	cfg.Audio.EchoCancellation = envOrDefaultBool("VOICELAB_ECHO_CANCELLATION", cfg.Audio.EchoCancellation)
	cfg.Audio.NoiseSuppression = envOrDefaultBool("VOICELAB_NOISE_SUPPRESSION", cfg.Audio.NoiseSuppression)
	cfg.Audio.AutoGainControl = envOrDefaultBool("VOICELAB_AUTO_GAIN_CONTROL", cfg.Audio.AutoGainControl)

	cfg.Session.SampleRate = envOrDefaultInt("VOICELAB_SAMPLE_RATE", cfg.Session.SampleRate)
	cfg.Session.BufferThreshold = envOrDefaultInt("VOICELAB_BUFFER_THRESHOLD", cfg.Session.BufferThreshold)
	cfg.Session.VolumeThreshold = envOrDefaultInt("VOICELAB_VOLUME_THRESHOLD", cfg.Session.VolumeThreshold)

	cfg.Rules.Path = envOrDefault("VOICELAB_RULES_FILE", cfg.Rules.Path)
	cfg.Rules.IterationLimit = envOrDefaultInt("VOICELAB_RULE_ITERATION_LIMIT", cfg.Rules.IterationLimit)

	cfg.Logging.Level = envOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Metrics.Addr = envOrDefault("VOICELAB_METRICS_ADDR", cfg.Metrics.Addr)
}

func normalize(cfg *Config) {
	defaults := Defaults()
	if cfg.Session.SampleRate != domain.SampleRate16k && cfg.Session.SampleRate != domain.SampleRate24k {
		cfg.Session.SampleRate = defaults.Session.SampleRate
	}
	if cfg.Session.BufferThreshold < 1 {
		cfg.Session.BufferThreshold = defaults.Session.BufferThreshold
	}
	if cfg.Session.VolumeThreshold < 0 || cfg.Session.VolumeThreshold > 255 {
		cfg.Session.VolumeThreshold = defaults.Session.VolumeThreshold
	}
	if cfg.Gateway.MaxDuration <= 0 {
		cfg.Gateway.MaxDuration = defaults.Gateway.MaxDuration
	}
	if cfg.Gateway.AckTimeout < 0 {
		cfg.Gateway.AckTimeout = 0
	}
	if cfg.Gateway.HeartbeatInterval < 0 {
		cfg.Gateway.HeartbeatInterval = 0
	}
	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = defaults.Backend.Timeout
	}
	switch strings.ToLower(cfg.Audio.Backend) {
	case "malgo", "ffmpeg":
		cfg.Audio.Backend = strings.ToLower(cfg.Audio.Backend)
	default:
		cfg.Audio.Backend = defaults.Audio.Backend
	}
	if cfg.Audio.FrameBuffer <= 0 {
		cfg.Audio.FrameBuffer = defaults.Audio.FrameBuffer
	}
	if cfg.Rules.IterationLimit <= 0 {
		cfg.Rules.IterationLimit = defaults.Rules.IterationLimit
	}
}

// SessionDefaults returns the session parameters as the domain type.
func (c Config) SessionDefaults() domain.SessionConfig {
	return domain.SessionConfig{
		SampleRate:      c.Session.SampleRate,
		BufferThreshold: c.Session.BufferThreshold,
		VolumeThreshold: c.Session.VolumeThreshold,
	}
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envOrDefaultDuration reads an integer count of unit. Negative or malformed
// values keep the fallback.
func envOrDefaultDuration(key string, unit time.Duration, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * unit
}
