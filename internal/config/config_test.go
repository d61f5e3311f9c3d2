package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("VOICELAB_ENV_FILE", filepath.Join(home, "missing.env"))
	t.Setenv("VOICELAB_CONFIG", "")
	t.Setenv("VOICELAB_RULES_FILE", "")
	return home
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Session.SampleRate != 24000 || cfg.Session.BufferThreshold != 15 || cfg.Session.VolumeThreshold != 10 {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Gateway.AckTimeout != 15*time.Second || cfg.Gateway.MaxDuration != 600*time.Second {
		t.Fatalf("unexpected gateway defaults: %+v", cfg.Gateway)
	}
	if cfg.Audio.Backend != "malgo" || !cfg.Audio.EchoCancellation {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Rules.Path != "" {
		t.Fatalf("expected no rules file, got %q", cfg.Rules.Path)
	}
}

func TestLoadFindsRulesInConfigDir(t *testing.T) {
	home := isolate(t)
	rules := filepath.Join(home, ".config", "voicelab", "transcript.rules")
	if err := os.MkdirAll(filepath.Dir(rules), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(rules, []byte("a => b\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Rules.Path != rules {
		t.Fatalf("expected config dir rules, got %q", cfg.Rules.Path)
	}
}

func TestLoadRespectsOverridesAndFallbacks(t *testing.T) {
	home := isolate(t)
	rules := filepath.Join(home, "my.rules")
	if err := os.WriteFile(rules, []byte("x => y\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("VOICELAB_GATEWAY_URL", "wss://voice.example.com")
	t.Setenv("VOICELAB_MODEL", "gemini-pro")
	t.Setenv("VOICELAB_VOICE_ID", "Puck")
	t.Setenv("VOICELAB_ACK_TIMEOUT_MS", "0")
	t.Setenv("VOICELAB_HEARTBEAT_MS", "20000")
	t.Setenv("VOICELAB_API_URL", "https://api.example.com")
	t.Setenv("VOICELAB_API_TOKEN", "secret")
	t.Setenv("VOICELAB_AUDIO_BACKEND", "FFMPEG")
	t.Setenv("VOICELAB_AUDIO_INPUT_DEVICE", "echo-cancel-source")
	t.Setenv("VOICELAB_ECHO_CANCELLATION", "off")
	t.Setenv("VOICELAB_SAMPLE_RATE", "16000")
	t.Setenv("VOICELAB_BUFFER_THRESHOLD", "8")
	t.Setenv("VOICELAB_RULES_FILE", rules)
	t.Setenv("VOICELAB_RULE_ITERATION_LIMIT", "42")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("VOICELAB_METRICS_ADDR", "127.0.0.1:9464")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Gateway.BaseURL != "wss://voice.example.com" || cfg.Gateway.ModelID != "gemini-pro" || cfg.Gateway.VoiceID != "Puck" {
		t.Fatalf("unexpected gateway config: %+v", cfg.Gateway)
	}
	if cfg.Gateway.AckTimeout != 0 || cfg.Gateway.HeartbeatInterval != 20*time.Second {
		t.Fatalf("unexpected gateway timers: %+v", cfg.Gateway)
	}
	if cfg.Backend.BaseURL != "https://api.example.com" || cfg.Backend.Token != "secret" {
		t.Fatalf("unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.Audio.Backend != "ffmpeg" || cfg.Audio.InputDevice != "echo-cancel-source" || cfg.Audio.EchoCancellation {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Session.SampleRate != 16000 || cfg.Session.BufferThreshold != 8 {
		t.Fatalf("unexpected session config: %+v", cfg.Session)
	}
	if cfg.Rules.Path != rules || cfg.Rules.IterationLimit != 42 {
		t.Fatalf("unexpected rules config: %+v", cfg.Rules)
	}
	if cfg.Logging.Level != "debug" || cfg.Metrics.Addr != "127.0.0.1:9464" {
		t.Fatalf("unexpected logging/metrics config: %+v %+v", cfg.Logging, cfg.Metrics)
	}
}

func TestLoadInvalidNumericValuesFallback(t *testing.T) {
	isolate(t)
	t.Setenv("VOICELAB_SAMPLE_RATE", "22050")
	t.Setenv("VOICELAB_BUFFER_THRESHOLD", "0")
	t.Setenv("VOICELAB_VOLUME_THRESHOLD", "400")
	t.Setenv("VOICELAB_RULE_ITERATION_LIMIT", "bad")
	t.Setenv("VOICELAB_ACK_TIMEOUT_MS", "-5")
	t.Setenv("VOICELAB_AUDIO_BACKEND", "portaudio")
	t.Setenv("VOICELAB_NOISE_SUPPRESSION", "not-bool")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Session.SampleRate != 24000 {
		t.Fatalf("expected default sample rate, got %d", cfg.Session.SampleRate)
	}
	if cfg.Session.BufferThreshold != 15 {
		t.Fatalf("expected threshold fallback, got %d", cfg.Session.BufferThreshold)
	}
	if cfg.Session.VolumeThreshold != 10 {
		t.Fatalf("expected volume fallback, got %d", cfg.Session.VolumeThreshold)
	}
	if cfg.Rules.IterationLimit != 30 {
		t.Fatalf("expected default iteration limit, got %d", cfg.Rules.IterationLimit)
	}
	if cfg.Gateway.AckTimeout != 15*time.Second {
		t.Fatalf("expected default ack timeout, got %s", cfg.Gateway.AckTimeout)
	}
	if cfg.Audio.Backend != "malgo" {
		t.Fatalf("expected default backend, got %q", cfg.Audio.Backend)
	}
	if !cfg.Audio.NoiseSuppression {
		t.Fatalf("expected default noise suppression true")
	}
}

func TestLoadYAMLFileThenEnv(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "voicelab.yaml")
	yamlDoc := `
gateway:
  base_url: ws://gateway.internal:9000
  model_id: gemini
  ack_timeout: 5s
backend:
  base_url: http://api.internal
  timeout: 3s
session:
  sample_rate: 16000
  buffer_threshold: 10
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("VOICELAB_CONFIG", path)
	t.Setenv("VOICELAB_BUFFER_THRESHOLD", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Gateway.BaseURL != "ws://gateway.internal:9000" || cfg.Gateway.AckTimeout != 5*time.Second {
		t.Fatalf("unexpected gateway config: %+v", cfg.Gateway)
	}
	if cfg.Backend.Timeout != 3*time.Second {
		t.Fatalf("unexpected backend timeout: %s", cfg.Backend.Timeout)
	}
	if cfg.Session.SampleRate != 16000 || cfg.Session.BufferThreshold != 12 {
		t.Fatalf("expected env to override yaml, got %+v", cfg.Session)
	}
	if cfg.Gateway.VoiceID != "Kore" {
		t.Fatalf("expected defaults to survive partial yaml, got %q", cfg.Gateway.VoiceID)
	}
}

func TestLoadYAMLFileErrors(t *testing.T) {
	home := isolate(t)
	t.Setenv("VOICELAB_CONFIG", filepath.Join(home, "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing file error")
	}

	bad := filepath.Join(home, "bad.yaml")
	if err := os.WriteFile(bad, []byte("gateway: [unclosed"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("VOICELAB_CONFIG", bad)
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	home := isolate(t)
	envPath := filepath.Join(home, "test.env")
	if err := os.WriteFile(envPath, []byte("VOICELAB_VOICE_ID=Charon\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("VOICELAB_ENV_FILE", envPath)
	t.Setenv("VOICELAB_VOICE_ID", "")
	if err := os.Unsetenv("VOICELAB_VOICE_ID"); err != nil {
		t.Fatalf("unset failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Gateway.VoiceID != "Charon" {
		t.Fatalf("expected voice from .env, got %q", cfg.Gateway.VoiceID)
	}
}

func TestSessionDefaults(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	session := cfg.SessionDefaults()
	if err := session.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
