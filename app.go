package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"voicelab/internal/bootstrap"
	"voicelab/internal/config"
	"voicelab/internal/domain"
	"voicelab/internal/logging"
	"voicelab/internal/metrics"
	"voicelab/internal/usecase"
)

const (
	eventSession    = "voicelab:session"
	eventTranscript = "voicelab:transcript"
	eventVolume     = "voicelab:volume"
	eventLog        = "voicelab:log"
	eventError      = "voicelab:error"
	eventReport     = "voicelab:report"
)

// App is the Wails application root.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	coordinator *usecase.SessionCoordinator
	metrics     *metrics.Metrics
	cfg         config.Config
	bootErr     error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)

	services, err := bootstrap.Build(a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.cfg = services.Config
	a.coordinator = services.Coordinator
	a.metrics = services.Metrics
	if addr := a.cfg.Metrics.Addr; addr != "" {
		go func() {
			if err := a.metrics.Serve(a.ctx, addr); err != nil {
				logging.Warnw("metrics endpoint stopped", "addr", addr, "error", err)
			}
		}()
	}
	a.SessionStateChanged(domain.ConnectionDisconnected, "Ready")
}

func (a *App) shutdown(ctx context.Context) {
	if a.coordinator != nil {
		a.coordinator.Shutdown(ctx)
	}
	if a.cancel != nil {
		a.cancel()
	}
	logging.Sync()
}

// StartSession connects a practice session for the given scenario and role.
func (a *App) StartSession(scenarioID string, roleID string, modelID string) (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	err := a.coordinator.Start(a.ctx, usecase.StartRequest{
		ScenarioID: scenarioID,
		RoleID:     roleID,
		ModelID:    modelID,
	})
	return a.coordinator.Status(), err
}

// EndSession stops the active session and returns its report.
func (a *App) EndSession() (domain.SessionReport, error) {
	if err := a.requireReady(); err != nil {
		return domain.SessionReport{}, err
	}
	report, err := a.coordinator.End(a.ctx)
	if errors.Is(err, usecase.ErrNoActiveSession) {
		return report, nil
	}
	return report, err
}

// GetStatus returns the current connection status.
func (a *App) GetStatus() domain.Status {
	if a.coordinator == nil {
		if a.bootErr != nil {
			return domain.Status{State: domain.ConnectionError, Message: a.bootErr.Error()}
		}
		return domain.Status{State: domain.ConnectionDisconnected}
	}
	return a.coordinator.Status()
}

// GetVolume returns the last sampled microphone level (0-255).
func (a *App) GetVolume() int {
	if a.coordinator == nil {
		return 0
	}
	return a.coordinator.Volume()
}

func (a *App) GetConfig() domain.SessionConfig {
	if a.coordinator == nil {
		return domain.DefaultSessionConfig()
	}
	return a.coordinator.Config()
}

// SetConfig updates the config used by the next session.
func (a *App) SetConfig(cfg domain.SessionConfig) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.coordinator.SetConfig(cfg)
}

func (a *App) GetLogs() []domain.LogEntry {
	if a.coordinator == nil {
		return nil
	}
	return a.coordinator.Logs()
}

func (a *App) ClearLogs() {
	if a.coordinator != nil {
		a.coordinator.ClearLogs()
	}
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"gateway":      a.cfg.Gateway.BaseURL,
		"model":        a.cfg.Gateway.ModelID,
		"voice":        a.cfg.Gateway.VoiceID,
		"language":     a.cfg.Gateway.Language,
		"api":          a.cfg.Backend.BaseURL,
		"rulesFile":    a.cfg.Rules.Path,
		"audioBackend": a.cfg.Audio.Backend,
		"audioInput":   a.cfg.Audio.InputDevice,
		"audioOutput":  a.cfg.Audio.OutputDevice,
		"sampleRate":   strconv.Itoa(a.cfg.Session.SampleRate),
		"metricsAddr":  a.cfg.Metrics.Addr,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.coordinator == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// SessionStateChanged emits connection lifecycle updates to the frontend.
func (a *App) SessionStateChanged(state domain.ConnectionState, message string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSession, map[string]string{
		"state":   string(state),
		"label":   stateLabel(state),
		"message": message,
	})
}

// TranscriptMessage emits a completed chat message.
func (a *App) TranscriptMessage(message domain.ChatMessage) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventTranscript, message)
}

func (a *App) VolumeChanged(level int, speaking bool) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventVolume, map[string]any{
		"level":    level,
		"speaking": speaking,
	})
}

func (a *App) LogLine(level string, message string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventLog, map[string]string{
		"type":    level,
		"message": message,
	})
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func (a *App) SessionReportReady(report domain.SessionReport) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventReport, report)
}

func stateLabel(state domain.ConnectionState) string {
	switch state {
	case domain.ConnectionDisconnected:
		return "Disconnected"
	case domain.ConnectionConnecting:
		return "Connecting..."
	case domain.ConnectionConnected:
		return "Live"
	case domain.ConnectionError:
		return "Connection error"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeContext:
		return "Could not load scenario or role"
	case domain.ErrorCodeAcquisition:
		return "Microphone unavailable"
	case domain.ErrorCodeTransport:
		return "Connection to voice gateway failed"
	case domain.ErrorCodeProtocol:
		return "Voice gateway reported an error"
	case domain.ErrorCodePlayback:
		return "Audio playback failed"
	case domain.ErrorCodePersistence:
		return "Session history was not saved"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
