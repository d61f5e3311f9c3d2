package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"voicelab/internal/domain"
	"voicelab/internal/logging"
	"voicelab/internal/ports"
)

const defaultFrameBuffer = 64

// MalgoCapture records the microphone through miniaudio.
type MalgoCapture struct {
	frameBuffer int
}

func NewMalgoCapture(frameBuffer int) *MalgoCapture {
	if frameBuffer <= 0 {
		frameBuffer = defaultFrameBuffer
	}
	return &MalgoCapture{frameBuffer: frameBuffer}
}

func (c *MalgoCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.CaptureSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = domain.SampleRate24k
	}
	if cfg.EchoCancellation || cfg.NoiseSuppression || cfg.AutoGainControl {
		logging.Infow("voice processing requested; relying on input device",
			"echo_cancellation", cfg.EchoCancellation,
			"noise_suppression", cfg.NoiseSuppression,
			"auto_gain_control", cfg.AutoGainControl,
			"input_device", cfg.InputDevice,
		)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, classifyDeviceError("init audio context", err)
	}
	freeContext := func() {
		if err := mctx.Uninit(); err != nil {
			logging.Warnw("audio context uninit failed", "error", err)
		}
		mctx.Free()
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	var devices []malgo.DeviceInfo
	if name := strings.TrimSpace(cfg.InputDevice); name != "" && name != "default" {
		devices, err = mctx.Devices(malgo.Capture)
		if err != nil {
			freeContext()
			return nil, classifyDeviceError("list capture devices", err)
		}
		idx := findDevice(devices, name)
		if idx < 0 {
			freeContext()
			return nil, fmt.Errorf("%w: input device %q not found", domain.ErrDeviceUnavailable, name)
		}
		deviceConfig.Capture.DeviceID = devices[idx].ID.Pointer()
	}

	session := &malgoCaptureSession{
		samples:  make(chan []float32, c.frameBuffer),
		ring:     newFrameRing(c.frameBuffer),
		analyser: NewAnalyser(),
		mctx:     mctx,
	}

	callbacks := malgo.DeviceCallbacks{
		Data: session.onData,
	}
	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		freeContext()
		return nil, classifyDeviceError("init capture device", err)
	}
	session.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext()
		return nil, classifyDeviceError("start capture device", err)
	}

	logging.Infow("capture started", "sample_rate", cfg.SampleRate, "input_device", cfg.InputDevice, "frame_size", FrameSize)
	return session, nil
}

type malgoCaptureSession struct {
	samples  chan []float32
	ring     *frameRing
	analyser *Analyser

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	dropped atomic.Int64

	stopOnce sync.Once
}

// onData runs on the device thread.
func (s *malgoCaptureSession) onData(_, input []byte, _ uint32) {
	_, dropped := s.ring.push(input, s.samples, s.analyser)
	if dropped > 0 {
		s.dropped.Add(int64(dropped))
	}
}

func (s *malgoCaptureSession) Samples() <-chan []float32 { return s.samples }

func (s *malgoCaptureSession) Volume() uint8 { return s.analyser.Level() }

func (s *malgoCaptureSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.device != nil {
			if err := s.device.Stop(); err != nil {
				logging.Warnw("capture device stop failed", "error", err)
			}
			s.device.Uninit()
		}
		if s.mctx != nil {
			if err := s.mctx.Uninit(); err != nil {
				logging.Warnw("audio context uninit failed", "error", err)
			}
			s.mctx.Free()
		}
		close(s.samples)
		if n := s.dropped.Load(); n > 0 {
			logging.Warnw("capture frames dropped", "frames", n)
		}
	})
	return nil
}

func findDevice(devices []malgo.DeviceInfo, name string) int {
	for i := range devices {
		if devices[i].Name() == name {
			return i
		}
	}
	lower := strings.ToLower(name)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name()), lower) {
			return i
		}
	}
	return -1
}

// classifyDeviceError maps backend failures onto the two acquisition
// conditions callers act on.
func classifyDeviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrPermissionDenied) || errors.Is(err, domain.ErrDeviceUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted") {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrDeviceUnavailable, err)
}
