package audio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"voicelab/internal/domain"
	"voicelab/internal/logging"
	"voicelab/internal/ports"
)

// MalgoPlayback opens miniaudio playback devices driven by a Mixer. A new
// device is opened per session so the device rate always matches the
// session rate.
type MalgoPlayback struct{}

func NewMalgoPlayback() *MalgoPlayback {
	return &MalgoPlayback{}
}

func (p *MalgoPlayback) Open(ctx context.Context, cfg ports.OutputConfig) (ports.AudioOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = domain.SampleRate24k
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

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	var devices []malgo.DeviceInfo
	if name := strings.TrimSpace(cfg.OutputDevice); name != "" && name != "default" {
		devices, err = mctx.Devices(malgo.Playback)
		if err != nil {
			freeContext()
			return nil, classifyDeviceError("list playback devices", err)
		}
		idx := findDevice(devices, name)
		if idx < 0 {
			freeContext()
			return nil, fmt.Errorf("%w: output device %q not found", domain.ErrDeviceUnavailable, name)
		}
		deviceConfig.Playback.DeviceID = devices[idx].ID.Pointer()
	}

	out := &malgoOutput{
		mixer:      NewMixer(),
		sampleRate: cfg.SampleRate,
		mctx:       mctx,
		scratch:    make([]float32, cfg.SampleRate/10),
	}
	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: out.onData})
	if err != nil {
		freeContext()
		return nil, classifyDeviceError("init playback device", err)
	}
	out.device = device
	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext()
		return nil, classifyDeviceError("start playback device", err)
	}

	logging.Infow("playback started", "sample_rate", cfg.SampleRate, "output_device", cfg.OutputDevice)
	return out, nil
}

type malgoOutput struct {
	mixer      *Mixer
	sampleRate int

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	scratch []float32

	closeOnce sync.Once
}

// onData runs on the device thread.
func (o *malgoOutput) onData(output, _ []byte, frameCount uint32) {
	n := int(frameCount)
	if n > len(o.scratch) {
		o.scratch = make([]float32, n)
	}
	buf := o.scratch[:n]
	o.mixer.Render(buf)
	for i, s := range buf {
		putFloat32(output[i*4:], s)
	}
}

func (o *malgoOutput) Now() int64 { return o.mixer.Now() }

func (o *malgoOutput) Schedule(item domain.PlaybackItem) (int64, error) {
	if item.SampleRate != 0 && item.SampleRate != o.sampleRate {
		return 0, fmt.Errorf("item sample rate %d does not match device rate %d", item.SampleRate, o.sampleRate)
	}
	return o.mixer.Schedule(item)
}

func (o *malgoOutput) Close() error {
	o.closeOnce.Do(func() {
		if o.device != nil {
			if err := o.device.Stop(); err != nil {
				logging.Warnw("playback device stop failed", "error", err)
			}
			o.device.Uninit()
		}
		if o.mctx != nil {
			if err := o.mctx.Uninit(); err != nil {
				logging.Warnw("audio context uninit failed", "error", err)
			}
			o.mctx.Free()
		}
		o.mixer.close()
	})
	return nil
}
