package audio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"voicelab/internal/domain"
	"voicelab/internal/logging"
	"voicelab/internal/ports"
)

// FFMPEGCapture streams microphone audio through an ffmpeg subprocess. It is
// the fallback backend for hosts where the echo-cancelled source is only
// reachable through an ffmpeg input format (e.g. a PulseAudio filter source).
type FFMPEGCapture struct {
	command     string
	inputFormat string
	frameBuffer int
}

func NewFFMPEGCapture(command, inputFormat string, frameBuffer int) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	if frameBuffer <= 0 {
		frameBuffer = defaultFrameBuffer
	}
	return &FFMPEGCapture{command: command, inputFormat: inputFormat, frameBuffer: frameBuffer}
}

func (c *FFMPEGCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.CaptureSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = domain.SampleRate24k
	}
	device := strings.TrimSpace(cfg.InputDevice)
	if device == "" {
		device = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.inputFormat,
		"-i", device,
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	// The process outlives Start; Stop owns its lifetime.
	cmd := exec.Command(c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w: %v", domain.ErrDeviceUnavailable, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		detail := trimStderr(stderr.String())
		if err != nil {
			return nil, classifyDeviceError("ffmpeg exited before capture started", fmt.Errorf("%v: %s", err, detail))
		}
		return nil, fmt.Errorf("ffmpeg exited before capture started: %w", domain.ErrDeviceUnavailable)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(250 * time.Millisecond):
	}

	session := &ffmpegSession{
		stdout:   stdout,
		stderr:   &stderr,
		process:  cmd.Process,
		waitErr:  waitErr,
		samples:  make(chan []float32, c.frameBuffer),
		analyser: NewAnalyser(),
		pumpDone: make(chan struct{}),
	}
	go session.pump(newFrameRing(c.frameBuffer))

	logging.Infow("capture started", "backend", "ffmpeg", "sample_rate", cfg.SampleRate, "input_device", device)
	return session, nil
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	samples  chan []float32
	analyser *Analyser
	pumpDone chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// pump converts s16le output into float frames. It owns the samples channel
// and closes it when the stream ends.
func (s *ffmpegSession) pump(ring *frameRing) {
	defer close(s.pumpDone)
	defer close(s.samples)

	reader := bufio.NewReaderSize(s.stdout, FrameSize*2*4)
	in := make([]byte, FrameSize*2)
	floatBuf := make([]byte, FrameSize*4)
	dropped := 0
	for {
		n, err := io.ReadFull(reader, in)
		if n >= 2 {
			samples := n / 2
			for i := 0; i < samples; i++ {
				v := int16(binary.LittleEndian.Uint16(in[i*2:]))
				putFloat32(floatBuf[i*4:], PCM16ToFloat32(v))
			}
			_, d := ring.push(floatBuf[:samples*4], s.samples, s.analyser)
			dropped += d
		}
		if err != nil {
			if dropped > 0 {
				logging.Warnw("capture frames dropped", "frames", dropped)
			}
			return
		}
	}
}

func (s *ffmpegSession) Samples() <-chan []float32 { return s.samples }

func (s *ffmpegSession) Volume() uint8 { return s.analyser.Level() }

func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}
		<-s.pumpDone

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, trimStderr(s.stderr.String()))
		}
		if s.stopErr != nil {
			logging.Warnw("ffmpeg capture stop failed", "error", s.stopErr)
		}
	})

	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimStderr(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
