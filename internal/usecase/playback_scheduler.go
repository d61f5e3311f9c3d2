package usecase

import (
	"fmt"
	"time"

	"voicelab/internal/audio"
	"voicelab/internal/domain"
	"voicelab/internal/ports"
)

// playbackScheduler places decoded model audio back-to-back on the output
// clock. It never sleeps or blocks on the device.
type playbackScheduler struct {
	output     ports.AudioOutput
	sampleRate int
	metrics    ports.SessionMetrics
	next       int64
}

func newPlaybackScheduler(output ports.AudioOutput, sampleRate int, metrics ports.SessionMetrics) *playbackScheduler {
	return &playbackScheduler{output: output, sampleRate: sampleRate, metrics: metrics}
}

// Reset aligns the cursor with the current output time.
func (p *playbackScheduler) Reset() {
	p.next = p.output.Now()
}

// Enqueue decodes one base64 chunk and schedules it at max(now, next). The
// output applies the clamp under its own clock so a render in between cannot
// cut the head of the chunk.
func (p *playbackScheduler) Enqueue(b64 string) (domain.PlaybackItem, error) {
	samples, err := audio.DecodePlaybackPCM(b64)
	if err != nil {
		return domain.PlaybackItem{}, err
	}
	if len(samples) == 0 {
		return domain.PlaybackItem{}, nil
	}

	item := domain.PlaybackItem{
		Start:      p.next,
		Samples:    samples,
		SampleRate: p.sampleRate,
	}
	start, err := p.output.Schedule(item)
	if err != nil {
		return domain.PlaybackItem{}, fmt.Errorf("schedule playback: %w", err)
	}
	item.Start = start
	p.next = item.End()
	p.metrics.PlaybackLead(framesToDuration(p.next-p.output.Now(), p.sampleRate))
	return item, nil
}

// Next returns the frame at which the next chunk will start if the output
// has not caught up.
func (p *playbackScheduler) Next() int64 { return p.next }

func framesToDuration(frames int64, sampleRate int) time.Duration {
	if sampleRate <= 0 || frames <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
