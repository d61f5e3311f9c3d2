package audio

import (
	"errors"
	"sync"

	"voicelab/internal/domain"
)

var errMixerClosed = errors.New("mixer closed")

// Mixer renders scheduled playback items against a frame clock. The clock is
// the number of frames handed to the device so far.
type Mixer struct {
	mu     sync.Mutex
	clock  int64
	items  []domain.PlaybackItem
	closed bool
}

func NewMixer() *Mixer {
	return &Mixer{items: make([]domain.PlaybackItem, 0, 64)}
}

// Now returns the current output clock position in frames.
func (m *Mixer) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

// Schedule queues an item to start at item.Start, or at the clock if that has
// already passed, and returns the frame it will start at. Every sample of the
// item is rendered.
func (m *Mixer) Schedule(item domain.PlaybackItem) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errMixerClosed
	}
	item.Start = max(item.Start, m.clock)
	if len(item.Samples) == 0 {
		return item.Start, nil
	}
	i := len(m.items)
	for i > 0 && m.items[i-1].Start > item.Start {
		i--
	}
	m.items = append(m.items, domain.PlaybackItem{})
	copy(m.items[i+1:], m.items[i:])
	m.items[i] = item
	return item.Start, nil
}

// Render fills out with the frames [Now, Now+len(out)) and advances the clock.
// Frames with no scheduled item are silent.
func (m *Mixer) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.clock
	to := from + int64(len(out))
	keep := m.items[:0]
	for _, item := range m.items {
		if item.Start < to {
			start := max(item.Start, from)
			end := min(item.End(), to)
			for f := start; f < end; f++ {
				out[f-from] += item.Samples[f-item.Start]
			}
		}
		if item.End() > to {
			keep = append(keep, item)
		}
	}
	for i := len(keep); i < len(m.items); i++ {
		m.items[i] = domain.PlaybackItem{}
	}
	m.items = keep
	m.clock = to
}

// Pending returns the number of frames still scheduled after the clock.
func (m *Mixer) Pending() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last int64
	for _, item := range m.items {
		if e := item.End(); e > last {
			last = e
		}
	}
	if last <= m.clock {
		return 0
	}
	return last - m.clock
}

func (m *Mixer) close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}
