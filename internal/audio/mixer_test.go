package audio

import (
	"testing"

	"voicelab/internal/domain"
)

func ones(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestMixerRendersItemsAtStartFrames(t *testing.T) {
	t.Parallel()

	m := NewMixer()
	if _, err := m.Schedule(domain.PlaybackItem{Start: 2, Samples: ones(3, 0.5), SampleRate: 16000}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := m.Schedule(domain.PlaybackItem{Start: 5, Samples: ones(2, -0.25), SampleRate: 16000}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	out := make([]float32, 4)
	m.Render(out)
	want := []float32{0, 0, 0.5, 0.5}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("first render[%d]=%v want %v", i, out[i], want[i])
		}
	}
	if m.Now() != 4 {
		t.Fatalf("clock=%d", m.Now())
	}
	if m.Pending() != 3 {
		t.Fatalf("pending=%d", m.Pending())
	}

	m.Render(out)
	want = []float32{0.5, -0.25, -0.25, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("second render[%d]=%v want %v", i, out[i], want[i])
		}
	}
	if m.Pending() != 0 {
		t.Fatalf("expected drained mixer, pending=%d", m.Pending())
	}
}

func TestMixerOutOfOrderScheduleIsSorted(t *testing.T) {
	t.Parallel()

	m := NewMixer()
	_, _ = m.Schedule(domain.PlaybackItem{Start: 4, Samples: ones(1, 1)})
	_, _ = m.Schedule(domain.PlaybackItem{Start: 0, Samples: ones(1, 0.5)})
	if m.items[0].Start != 0 || m.items[1].Start != 4 {
		t.Fatalf("items not sorted: %+v", m.items)
	}
}

func TestMixerRejectsAfterClose(t *testing.T) {
	t.Parallel()

	m := NewMixer()
	m.close()
	if _, err := m.Schedule(domain.PlaybackItem{Samples: ones(1, 1)}); err == nil {
		t.Fatalf("expected closed mixer error")
	}
	out := make([]float32, 2)
	m.Render(out)
	if m.Now() != 2 {
		t.Fatalf("clock=%d", m.Now())
	}
}

func TestMixerLateItemStartsAtClock(t *testing.T) {
	t.Parallel()

	m := NewMixer()
	m.Render(make([]float32, 4))

	start, err := m.Schedule(domain.PlaybackItem{Start: 2, Samples: []float32{0.1, 0.2, 0.3}})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if start != 4 {
		t.Fatalf("expected late item moved to clock 4, got %d", start)
	}

	out := make([]float32, 4)
	m.Render(out)
	want := []float32{0.1, 0.2, 0.3, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("render[%d]=%v want %v", i, out[i], want[i])
		}
	}
}
