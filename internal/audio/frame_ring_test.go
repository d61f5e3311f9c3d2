package audio

import (
	"testing"
)

func floatBytes(samples ...float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		putFloat32(out[i*4:], s)
	}
	return out
}

func TestFrameRingEmitsFixedFrames(t *testing.T) {
	t.Parallel()

	ring := newFrameRing(4)
	out := make(chan []float32, 4)

	partial := make([]float32, FrameSize-1)
	partial[0] = 0.25
	sent, dropped := ring.push(floatBytes(partial...), out, nil)
	if sent != 0 || dropped != 0 {
		t.Fatalf("partial frame emitted: sent=%d dropped=%d", sent, dropped)
	}

	sent, _ = ring.push(floatBytes(0.75, 0.5), out, nil)
	if sent != 1 {
		t.Fatalf("expected one frame, got %d", sent)
	}
	frame := <-out
	if len(frame) != FrameSize || frame[0] != 0.25 || frame[FrameSize-1] != 0.75 {
		t.Fatalf("unexpected frame contents")
	}
	if ring.fill != 1 {
		t.Fatalf("expected carry-over of one sample, fill=%d", ring.fill)
	}
}

func TestFrameRingDropsWhenConsumerIsSlow(t *testing.T) {
	t.Parallel()

	ring := newFrameRing(1)
	out := make(chan []float32, 1)
	a := NewAnalyser()

	sent, dropped := ring.push(floatBytes(make([]float32, FrameSize*3)...), out, a)
	if sent != 1 || dropped != 2 {
		t.Fatalf("sent=%d dropped=%d", sent, dropped)
	}
}

func TestFrameRingDoesNotReuseQueuedFrames(t *testing.T) {
	t.Parallel()

	ring := newFrameRing(2)
	out := make(chan []float32, 2)

	first := make([]float32, FrameSize)
	first[0] = 1
	second := make([]float32, FrameSize)
	second[0] = 2
	ring.push(floatBytes(first...), out, nil)
	ring.push(floatBytes(second...), out, nil)

	a := <-out
	b := <-out
	if a[0] != 1 || b[0] != 2 {
		t.Fatalf("frames overwritten: %v %v", a[0], b[0])
	}
	if &a[0] == &b[0] {
		t.Fatalf("frames share storage")
	}
}
