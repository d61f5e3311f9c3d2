package audio

// FrameSize is the number of mono samples forwarded per capture frame.
const FrameSize = 128

// frameRing slices raw float32 device bytes into fixed-size frames backed by
// preallocated storage. A frame is reused only after len(frames) newer frames
// were produced, so the ring must be at least the channel capacity plus the
// frame being filled plus the one the consumer is holding.
type frameRing struct {
	frames [][]float32
	cur    int
	fill   int
}

func newFrameRing(capacity int) *frameRing {
	if capacity < 1 {
		capacity = 1
	}
	size := capacity + 2
	backing := make([]float32, size*FrameSize)
	frames := make([][]float32, size)
	for i := range frames {
		frames[i] = backing[i*FrameSize : (i+1)*FrameSize : (i+1)*FrameSize]
	}
	return &frameRing{frames: frames}
}

// push decodes little-endian float32 samples into frames and forwards every
// completed frame on out without blocking. It returns the number of frames
// delivered and dropped.
func (r *frameRing) push(raw []byte, out chan<- []float32, tap *Analyser) (sent, dropped int) {
	n := len(raw) / 4
	for i := 0; i < n; i++ {
		frame := r.frames[r.cur]
		frame[r.fill] = float32FromBytes(raw[i*4:])
		r.fill++
		if r.fill < FrameSize {
			continue
		}
		if tap != nil {
			tap.TryWrite(frame)
		}
		select {
		case out <- frame:
			sent++
			r.cur = (r.cur + 1) % len(r.frames)
		default:
			dropped++
		}
		r.fill = 0
	}
	return sent, dropped
}
