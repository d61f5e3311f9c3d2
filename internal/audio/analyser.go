package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	analyserFFTSize   = 256
	analyserSmoothing = 0.3
	analyserMinDB     = -100.0
	analyserMaxDB     = -30.0
)

// Analyser derives a coarse 0-255 level from the most recent 256 samples the
// way a browser AnalyserNode reports byte frequency data: Blackman window,
// FFT magnitude, temporal smoothing, then dB mapped into a byte.
type Analyser struct {
	mu     sync.Mutex
	window [analyserFFTSize]float32
	pos    int

	levelMu  sync.Mutex
	fft      *fourier.FFT
	frame    [analyserFFTSize]float64
	coeffs   [analyserFFTSize/2 + 1]complex128
	smoothed [analyserFFTSize / 2]float64
	blackman [analyserFFTSize]float64
}

func NewAnalyser() *Analyser {
	a := &Analyser{fft: fourier.NewFFT(analyserFFTSize)}
	const alpha = 0.16
	a0 := 0.5 * (1 - alpha)
	a2 := 0.5 * alpha
	for i := range a.blackman {
		x := float64(i) / analyserFFTSize
		a.blackman[i] = a0 - 0.5*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return a
}

// TryWrite appends samples to the window if nobody is reading it. It never
// blocks, so it is safe on the device thread; a skipped write only makes the
// next reading slightly stale.
func (a *Analyser) TryWrite(samples []float32) bool {
	if !a.mu.TryLock() {
		return false
	}
	a.writeLocked(samples)
	a.mu.Unlock()
	return true
}

// Write appends samples, waiting for the lock.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	a.writeLocked(samples)
	a.mu.Unlock()
}

func (a *Analyser) writeLocked(samples []float32) {
	if len(samples) >= analyserFFTSize {
		copy(a.window[:], samples[len(samples)-analyserFFTSize:])
		a.pos = 0
		return
	}
	for _, s := range samples {
		a.window[a.pos] = s
		a.pos = (a.pos + 1) % analyserFFTSize
	}
}

// Level returns the average byte magnitude across all frequency bins.
// Each call advances the smoothing filter, so callers should poll at a
// steady interval.
func (a *Analyser) Level() uint8 {
	a.levelMu.Lock()
	defer a.levelMu.Unlock()

	a.mu.Lock()
	for i := 0; i < analyserFFTSize; i++ {
		s := a.window[(a.pos+i)%analyserFFTSize]
		a.frame[i] = float64(s) * a.blackman[i]
	}
	a.mu.Unlock()

	coeffs := a.transform()
	var sum float64
	scale := 255 / (analyserMaxDB - analyserMinDB)
	for k := range a.smoothed {
		mag := cmplx.Abs(coeffs[k]) / analyserFFTSize
		a.smoothed[k] = analyserSmoothing*a.smoothed[k] + (1-analyserSmoothing)*mag
		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := math.Floor(scale * (db - analyserMinDB))
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		sum += v
	}
	return uint8(sum / float64(len(a.smoothed)))
}

// Reset clears the window and the smoothing state.
func (a *Analyser) Reset() {
	a.mu.Lock()
	a.window = [analyserFFTSize]float32{}
	a.pos = 0
	a.mu.Unlock()
	a.levelMu.Lock()
	a.smoothed = [analyserFFTSize / 2]float64{}
	a.levelMu.Unlock()
}

// transform computes the spectrum of a.frame into a.coeffs. Bins run from DC
// to Nyquist. Callers hold levelMu.
func (a *Analyser) transform() []complex128 {
	return a.fft.Coefficients(a.coeffs[:], a.frame[:])
}
