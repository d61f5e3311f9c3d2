package audio

import (
	"math"
	"math/cmplx"
	"testing"
)

func TestAnalyserSilenceIsZero(t *testing.T) {
	t.Parallel()

	a := NewAnalyser()
	a.Write(make([]float32, 512))
	if got := a.Level(); got != 0 {
		t.Fatalf("silence level=%d", got)
	}
}

func TestAnalyserToneRaisesLevel(t *testing.T) {
	t.Parallel()

	quiet := NewAnalyser()
	loud := NewAnalyser()
	tone := func(amp float64) []float32 {
		out := make([]float32, 256)
		for i := range out {
			out[i] = float32(amp * math.Sin(2*math.Pi*1000*float64(i)/16000))
		}
		return out
	}
	quiet.Write(tone(0.01))
	loud.Write(tone(0.8))

	var q, l uint8
	for i := 0; i < 10; i++ {
		q = quiet.Level()
		l = loud.Level()
	}
	if l == 0 {
		t.Fatalf("expected non-zero level for loud tone")
	}
	if l <= q {
		t.Fatalf("loud level %d should exceed quiet level %d", l, q)
	}
}

func TestAnalyserResetClearsState(t *testing.T) {
	t.Parallel()

	a := NewAnalyser()
	tone := make([]float32, 256)
	for i := range tone {
		tone[i] = float32(0.9 * math.Sin(2*math.Pi*2000*float64(i)/16000))
	}
	a.Write(tone)
	peak := a.Level()
	a.Reset()
	a.Write(make([]float32, 256))
	if got := a.Level(); got != 0 || peak == 0 {
		t.Fatalf("peak=%d after reset=%d", peak, got)
	}
}

func TestTryWriteSkipsWhenLocked(t *testing.T) {
	t.Parallel()

	a := NewAnalyser()
	a.mu.Lock()
	if a.TryWrite([]float32{1}) {
		t.Fatalf("expected TryWrite to skip while locked")
	}
	a.mu.Unlock()
	if !a.TryWrite([]float32{1}) {
		t.Fatalf("expected TryWrite to succeed")
	}
}

func TestFFTMatchesNaiveDFT(t *testing.T) {
	t.Parallel()

	a := NewAnalyser()
	for i := range a.frame {
		a.frame[i] = float64(i%5) - 2 + 0.5*math.Sin(2*math.Pi*7*float64(i)/analyserFFTSize)
	}
	a.levelMu.Lock()
	got := a.transform()
	a.levelMu.Unlock()

	if len(got) != analyserFFTSize/2+1 {
		t.Fatalf("unexpected bin count %d", len(got))
	}
	for k := range got {
		var want complex128
		for n, x := range a.frame {
			want += complex(x, 0) * cmplx.Exp(complex(0, -2*math.Pi*float64(k*n)/analyserFFTSize))
		}
		if cmplx.Abs(got[k]-want) > 1e-6 {
			t.Fatalf("bin %d: got %v want %v", k, got[k], want)
		}
	}
}
