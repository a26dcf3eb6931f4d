package audio

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// frames slices a centered, zero-padded signal into overlapping frames.
func frames(y []float64, frameLength, hop int) [][]float64 {
	if len(y) == 0 || frameLength <= 0 || hop <= 0 {
		return nil
	}
	pad := frameLength / 2
	padded := make([]float64, len(y)+2*pad)
	copy(padded[pad:], y)

	n := 1 + (len(padded)-frameLength)/hop
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		start := i * hop
		out[i] = padded[start : start+frameLength]
	}
	return out
}

// spectrogram holds per-frame magnitude spectra up to Nyquist.
type spectrogram struct {
	sampleRate int
	nFFT       int
	mag        [][]float64
}

func newSpectrogram(y []float64, sampleRate, nFFT, hop int) *spectrogram {
	fr := frames(y, nFFT, hop)
	fft := fourier.NewFFT(nFFT)
	win := window.NewValues(periodicHann, nFFT)

	buf := make([]float64, nFFT)
	coeff := make([]complex128, nFFT/2+1)
	mag := make([][]float64, len(fr))
	for i, f := range fr {
		copy(buf, f)
		win.Transform(buf)
		coeff = fft.Coefficients(coeff, buf)
		row := make([]float64, len(coeff))
		for k, c := range coeff {
			row[k] = cmplx.Abs(c)
		}
		mag[i] = row
	}
	return &spectrogram{sampleRate: sampleRate, nFFT: nFFT, mag: mag}
}

func (s *spectrogram) binFreq(k float64) float64 {
	return k * float64(s.sampleRate) / float64(s.nFFT)
}

// periodicHann is the FFT-friendly Hann window (denominator N rather than
// N-1), matching what speech toolkits apply before an STFT.
func periodicHann(seq []float64) []float64 {
	n := float64(len(seq))
	for i := range seq {
		seq[i] *= 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/n))
	}
	return seq
}

// parabolicInterpolate returns the sub-bin offset of a peak at y0.
func parabolicInterpolate(yMinus, y0, yPlus float64) float64 {
	denom := yMinus - 2.0*y0 + yPlus
	if denom == 0.0 {
		return 0.0
	}
	return 0.5 * (yMinus - yPlus) / denom
}
