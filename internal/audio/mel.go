package audio

import (
	"math"
)

// Slaney-style mel scale: linear below 1 kHz, logarithmic above.
const (
	melFSp       = 200.0 / 3.0
	melMinLogHz  = 1000.0
	melMinLogMel = melMinLogHz / melFSp
)

var melLogStep = math.Log(6.4) / 27.0

func hzToMel(f float64) float64 {
	if f < melMinLogHz {
		return f / melFSp
	}
	return melMinLogMel + math.Log(f/melMinLogHz)/melLogStep
}

func melToHz(m float64) float64 {
	if m < melMinLogMel {
		return m * melFSp
	}
	return melMinLogHz * math.Exp(melLogStep*(m-melMinLogMel))
}

// melFilterbank builds nMels area-normalized triangular filters spanning
// 0 Hz to Nyquist over nFFT/2+1 bins.
func melFilterbank(sampleRate, nFFT, nMels int) [][]float64 {
	nBins := nFFT/2 + 1
	fftFreqs := make([]float64, nBins)
	for k := range fftFreqs {
		fftFreqs[k] = float64(k) * float64(sampleRate) / float64(nFFT)
	}

	lo, hi := hzToMel(0), hzToMel(float64(sampleRate)/2)
	melF := make([]float64, nMels+2)
	for i := range melF {
		melF[i] = melToHz(lo + (hi-lo)*float64(i)/float64(nMels+1))
	}

	weights := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		left, center, right := melF[m], melF[m+1], melF[m+2]
		enorm := 2.0 / (right - left)
		row := make([]float64, nBins)
		for k, f := range fftFreqs {
			lower := (f - left) / (center - left)
			upper := (right - f) / (right - center)
			w := math.Max(0, math.Min(lower, upper))
			row[k] = w * enorm
		}
		weights[m] = row
	}
	return weights
}

// firstMFCC returns the zeroth orthonormal DCT-II coefficient of the
// log-mel spectrogram for every frame.
func firstMFCC(spec *spectrogram, nMels int, topDB float64) []float64 {
	if len(spec.mag) == 0 {
		return nil
	}
	fb := melFilterbank(spec.sampleRate, spec.nFFT, nMels)

	const amin = 1e-10
	db := make([][]float64, len(spec.mag))
	peak := math.Inf(-1)
	for t, frame := range spec.mag {
		row := make([]float64, nMels)
		for m, w := range fb {
			var energy float64
			for k, mag := range frame {
				if w[k] != 0 {
					energy += w[k] * mag * mag
				}
			}
			row[m] = 10 * math.Log10(math.Max(amin, energy))
			if row[m] > peak {
				peak = row[m]
			}
		}
		db[t] = row
	}

	floor := math.Inf(-1)
	if topDB > 0 {
		floor = peak - topDB
	}
	scale := math.Sqrt(1.0 / float64(nMels))
	c0 := make([]float64, len(db))
	for t, row := range db {
		var sum float64
		for _, v := range row {
			sum += math.Max(v, floor)
		}
		c0[t] = scale * sum
	}
	return c0
}
