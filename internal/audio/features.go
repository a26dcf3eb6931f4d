// Package audio turns a recorded voice note into the prosodic features used
// for voice-stress scoring.
package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/firemate/triage/internal/score"
)

// Features summarizes one clip. Every field is non-negative.
type Features struct {
	PitchMean        float64 `json:"pitch_mean"`
	PitchStd         float64 `json:"pitch_std"`
	Energy           float64 `json:"energy"`
	EnergyVariance   float64 `json:"energy_variance"`
	SpeechRate       int     `json:"speech_rate"`
	Jitter           float64 `json:"jitter"`
	Shimmer          float64 `json:"shimmer"`
	SpectralCentroid float64 `json:"spectral_centroid"`
}

// Config controls the analysis frames and pitch tracker.
type Config struct {
	FrameLength    int     `yaml:"frame_length"`
	HopLength      int     `yaml:"hop_length"`
	FMin           float64 `yaml:"fmin"`
	FMax           float64 `yaml:"fmax"`
	PitchThreshold float64 `yaml:"pitch_threshold"`
	NMels          int     `yaml:"n_mels"`
	TopDB          float64 `yaml:"top_db"`
}

// DefaultConfig mirrors the parameters the stress weights were tuned on.
func DefaultConfig() Config {
	return Config{
		FrameLength:    2048,
		HopLength:      512,
		FMin:           150,
		FMax:           4000,
		PitchThreshold: 0.1,
		NMels:          128,
		TopDB:          80,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FrameLength <= 0 {
		c.FrameLength = d.FrameLength
	}
	if c.HopLength <= 0 {
		c.HopLength = d.HopLength
	}
	if c.FMin <= 0 {
		c.FMin = d.FMin
	}
	if c.FMax <= 0 {
		c.FMax = d.FMax
	}
	if c.PitchThreshold <= 0 {
		c.PitchThreshold = d.PitchThreshold
	}
	if c.NMels <= 0 {
		c.NMels = d.NMels
	}
	if c.TopDB < 0 {
		c.TopDB = d.TopDB
	}
	return c
}

// Extractor decodes clips and computes Features.
type Extractor struct {
	cfg        Config
	transcoder Transcoder
}

// NewExtractor builds an extractor. A nil transcoder restricts input to WAV.
func NewExtractor(cfg Config, transcoder Transcoder) *Extractor {
	return &Extractor{cfg: cfg.withDefaults(), transcoder: transcoder}
}

// Extract decodes data (in the given container format) and computes its
// features. Any decode problem is reported as score.ErrDecodeFailure.
func (e *Extractor) Extract(ctx context.Context, data []byte, format string) (Features, error) {
	if len(data) == 0 {
		return Features{}, fmt.Errorf("%w: empty audio payload", score.ErrDecodeFailure)
	}
	if !isCanonical(format) && !looksLikeWAV(data) {
		if e.transcoder == nil {
			return Features{}, fmt.Errorf("%w: no transcoder for %q", score.ErrDecodeFailure, format)
		}
		wav, err := e.transcoder.ToWAV(ctx, data, format)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Features{}, ctxErr
			}
			return Features{}, fmt.Errorf("%w: transcode %s: %v", score.ErrDecodeFailure, strings.ToLower(format), err)
		}
		data = wav
	}
	samples, rate, err := DecodeWAV(data)
	if err != nil {
		return Features{}, fmt.Errorf("%w: %v", score.ErrDecodeFailure, err)
	}
	if err := ctx.Err(); err != nil {
		return Features{}, err
	}
	return Compute(samples, rate, e.cfg)
}

// Compute derives Features from mono samples.
func Compute(samples []float64, sampleRate int, cfg Config) (Features, error) {
	if len(samples) == 0 {
		return Features{}, fmt.Errorf("%w: no samples", score.ErrDecodeFailure)
	}
	if sampleRate <= 0 {
		return Features{}, fmt.Errorf("%w: invalid sample rate %d", score.ErrDecodeFailure, sampleRate)
	}
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Features{}, fmt.Errorf("%w: non-finite sample", score.ErrDecodeFailure)
		}
	}
	cfg = cfg.withDefaults()

	var f Features

	rms := frameRMS(samples, cfg.FrameLength, cfg.HopLength)
	f.Energy, f.EnergyVariance = meanStd(rms)
	f.SpeechRate = zeroCrossings(samples)

	spec := newSpectrogram(samples, sampleRate, cfg.FrameLength, cfg.HopLength)

	pitches := trackPitch(spec, cfg.FMin, cfg.FMax, cfg.PitchThreshold)
	f.PitchMean, f.PitchStd = meanStd(pitches)
	f.Jitter = meanAbsDiff(pitches)

	f.Shimmer = meanAbsDiff(firstMFCC(spec, cfg.NMels, cfg.TopDB))
	f.SpectralCentroid = meanCentroid(spec)

	return f.sanitized(), nil
}

func (f Features) sanitized() Features {
	fix := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return 0
		}
		return v
	}
	f.PitchMean = fix(f.PitchMean)
	f.PitchStd = fix(f.PitchStd)
	f.Energy = fix(f.Energy)
	f.EnergyVariance = fix(f.EnergyVariance)
	f.Jitter = fix(f.Jitter)
	f.Shimmer = fix(f.Shimmer)
	f.SpectralCentroid = fix(f.SpectralCentroid)
	if f.SpeechRate < 0 {
		f.SpeechRate = 0
	}
	return f
}

// Validate reports the first field that violates the non-negative range.
func (f Features) Validate() error {
	vals := map[string]float64{
		"pitch_mean":        f.PitchMean,
		"pitch_std":         f.PitchStd,
		"energy":            f.Energy,
		"energy_variance":   f.EnergyVariance,
		"jitter":            f.Jitter,
		"shimmer":           f.Shimmer,
		"spectral_centroid": f.SpectralCentroid,
	}
	for name, v := range vals {
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("feature %s out of range: %v", name, v)
		}
	}
	if f.SpeechRate < 0 {
		return errors.New("feature speech_rate out of range")
	}
	return nil
}

func frameRMS(y []float64, frameLength, hop int) []float64 {
	fr := frames(y, frameLength, hop)
	out := make([]float64, len(fr))
	for i, f := range fr {
		out[i] = math.Sqrt(floats.Dot(f, f) / float64(len(f)))
	}
	return out
}

// zeroCrossings counts sign changes. Values within 1e-10 of zero are zero,
// and zero counts as positive.
func zeroCrossings(y []float64) int {
	const eps = 1e-10
	neg := func(v float64) bool { return v < -eps }
	n := 0
	for i := 1; i < len(y); i++ {
		if neg(y[i]) != neg(y[i-1]) {
			n++
		}
	}
	return n
}

// trackPitch picks the strongest in-band spectral peak of each frame and
// keeps frames whose peak reaches threshold times the clip's in-band max.
func trackPitch(spec *spectrogram, fmin, fmax, threshold float64) []float64 {
	binHz := float64(spec.sampleRate) / float64(spec.nFFT)
	lo := int(math.Ceil(fmin / binHz))
	hi := int(math.Floor(fmax / binHz))
	if lo < 1 {
		lo = 1
	}

	type peak struct {
		bin int
		mag float64
	}
	peaks := make([]peak, len(spec.mag))
	var global float64
	for t, frame := range spec.mag {
		top := hi
		if top > len(frame)-2 {
			top = len(frame) - 2
		}
		best := peak{bin: -1}
		for k := lo; k <= top; k++ {
			m := frame[k]
			if m > frame[k-1] && m >= frame[k+1] && m > best.mag {
				best = peak{bin: k, mag: m}
			}
		}
		peaks[t] = best
		if best.mag > global {
			global = best.mag
		}
	}
	if global == 0 {
		return nil
	}

	cut := threshold * global
	var out []float64
	for t, p := range peaks {
		if p.bin < 0 || p.mag < cut {
			continue
		}
		frame := spec.mag[t]
		shift := parabolicInterpolate(frame[p.bin-1], frame[p.bin], frame[p.bin+1])
		hz := spec.binFreq(float64(p.bin) + shift)
		if hz > 0 {
			out = append(out, hz)
		}
	}
	return out
}

func meanCentroid(spec *spectrogram) float64 {
	if len(spec.mag) == 0 {
		return 0
	}
	var total float64
	for _, frame := range spec.mag {
		var num, den float64
		for k, m := range frame {
			num += spec.binFreq(float64(k)) * m
			den += m
		}
		if den > 0 {
			total += num / den
		}
	}
	return total / float64(len(spec.mag))
}

// meanStd returns the mean and population standard deviation, or zeros for
// an empty slice.
func meanStd(x []float64) (float64, float64) {
	if len(x) == 0 {
		return 0, 0
	}
	mean, std := stat.PopMeanStdDev(x, nil)
	return mean, std
}

func meanAbsDiff(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(x); i++ {
		sum += math.Abs(x[i] - x[i-1])
	}
	return sum / float64(len(x)-1)
}
