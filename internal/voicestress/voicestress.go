// Package voicestress scores acoustic stress indicators in a voice note.
package voicestress

import (
	"context"

	"github.com/firemate/triage/internal/audio"
	"github.com/firemate/triage/internal/score"
)

// Indicator thresholds. An indicator contributes only when its normalized
// value is strictly above the threshold.
const (
	PitchVariationThreshold = 0.6
	EnergyThreshold         = 0.7
	SpeechRateThreshold     = 0.65
	JitterThreshold         = 0.5
	ShimmerThreshold        = 0.5
)

// Weights of the five indicators, in the order pitch variation, energy,
// speech rate, jitter, shimmer. They sum to 1.
var Weights = [5]float64{0.30, 0.25, 0.20, 0.15, 0.10}

var thresholds = [5]float64{
	PitchVariationThreshold,
	EnergyThreshold,
	SpeechRateThreshold,
	JitterThreshold,
	ShimmerThreshold,
}

// Indicators holds the normalized, gated indicator values in [0, 1].
type Indicators [5]float64

// Normalize maps raw features onto ungated indicators.
func Normalize(f audio.Features) Indicators {
	var variation float64
	if f.PitchMean > 0 {
		variation = f.PitchStd / f.PitchMean
	}
	return Indicators{
		score.Unit(variation),
		score.Unit(f.Energy * 100),
		score.Unit(float64(f.SpeechRate) / 1000),
		score.Unit(f.Jitter * 10),
		score.Unit(f.Shimmer * 10),
	}
}

// Gate zeroes every indicator at or below its threshold.
func (in Indicators) Gate() Indicators {
	for i, v := range in {
		if !(v > thresholds[i]) {
			in[i] = 0
		}
	}
	return in
}

// FromFeatures computes the stress score in [0, 100].
func FromFeatures(f audio.Features) float64 {
	gated := Normalize(f).Gate()
	var total float64
	for i, v := range gated {
		total += v * Weights[i]
	}
	return score.Clamp(total * 100)
}

// Extractor is the part of audio.Extractor the scorer depends on.
type Extractor interface {
	Extract(ctx context.Context, data []byte, format string) (audio.Features, error)
}

// Scorer extracts features from a clip and scores them.
type Scorer struct {
	extractor Extractor
}

func NewScorer(extractor Extractor) *Scorer {
	return &Scorer{extractor: extractor}
}

// Analysis carries the features next to the result so callers can store
// them. Features is nil when extraction failed.
type Analysis struct {
	Result   score.Result
	Features *audio.Features
}

// Score never returns a raw fault: any failure becomes a zero-scored
// error result.
func (s *Scorer) Score(ctx context.Context, data []byte, format string) Analysis {
	var feats *audio.Features
	res := score.Guard(score.ModalityVoice, func() score.Result {
		if s == nil || s.extractor == nil {
			return score.Failure(score.ModalityVoice, score.ErrModelUnavailable)
		}
		f, err := s.extractor.Extract(ctx, data, format)
		if err != nil {
			return score.Failure(score.ModalityVoice, err)
		}
		feats = &f
		return score.Success(score.ModalityVoice, FromFeatures(f))
	})
	if !res.OK() {
		feats = nil
	}
	return Analysis{Result: res, Features: feats}
}
