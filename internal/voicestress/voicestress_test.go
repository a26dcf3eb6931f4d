package voicestress

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firemate/triage/internal/audio"
	"github.com/firemate/triage/internal/score"
)

var stressed = audio.Features{
	PitchMean:  200,
	PitchStd:   200,
	Energy:     0.05,
	SpeechRate: 5000,
	Jitter:     1,
	Shimmer:    1,
}

func TestFromFeatures(t *testing.T) {
	cases := []struct {
		name string
		in   audio.Features
		want float64
	}{
		{"all zero", audio.Features{}, 0},
		{"saturated", stressed, 100},
		{"energy only", audio.Features{Energy: 0.008}, 20},
		{"energy below threshold is gated", audio.Features{Energy: 0.006}, 0},
		{"pitch variation only", audio.Features{PitchMean: 100, PitchStd: 80}, 24},
		{"pitch variation at threshold is gated", audio.Features{PitchMean: 100, PitchStd: 60}, 0},
		{"speech rate only", audio.Features{SpeechRate: 900}, 18},
		{"speech rate below threshold", audio.Features{SpeechRate: 650}, 0},
		{"jitter only", audio.Features{Jitter: 0.08}, 12},
		{"shimmer only", audio.Features{Shimmer: 0.06}, 6},
		{"zero pitch mean ignores std", audio.Features{PitchStd: 500}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, FromFeatures(tc.in), 1e-9)
		})
	}
}

func TestWeightsSumToOne(t *testing.T) {
	var sum float64
	for _, w := range Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestFromFeaturesIsMonotoneInEnergy(t *testing.T) {
	prev := -1.0
	for e := 0.0; e <= 0.02; e += 0.0005 {
		got := FromFeatures(audio.Features{Energy: e})
		assert.GreaterOrEqual(t, got, prev)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 100.0)
		prev = got
	}
}

type stubExtractor struct {
	feats audio.Features
	err   error
	panic bool
}

func (s stubExtractor) Extract(context.Context, []byte, string) (audio.Features, error) {
	if s.panic {
		panic("index out of range")
	}
	return s.feats, s.err
}

func TestScorerScore(t *testing.T) {
	got := NewScorer(stubExtractor{feats: stressed}).Score(context.Background(), []byte("x"), "wav")
	require.True(t, got.Result.OK())
	assert.Equal(t, score.ModalityVoice, got.Result.Modality)
	assert.InDelta(t, 100.0, got.Result.Score, 1e-9)
	require.NotNil(t, got.Features)
	assert.Equal(t, stressed, *got.Features)
}

func TestScorerDegradesOnFailure(t *testing.T) {
	cases := []struct {
		name   string
		scorer *Scorer
		reason string
	}{
		{"decode failure", NewScorer(stubExtractor{err: score.ErrDecodeFailure}), "decode_failure"},
		{"other error", NewScorer(stubExtractor{err: errors.New("boom")}), "model_inference_error"},
		{"panic", NewScorer(stubExtractor{panic: true}), "model_inference_error"},
		{"no extractor", NewScorer(nil), "model_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.scorer.Score(context.Background(), []byte("x"), "wav")
			assert.False(t, got.Result.OK())
			assert.Equal(t, 0.0, got.Result.Score)
			assert.Equal(t, tc.reason, got.Result.Reason())
			assert.Nil(t, got.Features)
		})
	}
}

func TestScorerEndToEndWithRealExtractor(t *testing.T) {
	silence := audio.EncodeWAV(make([]float64, 8000), 16000)
	got := NewScorer(audio.NewExtractor(audio.Config{}, nil)).Score(context.Background(), silence, "wav")
	require.True(t, got.Result.OK())
	assert.Equal(t, 0.0, got.Result.Score)
}
