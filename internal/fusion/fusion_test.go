package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firemate/triage/internal/score"
)

func TestFixedConfigurationsAreValid(t *testing.T) {
	require.NoError(t, ImageText().Validate())
	require.NoError(t, VoiceImage().Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		w       Weights
		wantErr bool
	}{
		{"empty", Weights{}, true},
		{"negative", Weights{score.ModalityImage: 1.2, score.ModalityText: -0.2}, true},
		{"short", Weights{score.ModalityImage: 0.5, score.ModalityText: 0.3}, true},
		{"single", Weights{score.ModalityText: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.w.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFuse(t *testing.T) {
	img, txt, voice := score.ModalityImage, score.ModalityText, score.ModalityVoice
	cases := []struct {
		name    string
		scores  map[score.Modality]float64
		weights Weights
		want    float64
	}{
		{"image text", map[score.Modality]float64{img: 90, txt: 50}, ImageText(), 78},
		{"voice image", map[score.Modality]float64{voice: 100, img: 50}, VoiceImage(), 85},
		{"all max", map[score.Modality]float64{img: 100, txt: 100}, ImageText(), 100},
		{"voice image all max", map[score.Modality]float64{voice: 100, img: 100}, VoiceImage(), 100},
		{"absent image contributes zero", map[score.Modality]float64{txt: 100}, ImageText(), 30},
		{"nothing present", map[score.Modality]float64{}, ImageText(), 0},
		{"unweighted modality ignored", map[score.Modality]float64{txt: 100, voice: 100}, ImageText(), 30},
		{"out of range inputs clamped", map[score.Modality]float64{img: 250, txt: -40}, ImageText(), 70},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Fuse(tc.scores, tc.weights), 1e-9)
		})
	}
}

func TestFuseBoundsAndMonotonicity(t *testing.T) {
	for _, w := range []Weights{ImageText(), VoiceImage()} {
		ms := w.Modalities()
		prev := -1.0
		for v := 0.0; v <= 100; v += 5 {
			scores := map[score.Modality]float64{ms[0]: v, ms[1]: 40}
			got := Fuse(scores, w)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 100.0)
			assert.GreaterOrEqual(t, got, prev)
			prev = got
		}
	}
}

func TestSelect(t *testing.T) {
	w, name := Select(true, ImageText(), VoiceImage())
	assert.Equal(t, PolicyVoiceImage, name)
	assert.Equal(t, VoiceImage(), w)

	w, name = Select(false, ImageText(), VoiceImage())
	assert.Equal(t, PolicyImageText, name)
	assert.Equal(t, ImageText(), w)
}
