// Package fusion combines per-modality scores into one confidence value.
package fusion

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/firemate/triage/internal/score"
)

// Weights maps a modality to its share of the fused score.
type Weights map[score.Modality]float64

// Policy names for the two fixed configurations.
const (
	PolicyImageText  = "image_text"
	PolicyVoiceImage = "voice_image"
)

// ImageText is used when no voice note is attached.
func ImageText() Weights {
	return Weights{score.ModalityImage: 0.7, score.ModalityText: 0.3}
}

// VoiceImage is used when a voice note is attached.
func VoiceImage() Weights {
	return Weights{score.ModalityVoice: 0.7, score.ModalityImage: 0.3}
}

const sumTolerance = 1e-9

// Validate checks that every weight is non-negative and that they sum to 1.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return errors.New("fusion weights are empty")
	}
	var sum float64
	for m, v := range w {
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("fusion weight for %s must be >= 0, got %v", m, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > sumTolerance {
		return fmt.Errorf("fusion weights must sum to 1, got %v", sum)
	}
	return nil
}

// Modalities returns the weighted modalities in a stable order.
func (w Weights) Modalities() []score.Modality {
	out := make([]score.Modality, 0, len(w))
	for m := range w {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fuse returns the weighted sum of the present scores, clamped to [0, 100].
// A modality missing from scores contributes nothing; weights are never
// renormalized. Scores for modalities outside the weights are ignored.
func Fuse(scores map[score.Modality]float64, weights Weights) float64 {
	var total float64
	for _, m := range weights.Modalities() {
		v, ok := scores[m]
		if !ok {
			continue
		}
		total += score.Clamp(v) * weights[m]
	}
	return score.Clamp(total)
}

// Select picks the configuration by attachment presence: a voice note
// selects VoiceImage even if its scorer later fails.
func Select(hasAudio bool, imageText, voiceImage Weights) (Weights, string) {
	if hasAudio {
		return voiceImage, PolicyVoiceImage
	}
	return imageText, PolicyImageText
}
