// Package imaging scores attached photos for visible fire or smoke.
package imaging

import (
	"context"
	"image"
	"sort"
	"strings"

	"github.com/firemate/triage/internal/score"
)

// DefaultKeywords are matched case-insensitively against class labels.
var DefaultKeywords = []string{"fire", "smoke", "emergency", "flame"}

// DefaultTopK matches the number of predictions a Keras decoder returns.
const DefaultTopK = 5

// Prediction is one class probability.
type Prediction struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Classifier returns the class distribution for a decoded image.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) ([]Prediction, error)
}

// Scorer turns a classifier's output into an urgency score.
type Scorer struct {
	classifier Classifier
	keywords   []string
	topK       int
}

// Option customizes a Scorer.
type Option func(*Scorer)

// WithKeywords replaces the alarm vocabulary.
func WithKeywords(words []string) Option {
	return func(s *Scorer) {
		var kw []string
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				kw = append(kw, w)
			}
		}
		if len(kw) > 0 {
			s.keywords = kw
		}
	}
}

// WithTopK limits matching to the k most probable classes; 0 considers
// every class.
func WithTopK(k int) Option {
	return func(s *Scorer) {
		if k >= 0 {
			s.topK = k
		}
	}
}

func NewScorer(c Classifier, opts ...Option) *Scorer {
	s := &Scorer{
		classifier: c,
		keywords:   append([]string(nil), DefaultKeywords...),
		topK:       DefaultTopK,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Score decodes data, classifies it and returns max matched probability
// times 100. Faults become zero-scored error results.
func (s *Scorer) Score(ctx context.Context, data []byte) score.Result {
	return score.Guard(score.ModalityImage, func() score.Result {
		if s == nil || s.classifier == nil {
			return score.Failure(score.ModalityImage, score.ErrModelUnavailable)
		}
		img, err := Decode(data)
		if err != nil {
			return score.Failure(score.ModalityImage, err)
		}
		preds, err := s.classifier.Classify(ctx, img)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return score.Failure(score.ModalityImage, ctxErr)
			}
			return score.Failure(score.ModalityImage, score.Tag(err, score.ErrModelInference))
		}
		return score.Success(score.ModalityImage, s.FromPredictions(preds))
	})
}

// FromPredictions applies top-k selection and keyword matching.
func (s *Scorer) FromPredictions(preds []Prediction) float64 {
	ranked := append([]Prediction(nil), preds...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Probability > ranked[j].Probability })
	if s.topK > 0 && len(ranked) > s.topK {
		ranked = ranked[:s.topK]
	}
	best := 0.0
	for _, p := range ranked {
		if s.matches(p.Label) && p.Probability > best {
			best = p.Probability
		}
	}
	return score.Clamp(best * 100)
}

func (s *Scorer) matches(label string) bool {
	l := strings.ToLower(label)
	for _, kw := range s.keywords {
		if strings.Contains(l, kw) {
			return true
		}
	}
	return false
}
