// Package sentiment scores free text for urgency through a binary
// sentiment classifier: negative text reads as distress.
package sentiment

import (
	"context"
	"fmt"
	"strings"

	"github.com/firemate/triage/internal/score"
)

// Label is the classifier's verdict.
type Label string

const (
	Negative Label = "NEGATIVE"
	Positive Label = "POSITIVE"
)

// ParseLabel accepts NEGATIVE/POSITIVE and the LABEL_0/LABEL_1 names
// of SST-2 heads exported without an id2label map.
func ParseLabel(s string) (Label, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEGATIVE", "NEG", "LABEL_0":
		return Negative, nil
	case "POSITIVE", "POS", "LABEL_1":
		return Positive, nil
	}
	return "", fmt.Errorf("%w: unknown sentiment label %q", score.ErrModelInference, s)
}

// Classifier predicts one label and its confidence in [0, 1].
type Classifier interface {
	Classify(ctx context.Context, text string) (Label, float64, error)
}

// Scorer maps classifier verdicts onto an urgency score.
type Scorer struct {
	classifier Classifier
}

func NewScorer(c Classifier) *Scorer {
	return &Scorer{classifier: c}
}

// Score rates an incident description.
func (s *Scorer) Score(ctx context.Context, text string) score.Result {
	return s.ScoreAs(ctx, score.ModalityText, text)
}

// ScoreAs rates text under the given modality tag, so transcripts share
// the backend with descriptions. Blank text is a zero-scored success and
// never reaches the classifier.
func (s *Scorer) ScoreAs(ctx context.Context, m score.Modality, text string) score.Result {
	return score.Guard(m, func() score.Result {
		if strings.TrimSpace(text) == "" {
			return score.Success(m, 0)
		}
		if s == nil || s.classifier == nil {
			return score.Failure(m, score.ErrModelUnavailable)
		}
		label, conf, err := s.classifier.Classify(ctx, text)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return score.Failure(m, ctxErr)
			}
			return score.Failure(m, score.Tag(err, score.ErrModelInference))
		}
		v, err := FromLabel(label, conf)
		if err != nil {
			return score.Failure(m, err)
		}
		return score.Success(m, v)
	})
}

// FromLabel converts a verdict to [0, 100]: NEGATIVE is conf*100 and
// POSITIVE is (1-conf)*100.
func FromLabel(label Label, conf float64) (float64, error) {
	conf = score.Unit(conf)
	switch label {
	case Negative:
		return score.Clamp(conf * 100), nil
	case Positive:
		return score.Clamp((1 - conf) * 100), nil
	}
	return 0, fmt.Errorf("%w: unknown sentiment label %q", score.ErrModelInference, label)
}
