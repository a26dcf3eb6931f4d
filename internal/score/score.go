// Package score defines the result shape shared by every modality scorer.
package score

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Modality names one analysis channel.
type Modality string

const (
	ModalityImage Modality = "image"
	ModalityText  Modality = "text"
	ModalityVoice Modality = "voice"
	// ModalityTranscript is the sentiment of a transcribed voice note. It is
	// recorded but never fused.
	ModalityTranscript Modality = "transcript"
)

const (
	Min = 0.0
	Max = 100.0
)

var (
	// ErrDecodeFailure marks an unsupported or corrupt media container.
	ErrDecodeFailure = errors.New("decode failure")
	// ErrModelUnavailable marks a backend that was never loaded.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelInference marks a backend that failed while scoring.
	ErrModelInference = errors.New("model inference error")
	// ErrTimeout marks a scorer that did not finish within its budget.
	ErrTimeout = errors.New("scorer timeout")
)

// Result is the uniform output of a scorer. A nil Err is the Success tag.
type Result struct {
	Modality Modality
	Score    float64
	Err      error
}

// OK reports whether the scorer succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Status renders the tag the way it is stored next to an incident.
func (r Result) Status() string {
	if r.Err == nil {
		return "Success"
	}
	return "Error: " + r.Err.Error()
}

// Reason maps the error onto the fixed taxonomy, for metric labels.
func (r Result) Reason() string {
	switch {
	case r.Err == nil:
		return "success"
	case errors.Is(r.Err, ErrDecodeFailure):
		return "decode_failure"
	case errors.Is(r.Err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(r.Err, ErrTimeout), errors.Is(r.Err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(r.Err, context.Canceled):
		return "canceled"
	default:
		return "model_inference_error"
	}
}

// Tag wraps err with fallback unless it already carries one of the
// taxonomy sentinels or a context error.
func Tag(err, fallback error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrDecodeFailure, ErrModelUnavailable, ErrModelInference, ErrTimeout, context.DeadlineExceeded, context.Canceled} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", fallback, err)
}

// Success builds a clamped successful result.
func Success(m Modality, v float64) Result {
	return Result{Modality: m, Score: Clamp(v)}
}

// Failure builds a zero-scored error result.
func Failure(m Modality, err error) Result {
	if err == nil {
		err = ErrModelInference
	}
	return Result{Modality: m, Score: 0, Err: err}
}

// Clamp bounds v to [Min, Max]. NaN maps to Min.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return Min
	}
	return math.Max(Min, math.Min(Max, v))
}

// Unit bounds v to [0, 1]. NaN maps to 0.
func Unit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// Guard runs fn and converts a panic into a failed result, so a scorer can
// never propagate a fault to its caller.
func Guard(m Modality, fn func() Result) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Failure(m, fmt.Errorf("%w: panic: %v", ErrModelInference, rec))
		}
	}()
	res = fn()
	res.Modality = m
	if res.Err != nil {
		res.Score = 0
		return res
	}
	res.Score = Clamp(res.Score)
	return res
}
