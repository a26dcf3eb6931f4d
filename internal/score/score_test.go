package score

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{-5, 0},
		{0, 0},
		{55.5, 55.5},
		{100, 100},
		{100.0001, 100},
		{math.Inf(1), 100},
		{math.Inf(-1), 0},
		{math.NaN(), 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Clamp(tc.in), "Clamp(%v)", tc.in)
	}
	assert.Equal(t, 1.0, Unit(3))
	assert.Equal(t, 0.0, Unit(math.NaN()))
}

func TestResultStatusAndReason(t *testing.T) {
	cases := []struct {
		res    Result
		status string
		reason string
	}{
		{Success(ModalityText, 40), "Success", "success"},
		{Failure(ModalityImage, fmt.Errorf("%w: bad png", ErrDecodeFailure)), "Error: decode failure: bad png", "decode_failure"},
		{Failure(ModalityImage, ErrModelUnavailable), "Error: model unavailable", "model_unavailable"},
		{Failure(ModalityVoice, context.DeadlineExceeded), "Error: context deadline exceeded", "timeout"},
		{Failure(ModalityVoice, context.Canceled), "Error: context canceled", "canceled"},
		{Failure(ModalityText, errors.New("boom")), "Error: boom", "model_inference_error"},
		{Failure(ModalityText, nil), "Error: model inference error", "model_inference_error"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, tc.res.Status())
		assert.Equal(t, tc.reason, tc.res.Reason())
		if !tc.res.OK() {
			assert.Equal(t, 0.0, tc.res.Score)
		}
	}
}

func TestSuccessClamps(t *testing.T) {
	assert.Equal(t, 100.0, Success(ModalityImage, 140).Score)
	assert.Equal(t, 0.0, Success(ModalityImage, -3).Score)
}

func TestTag(t *testing.T) {
	assert.Nil(t, Tag(nil, ErrModelInference))

	tagged := fmt.Errorf("%w: truncated", ErrDecodeFailure)
	assert.Same(t, tagged, Tag(tagged, ErrModelInference))

	wrapped := Tag(errors.New("onnx run failed"), ErrModelInference)
	assert.ErrorIs(t, wrapped, ErrModelInference)
	assert.Contains(t, wrapped.Error(), "onnx run failed")
}

func TestGuardRecoversPanics(t *testing.T) {
	res := Guard(ModalityImage, func() Result {
		var m map[string]int
		m["x"] = 1
		return Success(ModalityImage, 10)
	})
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrModelInference)
	assert.Equal(t, ModalityImage, res.Modality)
	assert.Equal(t, 0.0, res.Score)
}

func TestGuardNormalizesResult(t *testing.T) {
	res := Guard(ModalityText, func() Result { return Result{Score: 250} })
	assert.Equal(t, ModalityText, res.Modality)
	assert.Equal(t, 100.0, res.Score)

	res = Guard(ModalityText, func() Result { return Result{Score: 50, Err: ErrTimeout} })
	assert.Equal(t, 0.0, res.Score)
}
