package triage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firemate/triage/internal/incident"
)

func TestNextBoundaries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		score      float64
		want       incident.Status
		wantVerify bool
	}{
		{100, incident.StatusVerified, true},
		{80, incident.StatusVerified, true},
		{79.999, incident.StatusPending, false},
		{50, incident.StatusPending, false},
		{20, incident.StatusPending, false},
		{19.999, incident.StatusRejected, false},
		{0, incident.StatusRejected, false},
	}
	for _, tc := range cases {
		got := Next(incident.StatusPending, tc.score, nil, now)
		assert.Equal(t, incident.StatusPending, got.From)
		assert.Equal(t, tc.want, got.To, "score %v", tc.score)
		if tc.wantVerify {
			require.NotNil(t, got.VerifiedAt)
			assert.True(t, now.Equal(*got.VerifiedAt))
		} else {
			assert.Nil(t, got.VerifiedAt, "score %v", tc.score)
		}
	}
}

func TestNextKeepsNonPendingStatus(t *testing.T) {
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := stamp.Add(time.Hour)
	for _, s := range []incident.Status{
		incident.StatusVerified,
		incident.StatusRejected,
		incident.StatusInProgress,
		incident.StatusResolved,
	} {
		for _, sc := range []float64{0, 50, 100} {
			got := Next(s, sc, &stamp, now)
			assert.False(t, got.Changed(), "%s at %v", s, sc)
			require.NotNil(t, got.VerifiedAt)
			assert.True(t, stamp.Equal(*got.VerifiedAt))
		}
	}
}

func TestNextPreservesVerifiedAtOnRejectedReanalysis(t *testing.T) {
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := Next(incident.StatusPending, 5, &stamp, stamp.Add(time.Minute))
	assert.Equal(t, incident.StatusRejected, got.To)
	require.NotNil(t, got.VerifiedAt)
	assert.True(t, stamp.Equal(*got.VerifiedAt))
}
