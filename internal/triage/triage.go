// Package triage maps a fused confidence score onto an incident status.
package triage

import (
	"time"

	"github.com/firemate/triage/internal/incident"
)

const (
	// VerifyThreshold is inclusive.
	VerifyThreshold = 80.0
	// RejectThreshold is exclusive.
	RejectThreshold = 20.0
)

// Next returns the transition for an incident currently in status current
// whose fused score is overall. Only PENDING incidents move; every other
// status is kept. An existing verifiedAt is never cleared.
func Next(current incident.Status, overall float64, verifiedAt *time.Time, now time.Time) incident.Transition {
	t := incident.Transition{From: current, To: current, VerifiedAt: verifiedAt}
	if current != incident.StatusPending {
		return t
	}
	switch {
	case overall >= VerifyThreshold:
		t.To = incident.StatusVerified
		stamp := now.UTC()
		t.VerifiedAt = &stamp
	case overall < RejectThreshold:
		t.To = incident.StatusRejected
	}
	return t
}
