// Package events publishes a record of every applied analysis to
// downstream consumers (audit log, dispatch dashboards).
package events

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/firemate/triage/internal/redact"
)

const schemaVersion = "1"

// Reason names what triggered an analysis.
type Reason string

const (
	ReasonCreated    Reason = "created"
	ReasonMediaAdded Reason = "media_added"
	ReasonReverify   Reason = "reverify"
	ReasonManual     Reason = "manual"
)

// ParseReason accepts any case and maps unknown values to manual.
func ParseReason(v string) Reason {
	switch r := Reason(strings.ToLower(strings.TrimSpace(v))); r {
	case ReasonCreated, ReasonMediaAdded, ReasonReverify:
		return r
	}
	return ReasonManual
}

// ModalityOutcome is how one scorer fared.
type ModalityOutcome struct {
	Present   bool     `json:"present"`
	Score     *float64 `json:"score,omitempty"`
	Status    string   `json:"status"`
	Reason    string   `json:"reason"`
	LatencyMs float64  `json:"latency_ms"`
}

// TransitionInfo mirrors the applied status change.
type TransitionInfo struct {
	From       string     `json:"from"`
	To         string     `json:"to"`
	Changed    bool       `json:"changed"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// Event is the canonical analysis payload.
type Event struct {
	Version      string                     `json:"version"`
	ID           string                     `json:"id"`
	Timestamp    time.Time                  `json:"timestamp"`
	IncidentID   string                     `json:"incident_id"`
	AnalysisID   string                     `json:"analysis_id"`
	Reason       Reason                     `json:"reason"`
	Policy       string                     `json:"policy"`
	OverallScore float64                    `json:"overall_score"`
	Modalities   map[string]ModalityOutcome `json:"modalities"`
	Transition   TransitionInfo             `json:"transition"`
	TotalMs      float64                    `json:"total_ms"`
}

// BuildParams collects the inputs of one event.
type BuildParams struct {
	IncidentID   string
	AnalysisID   string
	Reason       Reason
	Policy       string
	OverallScore float64
	Modalities   map[string]ModalityOutcome
	From, To     string
	VerifiedAt   *time.Time
	Duration     time.Duration
	Now          time.Time
}

// BuildEvent assembles an event. It returns nil without an incident id.
func BuildEvent(p BuildParams) *Event {
	if strings.TrimSpace(p.IncidentID) == "" {
		return nil
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	analysisID := p.AnalysisID
	if analysisID == "" {
		analysisID = uuid.NewString()
	}
	reason := p.Reason
	if reason == "" {
		reason = ReasonManual
	}
	mods := make(map[string]ModalityOutcome, len(p.Modalities))
	for k, v := range p.Modalities {
		mods[k] = v
	}
	return &Event{
		Version:      schemaVersion,
		ID:           uuid.NewString(),
		Timestamp:    now.UTC(),
		IncidentID:   p.IncidentID,
		AnalysisID:   analysisID,
		Reason:       reason,
		Policy:       p.Policy,
		OverallScore: p.OverallScore,
		Modalities:   mods,
		Transition: TransitionInfo{
			From:       p.From,
			To:         p.To,
			Changed:    p.From != p.To,
			VerifiedAt: p.VerifiedAt,
		},
		TotalMs: durationMillis(p.Duration),
	}
}

// FailedModalities lists modalities whose scorer did not succeed, sorted.
func (e *Event) FailedModalities() []string {
	if e == nil {
		return nil
	}
	var out []string
	for name, m := range e.Modalities {
		if m.Present && m.Reason != "success" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// LogEvent prints a redacted JSON representation of the event.
func LogEvent(ev *Event) {
	if ev == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		redact.Logf("events: failed to marshal event: %v", err)
		return
	}
	redact.Logf("events: %s", string(data))
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
