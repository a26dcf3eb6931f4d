// Package incident holds the incident records the analysis pipeline reads
// and the narrow interfaces through which it reads and writes them.
package incident

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/firemate/triage/internal/audio"
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusVerified   Status = "VERIFIED"
	StatusRejected   Status = "REJECTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusRejected, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// ParseStatus accepts any case.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", errors.New("unknown incident status: " + v)
	}
	return s, nil
}

// MediaKind classifies an attachment.
type MediaKind string

const (
	MediaImage MediaKind = "IMAGE"
	MediaAudio MediaKind = "AUDIO"
	MediaVideo MediaKind = "VIDEO"
)

// RawMedia is an attachment payload. The pipeline never mutates it.
type RawMedia struct {
	Data   []byte
	Kind   MediaKind
	Format string
}

// Incident is the subset of an incident the pipeline reads.
type Incident struct {
	ID          string
	Description string
	Status      Status
	VerifiedAt  *time.Time
}

// Confidence is everything an analysis writes back.
type Confidence struct {
	OverallScore         float64           `json:"overall_score"`
	VoiceStressScore     *float64          `json:"voice_stress_score,omitempty"`
	VoiceAnalysisDetails *audio.Features   `json:"voice_analysis_details,omitempty"`
	ImageScore           *float64          `json:"image_score,omitempty"`
	TextScore            *float64          `json:"text_score,omitempty"`
	TranscriptScore      *float64          `json:"transcript_score,omitempty"`
	Transcript           string            `json:"transcript,omitempty"`
	Policy               string            `json:"policy"`
	Modalities           map[string]string `json:"modalities,omitempty"`
	ComputedAt           time.Time         `json:"computed_at"`
}

// Transition is the status change an analysis requests. From is the
// status the analysis observed; the sink must refuse the write if the
// stored status no longer matches it.
type Transition struct {
	From       Status     `json:"from"`
	To         Status     `json:"to"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// Changed reports whether the transition alters the status.
func (t Transition) Changed() bool { return t.From != t.To }

var (
	ErrNotFound = errors.New("incident not found")
	// ErrConflict is returned by a Sink when the stored status moved since
	// the analysis read it.
	ErrConflict = errors.New("incident status changed concurrently")
)

// Source reads incidents and their first image and audio attachments.
type Source interface {
	Incident(ctx context.Context, id string) (Incident, error)
	Media(ctx context.Context, id string) (image, audio *RawMedia, err error)
}

// Sink is the only write surface of the pipeline. Apply stores the
// confidence fields and the transition in one atomic step.
type Sink interface {
	Apply(ctx context.Context, id string, c Confidence, t Transition) error
}

// Store is both ends.
type Store interface {
	Source
	Sink
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
