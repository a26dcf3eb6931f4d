package store

import (
	"context"
	"sync"
	"time"

	"github.com/firemate/triage/internal/incident"
)

// Memory is an in-process store for tests and offline runs.
type Memory struct {
	mu   sync.Mutex
	recs map[string]*memRecord
}

type memRecord struct {
	inc     incident.Incident
	media   []MediaRef
	conf    *incident.Confidence
	applies int
}

func NewMemory() *Memory {
	return &Memory{recs: make(map[string]*memRecord)}
}

// Put inserts or replaces an incident with inline attachments.
func (m *Memory) Put(inc incident.Incident, media ...incident.RawMedia) {
	refs := make([]MediaRef, 0, len(media))
	for _, md := range media {
		refs = append(refs, MediaRef{Kind: md.Kind, Format: md.Format, Data: md.Data})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[inc.ID] = &memRecord{inc: inc, media: refs}
}

// SetStatus overwrites the stored status, as an operator would.
func (m *Memory) SetStatus(id string, s incident.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return incident.ErrNotFound
	}
	rec.inc.Status = s
	return nil
}

func (m *Memory) Incident(_ context.Context, id string) (incident.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return incident.Incident{}, incident.ErrNotFound
	}
	inc := rec.inc
	inc.VerifiedAt = copyTime(inc.VerifiedAt)
	return inc, nil
}

func (m *Memory) Media(ctx context.Context, id string) (*incident.RawMedia, *incident.RawMedia, error) {
	m.mu.Lock()
	rec, ok := m.recs[id]
	var refs []MediaRef
	if ok {
		refs = append(refs, rec.media...)
	}
	m.mu.Unlock()
	if !ok {
		return nil, nil, incident.ErrNotFound
	}
	return resolveFirst(ctx, nil, refs)
}

// Apply writes c and t if the stored status still equals t.From.
func (m *Memory) Apply(_ context.Context, id string, c incident.Confidence, t incident.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return incident.ErrNotFound
	}
	if rec.inc.Status != t.From {
		return incident.ErrConflict
	}
	rec.inc.Status = t.To
	if t.VerifiedAt != nil {
		rec.inc.VerifiedAt = copyTime(t.VerifiedAt)
	}
	cc := c
	rec.conf = &cc
	rec.applies++
	return nil
}

// Confidence returns the last applied confidence.
func (m *Memory) Confidence(id string) (incident.Confidence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok || rec.conf == nil {
		return incident.Confidence{}, false
	}
	return *rec.conf, true
}

// Applies counts successful writes for id.
func (m *Memory) Applies(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[id]; ok {
		return rec.applies
	}
	return 0
}

func (m *Memory) Close() error { return nil }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
