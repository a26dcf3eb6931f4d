package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firemate/triage/internal/analysis"
	"github.com/firemate/triage/internal/events"
	"github.com/firemate/triage/internal/incident"
)

func TestParseMessage(t *testing.T) {
	m, err := ParseMessage(`{"incident_id":" 42 ","reason":"MEDIA_ADDED"}`)
	require.NoError(t, err)
	assert.Equal(t, "42", m.IncidentID)
	assert.Equal(t, events.ReasonMediaAdded, m.Reason)

	m, err = ParseMessage(`{"incident_id":"7"}`)
	require.NoError(t, err)
	assert.Equal(t, events.ReasonManual, m.Reason)

	for _, bad := range []string{``, `{`, `{"reason":"created"}`, `{"incident_id":"  "}`} {
		_, err := ParseMessage(bad)
		assert.Error(t, err, bad)
	}
}

type countingAnalyzer struct {
	mu       sync.Mutex
	seen     []string
	inFlight int32
	peak     int32
	delay    time.Duration
	err      error
}

func (a *countingAnalyzer) Analyze(_ context.Context, id string, _ events.Reason) (*analysis.Report, error) {
	n := atomic.AddInt32(&a.inFlight, 1)
	for {
		p := atomic.LoadInt32(&a.peak)
		if n <= p || atomic.CompareAndSwapInt32(&a.peak, p, n) {
			break
		}
	}
	time.Sleep(a.delay)
	atomic.AddInt32(&a.inFlight, -1)

	a.mu.Lock()
	a.seen = append(a.seen, id)
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return &analysis.Report{IncidentID: id}, nil
}

func TestProcessBoundsConcurrency(t *testing.T) {
	an := &countingAnalyzer{delay: 10 * time.Millisecond}
	c := NewConsumer(Config{Workers: 2}, an, nil)

	msgs := make(chan Message)
	go func() {
		defer close(msgs)
		for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
			msgs <- Message{IncidentID: id, Reason: events.ReasonCreated}
		}
	}()
	require.NoError(t, c.Process(context.Background(), msgs))

	assert.Len(t, an.seen, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&an.peak), int32(2))
}

func TestProcessSwallowsAnalysisErrors(t *testing.T) {
	an := &countingAnalyzer{err: errors.Join(errors.New("apply"), incident.ErrConflict)}
	c := NewConsumer(Config{}, an, nil)

	msgs := make(chan Message, 2)
	msgs <- Message{IncidentID: "x"}
	msgs <- Message{IncidentID: "y"}
	close(msgs)
	assert.NoError(t, c.Process(context.Background(), msgs))
	assert.Len(t, an.seen, 2)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, DefaultChannel, c.Channel)
	assert.Equal(t, DefaultWorkers, c.Workers)
}
