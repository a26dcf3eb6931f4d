// Package trigger consumes analysis requests from a Redis pub/sub channel
// and runs them through a bounded worker pool.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/firemate/triage/internal/analysis"
	"github.com/firemate/triage/internal/events"
	"github.com/firemate/triage/internal/incident"
	"github.com/firemate/triage/internal/metrics"
	"github.com/firemate/triage/internal/redact"
)

const (
	DefaultChannel = "triage:analyze"
	DefaultWorkers = 4
)

// Config selects the channel and pool size.
type Config struct {
	Channel string `yaml:"channel"`
	Workers int    `yaml:"workers"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Channel) == "" {
		c.Channel = DefaultChannel
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// Message asks for one incident to be analyzed.
type Message struct {
	IncidentID string        `json:"incident_id"`
	Reason     events.Reason `json:"reason"`
}

// ParseMessage decodes a payload; unknown reasons become manual.
func ParseMessage(payload string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Message{}, fmt.Errorf("decode trigger: %w", err)
	}
	m.IncidentID = strings.TrimSpace(m.IncidentID)
	if m.IncidentID == "" {
		return Message{}, errors.New("trigger without incident_id")
	}
	m.Reason = events.ParseReason(string(m.Reason))
	return m, nil
}

// Analyzer runs one analysis.
type Analyzer interface {
	Analyze(ctx context.Context, id string, reason events.Reason) (*analysis.Report, error)
}

// Consumer fans trigger messages out to workers.
type Consumer struct {
	cfg      Config
	analyzer Analyzer
	metrics  *metrics.Metrics
}

func NewConsumer(cfg Config, a Analyzer, m *metrics.Metrics) *Consumer {
	return &Consumer{cfg: cfg.withDefaults(), analyzer: a, metrics: m}
}

// Run subscribes to the channel and processes messages until ctx ends.
func (c *Consumer) Run(ctx context.Context, rdb *redis.Client) error {
	sub := rdb.Subscribe(ctx, c.cfg.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.Channel, err)
	}
	redact.Logf("trigger: listening on %s workers=%d", c.cfg.Channel, c.cfg.Workers)

	msgs := make(chan Message)
	go func() {
		defer close(msgs)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				m, err := ParseMessage(raw.Payload)
				if err != nil {
					redact.Warnf("trigger: dropping message: %v", err)
					continue
				}
				select {
				case msgs <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return c.Process(ctx, msgs)
}

// Process analyzes messages with at most Workers in flight and returns
// once msgs is closed and every analysis has finished. Analysis errors
// are logged, never returned.
func (c *Consumer) Process(ctx context.Context, msgs <-chan Message) error {
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for m := range msgs {
		m := m
		g.Go(func() error {
			c.handle(ctx, m)
			return nil
		})
	}
	return g.Wait()
}

func (c *Consumer) handle(ctx context.Context, m Message) {
	if c.metrics != nil {
		c.metrics.TriggersInFlight.Inc()
		defer c.metrics.TriggersInFlight.Dec()
	}
	if _, err := c.analyzer.Analyze(ctx, m.IncidentID, m.Reason); err != nil {
		entry := redact.WithFields(logrus.Fields{"incident_id": m.IncidentID, "reason": string(m.Reason)})
		switch {
		case errors.Is(err, incident.ErrNotFound):
			entry.Warn("trigger: incident not found")
		case errors.Is(err, incident.ErrConflict):
			entry.Info("trigger: status changed during analysis, skipped")
		case errors.Is(err, context.Canceled):
		default:
			entry.WithError(err).Error("trigger: analysis failed")
		}
	}
}

// Publish enqueues an analysis request.
func Publish(ctx context.Context, rdb *redis.Client, channel string, m Message) error {
	if channel == "" {
		channel = DefaultChannel
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, channel, b).Err()
}
