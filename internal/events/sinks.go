package events

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SinkConfig describes one configured sink.
type SinkConfig struct {
	Type      string            `yaml:"type"` // file_jsonl | webhook | log
	Path      string            `yaml:"path"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	TimeoutMs int               `yaml:"timeout_ms"`
	MaxBytes  int64             `yaml:"max_bytes"`
}

// BuildSinks constructs sinks from config. Sinks opened before a failure
// are closed.
func BuildSinks(cfgs []SinkConfig) ([]Sink, error) {
	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		for _, s := range sinks {
			_ = s.Close(context.Background())
		}
		return nil, err
	}
	for i, c := range cfgs {
		switch strings.ToLower(strings.TrimSpace(c.Type)) {
		case "file_jsonl":
			s, err := NewRotatingFileSink(c.Path, c.MaxBytes)
			if err != nil {
				return fail(fmt.Errorf("events sink %d: %w", i, err))
			}
			sinks = append(sinks, s)
		case "webhook":
			s, err := NewWebhookSink(c.URL, c.Headers, time.Duration(c.TimeoutMs)*time.Millisecond)
			if err != nil {
				return fail(fmt.Errorf("events sink %d: %w", i, err))
			}
			sinks = append(sinks, s)
		case "log":
			sinks = append(sinks, LogSink{})
		default:
			return fail(fmt.Errorf("events sink %d has unknown type %q", i, c.Type))
		}
	}
	return sinks, nil
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(_ context.Context, ev *Event) error {
	LogEvent(ev)
	return nil
}

func (LogSink) Close(context.Context) error { return nil }
