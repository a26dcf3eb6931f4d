package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/firemate/triage/internal/analysis"
	"github.com/firemate/triage/internal/audio"
	"github.com/firemate/triage/internal/config"
	"github.com/firemate/triage/internal/events"
	"github.com/firemate/triage/internal/imaging"
	"github.com/firemate/triage/internal/incident"
	"github.com/firemate/triage/internal/mediastore"
	"github.com/firemate/triage/internal/metrics"
	"github.com/firemate/triage/internal/onnx"
	"github.com/firemate/triage/internal/redact"
	"github.com/firemate/triage/internal/sentiment"
	"github.com/firemate/triage/internal/store"
	"github.com/firemate/triage/internal/telemetry"
	"github.com/firemate/triage/internal/transcribe"
	"github.com/firemate/triage/internal/voicestress"
)

// scorers are the model-backed parts, shared by every command.
type scorers struct {
	image       *imaging.Scorer
	voice       *voicestress.Scorer
	text        *sentiment.Scorer
	transcriber *transcribe.Client
	closers     []func()
}

func (s *scorers) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	_ = onnx.Shutdown()
}

type warmer interface {
	Warmup(ctx context.Context) (time.Duration, error)
	Name() string
}

// loadScorers opens the configured models. A model that is not
// configured leaves its scorer without a backend, so that modality
// reports model_unavailable.
func loadScorers(ctx context.Context, cfg *config.Config) (*scorers, error) {
	s := &scorers{}
	var warm []warmer

	var ic imaging.Classifier
	if cfg.Models.Image.Dir != "" {
		c, err := imaging.LoadONNXClassifier(cfg.Models.Image.ModelConfig, cfg.Models.Runtime)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("image model: %w", err)
		}
		ic = c
		warm = append(warm, c)
		s.closers = append(s.closers, c.Close)
	} else {
		redact.Warnf("models.image.dir not set; image scoring disabled")
	}
	s.image = imaging.NewScorer(ic, cfg.Models.Image.ImageOptions()...)

	var tc sentiment.Classifier
	if cfg.Models.Sentiment.Dir != "" {
		c, err := sentiment.LoadONNXClassifier(cfg.Models.Sentiment, cfg.Models.Runtime)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("sentiment model: %w", err)
		}
		tc = c
		warm = append(warm, c)
		s.closers = append(s.closers, c.Close)
	} else {
		redact.Warnf("models.sentiment.dir not set; text scoring disabled")
	}
	s.text = sentiment.NewScorer(tc)

	transcoder := audio.NewFFmpegTranscoder(cfg.Audio.FFmpegPath, cfg.Audio.SampleRate)
	s.voice = voicestress.NewScorer(audio.NewExtractor(cfg.Audio.Config, transcoder))

	asr, err := transcribe.New(cfg.Transcription)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.transcriber = asr

	if cfg.Models.Warmup {
		for _, w := range warm {
			took, err := w.Warmup(ctx)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("warmup %s: %w", w.Name(), err)
			}
			redact.Logf("warmup: %s took %s", w.Name(), took)
		}
	}
	return s, nil
}

// service wires scorers, stores, events and observability.
type service struct {
	cfg       *config.Config
	scorers   *scorers
	store     incident.Store
	closer    io.Closer
	emitter   *events.Emitter
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	telemetry *telemetry.Provider
	analyzer  *analysis.Analyzer
}

func newService(ctx context.Context, cfg *config.Config, withStore bool) (*service, error) {
	svc := &service{cfg: cfg, registry: prometheus.NewRegistry()}
	svc.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc.metrics = metrics.New(svc.registry)

	tcfg := cfg.Telemetry
	tcfg.Version = version
	tp, err := telemetry.NewProvider(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	svc.telemetry = tp

	if svc.scorers, err = loadScorers(ctx, cfg); err != nil {
		svc.Close(ctx)
		return nil, err
	}

	deps := analysis.Deps{
		Image:     svc.scorers.image,
		Voice:     svc.scorers.voice,
		Text:      svc.scorers.text,
		Metrics:   svc.metrics,
		Telemetry: svc.telemetry,
	}
	if svc.scorers.transcriber != nil {
		deps.Transcriber = svc.scorers.transcriber
	}

	if withStore {
		var blobs store.Blobs
		if cfg.Media.Enabled() {
			ms, err := mediastore.New(cfg.Media)
			if err != nil {
				svc.Close(ctx)
				return nil, err
			}
			blobs = ms
		}
		st, closer, err := store.Open(ctx, cfg.Store, blobs)
		if err != nil {
			svc.Close(ctx)
			return nil, err
		}
		svc.store, svc.closer = st, closer
		deps.Source, deps.Sink = st, st

		if cfg.Events.Enabled {
			sinks, err := events.BuildSinks(cfg.Events.Sinks)
			if err != nil {
				svc.Close(ctx)
				return nil, err
			}
			svc.emitter = events.NewEmitter(cfg.Events.Emitter(), sinks)
			svc.metrics.RegisterEventStats(func() (uint64, uint64) {
				snap := svc.emitter.MetricsSnapshot()
				return snap.Enqueued(), snap.Dropped()
			})
			deps.Events = svc.emitter
		}
	}

	svc.analyzer, err = analysis.New(deps, analysis.Config{
		ModalityTimeout: cfg.Analysis.ModalityTimeout,
		ImageText:       cfg.Fusion.ImageText,
		VoiceImage:      cfg.Fusion.VoiceImage,
	})
	if err != nil {
		svc.Close(ctx)
		return nil, err
	}
	return svc, nil
}

func (s *service) Close(ctx context.Context) {
	if s.emitter != nil {
		s.emitter.Close(ctx)
	}
	if s.closer != nil {
		_ = s.closer.Close()
	}
	if s.scorers != nil {
		s.scorers.Close()
	}
	s.telemetry.Shutdown(ctx)
}
