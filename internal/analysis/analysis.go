// Package analysis runs the multi-modal scoring pipeline for one incident:
// the scorers run concurrently, their results are fused, the triage
// policy picks a status and the outcome is written through the sink.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/firemate/triage/internal/audio"
	"github.com/firemate/triage/internal/events"
	"github.com/firemate/triage/internal/fusion"
	"github.com/firemate/triage/internal/incident"
	"github.com/firemate/triage/internal/metrics"
	"github.com/firemate/triage/internal/redact"
	"github.com/firemate/triage/internal/score"
	"github.com/firemate/triage/internal/telemetry"
	"github.com/firemate/triage/internal/transcribe"
	"github.com/firemate/triage/internal/triage"
	"github.com/firemate/triage/internal/voicestress"
)

// DefaultModalityTimeout bounds each scorer.
const DefaultModalityTimeout = 5 * time.Second

// ImageScorer scores one image attachment.
type ImageScorer interface {
	Score(ctx context.Context, data []byte) score.Result
}

// VoiceScorer scores one voice note and reports its features.
type VoiceScorer interface {
	Score(ctx context.Context, data []byte, format string) voicestress.Analysis
}

// TextScorer scores free text under a modality tag.
type TextScorer interface {
	ScoreAs(ctx context.Context, m score.Modality, text string) score.Result
}

// Transcriber turns a voice note into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (*transcribe.Response, error)
}

// Config tunes the pipeline.
type Config struct {
	ModalityTimeout time.Duration
	ImageText       fusion.Weights
	VoiceImage      fusion.Weights
}

// Deps are the collaborators of an Analyzer. Source and Sink are only
// needed by Analyze; nil scorers leave their modality absent.
type Deps struct {
	Source      incident.Source
	Sink        incident.Sink
	Image       ImageScorer
	Voice       VoiceScorer
	Text        TextScorer
	Transcriber Transcriber
	Events      events.Publisher
	Metrics     *metrics.Metrics
	Telemetry   *telemetry.Provider
	Now         func() time.Time
}

// Analyzer is safe for concurrent use.
type Analyzer struct {
	deps Deps
	cfg  Config
}

func New(deps Deps, cfg Config) (*Analyzer, error) {
	if cfg.ModalityTimeout <= 0 {
		cfg.ModalityTimeout = DefaultModalityTimeout
	}
	if cfg.ImageText == nil {
		cfg.ImageText = fusion.ImageText()
	}
	if cfg.VoiceImage == nil {
		cfg.VoiceImage = fusion.VoiceImage()
	}
	if err := cfg.ImageText.Validate(); err != nil {
		return nil, fmt.Errorf("image_text weights: %w", err)
	}
	if err := cfg.VoiceImage.Validate(); err != nil {
		return nil, fmt.Errorf("voice_image weights: %w", err)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.Noop()
	}
	return &Analyzer{deps: deps, cfg: cfg}, nil
}

// Input is what one evaluation reads.
type Input struct {
	Description string
	Image       *incident.RawMedia
	Audio       *incident.RawMedia
}

// Outcome is one scorer run.
type Outcome struct {
	Result  score.Result
	Latency time.Duration
}

// Report is the result of one evaluation.
type Report struct {
	AnalysisID string                      `json:"analysis_id"`
	IncidentID string                      `json:"incident_id,omitempty"`
	Confidence incident.Confidence         `json:"confidence"`
	Transition *incident.Transition        `json:"transition,omitempty"`
	Outcomes   map[score.Modality]Outcome `json:"-"`
	Duration   time.Duration               `json:"-"`
}

// Evaluate scores the input and fuses the results without touching any
// store. It never fails: every scorer fault leaves its modality absent.
func (a *Analyzer) Evaluate(ctx context.Context, in Input) Report {
	start := time.Now()
	ctx, span := a.deps.Telemetry.Tracer().Start(ctx, "triage.evaluate")
	defer span.End()

	var (
		mu         sync.Mutex
		outcomes   = make(map[score.Modality]Outcome, 4)
		features   *audio.Features
		transcript string
	)
	record := func(m score.Modality, res score.Result, took time.Duration) {
		mu.Lock()
		outcomes[m] = Outcome{Result: res, Latency: took}
		mu.Unlock()
		a.deps.Metrics.ObserveModality(string(m), res.Reason(), res.Score, took)
		a.deps.Telemetry.RecordModality(ctx, string(m), res.Reason(), took)
	}

	g, gctx := errgroup.WithContext(ctx)
	if in.Image != nil && a.deps.Image != nil {
		g.Go(func() error {
			res, took := a.run(gctx, score.ModalityImage, func(ctx context.Context) score.Result {
				return a.deps.Image.Score(ctx, in.Image.Data)
			})
			record(score.ModalityImage, res, took)
			return nil
		})
	}
	if in.Audio != nil && a.deps.Voice != nil {
		g.Go(func() error {
			var va voicestress.Analysis
			res, took := a.run(gctx, score.ModalityVoice, func(ctx context.Context) score.Result {
				va = a.deps.Voice.Score(ctx, in.Audio.Data, in.Audio.Format)
				return va.Result
			})
			// va is only written by a scorer that finished in time.
			if res.OK() && va.Features != nil {
				mu.Lock()
				features = va.Features
				mu.Unlock()
			}
			record(score.ModalityVoice, res, took)
			return nil
		})
	}
	if a.deps.Text != nil {
		g.Go(func() error {
			res, took := a.run(gctx, score.ModalityText, func(ctx context.Context) score.Result {
				return a.deps.Text.ScoreAs(ctx, score.ModalityText, in.Description)
			})
			record(score.ModalityText, res, took)
			return nil
		})
	}
	if in.Audio != nil && a.deps.Transcriber != nil && a.deps.Text != nil {
		g.Go(func() error {
			var text string
			res, took := a.run(gctx, score.ModalityTranscript, func(ctx context.Context) score.Result {
				resp, err := a.deps.Transcriber.Transcribe(ctx, in.Audio.Data, in.Audio.Format)
				if err != nil {
					return score.Failure(score.ModalityTranscript, score.Tag(err, score.ErrModelInference))
				}
				text = resp.Transcript()
				return a.deps.Text.ScoreAs(ctx, score.ModalityTranscript, text)
			})
			if res.OK() {
				mu.Lock()
				transcript = text
				mu.Unlock()
			}
			record(score.ModalityTranscript, res, took)
			return nil
		})
	}
	_ = g.Wait()

	weights, policy := fusion.Select(in.Audio != nil, a.cfg.ImageText, a.cfg.VoiceImage)
	present := make(map[score.Modality]float64, len(outcomes))
	for m, o := range outcomes {
		if o.Result.OK() {
			present[m] = o.Result.Score
		}
	}

	conf := incident.Confidence{
		OverallScore: fusion.Fuse(present, weights),
		Policy:       policy,
		Modalities:   make(map[string]string, len(outcomes)),
		ComputedAt:   a.deps.Now().UTC(),
	}
	for m, o := range outcomes {
		conf.Modalities[string(m)] = o.Result.Status()
		if !o.Result.OK() {
			continue
		}
		v := incident.Float(o.Result.Score)
		switch m {
		case score.ModalityImage:
			conf.ImageScore = v
		case score.ModalityVoice:
			conf.VoiceStressScore = v
		case score.ModalityText:
			conf.TextScore = v
		case score.ModalityTranscript:
			conf.TranscriptScore = v
		}
	}
	conf.VoiceAnalysisDetails = features
	conf.Transcript = transcript

	span.SetAttributes(
		attribute.String("triage.policy", policy),
		attribute.Float64("triage.overall_score", conf.OverallScore),
		attribute.Int("triage.modalities", len(outcomes)),
	)
	return Report{
		AnalysisID: uuid.NewString(),
		Confidence: conf,
		Outcomes:   outcomes,
		Duration:   time.Since(start),
	}
}

// run executes fn under the modality timeout. A scorer that ignores its
// context is abandoned when the budget expires.
func (a *Analyzer) run(ctx context.Context, m score.Modality, fn func(context.Context) score.Result) (score.Result, time.Duration) {
	start := time.Now()
	ctx, span := a.deps.Telemetry.Tracer().Start(ctx, "triage.modality."+string(m))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ModalityTimeout)
	defer cancel()

	done := make(chan score.Result, 1)
	go func() {
		done <- score.Guard(m, func() score.Result { return fn(ctx) })
	}()
	var res score.Result
	select {
	case res = <-done:
		if res.Err != nil && errors.Is(res.Err, context.DeadlineExceeded) {
			res = score.Failure(m, fmt.Errorf("%w after %s", score.ErrTimeout, a.cfg.ModalityTimeout))
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = score.Failure(m, fmt.Errorf("%w after %s", score.ErrTimeout, a.cfg.ModalityTimeout))
		} else {
			res = score.Failure(m, ctx.Err())
		}
	}
	span.SetAttributes(attribute.String("triage.reason", res.Reason()))
	if !res.OK() {
		span.SetStatus(codes.Error, res.Reason())
	}
	return res, time.Since(start)
}

// Analyze evaluates the stored incident, decides its transition and
// applies both in one write. Lookup and write failures are returned;
// scorer failures are not.
func (a *Analyzer) Analyze(ctx context.Context, id string, reason events.Reason) (*Report, error) {
	if a.deps.Source == nil || a.deps.Sink == nil {
		return nil, errors.New("analysis: source and sink are required")
	}
	start := time.Now()
	ctx, span := a.deps.Telemetry.Tracer().Start(ctx, "triage.analyze")
	defer span.End()
	span.SetAttributes(telemetry.SafeAttributes(map[string]interface{}{
		"triage.incident_id": id,
		"triage.reason":      string(reason),
	})...)

	inc, err := a.deps.Source.Incident(ctx, id)
	if err != nil {
		a.deps.Metrics.ObserveError("lookup")
		span.SetStatus(codes.Error, "lookup")
		return nil, fmt.Errorf("load incident %s: %w", id, err)
	}
	img, aud, err := a.deps.Source.Media(ctx, id)
	if err != nil {
		a.deps.Metrics.ObserveError("lookup")
		span.SetStatus(codes.Error, "media")
		return nil, fmt.Errorf("load media for %s: %w", id, err)
	}

	rep := a.Evaluate(ctx, Input{Description: inc.Description, Image: img, Audio: aud})
	rep.IncidentID = id
	tr := triage.Next(inc.Status, rep.Confidence.OverallScore, inc.VerifiedAt, a.deps.Now())
	rep.Transition = &tr

	if err := a.deps.Sink.Apply(ctx, id, rep.Confidence, tr); err != nil {
		stage := "apply"
		if errors.Is(err, incident.ErrConflict) {
			stage = "conflict"
		}
		a.deps.Metrics.ObserveError(stage)
		span.SetStatus(codes.Error, stage)
		return nil, fmt.Errorf("apply analysis to %s: %w", id, err)
	}
	rep.Duration = time.Since(start)

	a.deps.Metrics.ObserveAnalysis(rep.Confidence.Policy, rep.Confidence.OverallScore, string(tr.From), string(tr.To), rep.Duration)
	a.deps.Telemetry.RecordAnalysis(ctx, rep.Confidence.Policy, string(tr.From), string(tr.To), rep.Duration)
	a.emit(ctx, reason, rep)

	fields := logrus.Fields{
		"incident_id":   id,
		"analysis_id":   rep.AnalysisID,
		"reason":        string(reason),
		"policy":        rep.Confidence.Policy,
		"overall_score": rep.Confidence.OverallScore,
		"from":          string(tr.From),
		"to":            string(tr.To),
		"took_ms":       rep.Duration.Milliseconds(),
	}
	for m, o := range rep.Outcomes {
		if !o.Result.OK() {
			fields[string(m)+"_error"] = o.Result.Reason()
		}
	}
	redact.WithFields(fields).Info("analysis applied")
	return &rep, nil
}

func (a *Analyzer) emit(ctx context.Context, reason events.Reason, rep Report) {
	if a.deps.Events == nil {
		return
	}
	mods := make(map[string]events.ModalityOutcome, len(rep.Outcomes))
	for m, o := range rep.Outcomes {
		out := events.ModalityOutcome{
			Present:   true,
			Status:    o.Result.Status(),
			Reason:    o.Result.Reason(),
			LatencyMs: float64(o.Latency) / float64(time.Millisecond),
		}
		if o.Result.OK() {
			out.Score = incident.Float(o.Result.Score)
		}
		mods[string(m)] = out
	}
	ev := events.BuildEvent(events.BuildParams{
		IncidentID:   rep.IncidentID,
		AnalysisID:   rep.AnalysisID,
		Reason:       reason,
		Policy:       rep.Confidence.Policy,
		OverallScore: rep.Confidence.OverallScore,
		Modalities:   mods,
		From:         string(rep.Transition.From),
		To:           string(rep.Transition.To),
		VerifiedAt:   rep.Transition.VerifiedAt,
		Duration:     rep.Duration,
		Now:          a.deps.Now(),
	})
	a.deps.Events.Emit(ctx, ev)
}
