package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firemate/triage/internal/audio"
	"github.com/firemate/triage/internal/events"
	"github.com/firemate/triage/internal/fusion"
	"github.com/firemate/triage/internal/incident"
	"github.com/firemate/triage/internal/metrics"
	"github.com/firemate/triage/internal/score"
	"github.com/firemate/triage/internal/store"
	"github.com/firemate/triage/internal/transcribe"
	"github.com/firemate/triage/internal/voicestress"
)

var fixedNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

type imageFunc func(ctx context.Context, data []byte) score.Result

func (f imageFunc) Score(ctx context.Context, data []byte) score.Result { return f(ctx, data) }

type voiceFunc func(ctx context.Context, data []byte, format string) voicestress.Analysis

func (f voiceFunc) Score(ctx context.Context, data []byte, format string) voicestress.Analysis {
	return f(ctx, data, format)
}

type textFunc func(ctx context.Context, m score.Modality, text string) score.Result

func (f textFunc) ScoreAs(ctx context.Context, m score.Modality, text string) score.Result {
	return f(ctx, m, text)
}

type transcriberFunc func(ctx context.Context, audio []byte, format string) (*transcribe.Response, error)

func (f transcriberFunc) Transcribe(ctx context.Context, audio []byte, format string) (*transcribe.Response, error) {
	return f(ctx, audio, format)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *capturePublisher) Emit(_ context.Context, ev *events.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func fixedImage(v float64) ImageScorer {
	return imageFunc(func(context.Context, []byte) score.Result { return score.Success(score.ModalityImage, v) })
}

func failingImage() ImageScorer {
	return imageFunc(func(context.Context, []byte) score.Result {
		return score.Failure(score.ModalityImage, score.ErrDecodeFailure)
	})
}

func fixedText(v float64) TextScorer {
	return textFunc(func(_ context.Context, m score.Modality, text string) score.Result {
		if text == "" {
			return score.Success(m, 0)
		}
		return score.Success(m, v)
	})
}

func fixedVoice(v float64) VoiceScorer {
	return voiceFunc(func(context.Context, []byte, string) voicestress.Analysis {
		return voicestress.Analysis{
			Result:   score.Success(score.ModalityVoice, v),
			Features: &audio.Features{PitchMean: 220, SpeechRate: 800},
		}
	})
}

func failingVoice() VoiceScorer {
	return voiceFunc(func(context.Context, []byte, string) voicestress.Analysis {
		return voicestress.Analysis{Result: score.Failure(score.ModalityVoice, score.ErrDecodeFailure)}
	})
}

var (
	pngMedia = incident.RawMedia{Kind: incident.MediaImage, Format: "png", Data: []byte("png")}
	wavMedia = incident.RawMedia{Kind: incident.MediaAudio, Format: "wav", Data: []byte("wav")}
)

func newAnalyzer(t *testing.T, deps Deps) *Analyzer {
	t.Helper()
	if deps.Now == nil {
		deps.Now = func() time.Time { return fixedNow }
	}
	a, err := New(deps, Config{ModalityTimeout: time.Second})
	require.NoError(t, err)
	return a
}

func TestAnalyzeImageTextVerifies(t *testing.T) {
	mem := store.NewMemory()
	mem.Put(incident.Incident{ID: "inc-1", Description: "Warehouse on fire", Status: incident.StatusPending}, pngMedia)
	pub := &capturePublisher{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	a := newAnalyzer(t, Deps{Source: mem, Sink: mem, Image: fixedImage(80), Text: fixedText(100), Events: pub, Metrics: m})
	rep, err := a.Analyze(context.Background(), "inc-1", events.ReasonCreated)
	require.NoError(t, err)

	assert.InDelta(t, 86, rep.Confidence.OverallScore, 1e-9)
	assert.Equal(t, fusion.PolicyImageText, rep.Confidence.Policy)
	require.NotNil(t, rep.Confidence.ImageScore)
	assert.Equal(t, 80.0, *rep.Confidence.ImageScore)
	assert.Nil(t, rep.Confidence.VoiceStressScore)
	assert.Equal(t, "Success", rep.Confidence.Modalities["image"])

	inc, err := mem.Incident(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusVerified, inc.Status)
	require.NotNil(t, inc.VerifiedAt)
	assert.True(t, inc.VerifiedAt.Equal(fixedNow))

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, "inc-1", ev.IncidentID)
	assert.Equal(t, rep.AnalysisID, ev.AnalysisID)
	assert.Equal(t, events.ReasonCreated, ev.Reason)
	assert.True(t, ev.Transition.Changed)
	assert.Empty(t, ev.FailedModalities())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("PENDING", "VERIFIED")))
}

func TestCorruptImageStillFusesText(t *testing.T) {
	mem := store.NewMemory()
	mem.Put(incident.Incident{ID: "inc-2", Description: "help", Status: incident.StatusPending}, pngMedia)
	pub := &capturePublisher{}

	a := newAnalyzer(t, Deps{Source: mem, Sink: mem, Image: failingImage(), Text: fixedText(90), Events: pub})
	rep, err := a.Analyze(context.Background(), "inc-2", events.ReasonMediaAdded)
	require.NoError(t, err)

	assert.InDelta(t, 27, rep.Confidence.OverallScore, 1e-9)
	assert.Nil(t, rep.Confidence.ImageScore)
	assert.Contains(t, rep.Confidence.Modalities["image"], "Error:")
	assert.Equal(t, incident.StatusPending, rep.Transition.To)
	assert.Equal(t, []string{"image"}, pub.events[0].FailedModalities())
}

func TestAllModalitiesFailingRejects(t *testing.T) {
	mem := store.NewMemory()
	mem.Put(incident.Incident{ID: "inc-3", Description: "x", Status: incident.StatusPending}, pngMedia, wavMedia)
	broken := textFunc(func(_ context.Context, m score.Modality, _ string) score.Result {
		return score.Failure(m, score.ErrModelUnavailable)
	})

	a := newAnalyzer(t, Deps{Source: mem, Sink: mem, Image: failingImage(), Voice: failingVoice(), Text: broken})
	rep, err := a.Analyze(context.Background(), "inc-3", events.ReasonCreated)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rep.Confidence.OverallScore)
	assert.Equal(t, incident.StatusRejected, rep.Transition.To)
	assert.Nil(t, rep.Transition.VerifiedAt)
}

func TestVoiceNoteSelectsVoiceImageEvenWhenVoiceFails(t *testing.T) {
	a := newAnalyzer(t, Deps{Image: fixedImage(100), Voice: failingVoice(), Text: fixedText(100)})
	rep := a.Evaluate(context.Background(), Input{Description: "fire", Image: &pngMedia, Audio: &wavMedia})
	assert.Equal(t, fusion.PolicyVoiceImage, rep.Confidence.Policy)
	assert.InDelta(t, 30, rep.Confidence.OverallScore, 1e-9)
	require.NotNil(t, rep.Confidence.TextScore)
	assert.Nil(t, rep.Confidence.VoiceAnalysisDetails)
}

func TestVoiceImageFusion(t *testing.T) {
	a := newAnalyzer(t, Deps{Image: fixedImage(50), Voice: fixedVoice(100), Text: fixedText(0)})
	rep := a.Evaluate(context.Background(), Input{Image: &pngMedia, Audio: &wavMedia})
	assert.InDelta(t, 85, rep.Confidence.OverallScore, 1e-9)
	require.NotNil(t, rep.Confidence.VoiceAnalysisDetails)
	assert.Equal(t, 800, rep.Confidence.VoiceAnalysisDetails.SpeechRate)
	require.NotNil(t, rep.Confidence.VoiceStressScore)
	assert.Equal(t, 100.0, *rep.Confidence.VoiceStressScore)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	a := newAnalyzer(t, Deps{Image: fixedImage(63.5), Voice: fixedVoice(41), Text: fixedText(12)})
	in := Input{Description: "smoke", Image: &pngMedia, Audio: &wavMedia}
	first := a.Evaluate(context.Background(), in)
	for i := 0; i < 5; i++ {
		again := a.Evaluate(context.Background(), in)
		assert.Equal(t, first.Confidence.OverallScore, again.Confidence.OverallScore)
		assert.Equal(t, first.Confidence.Modalities, again.Confidence.Modalities)
	}
}

func TestTerminalStatusKeepsVerifiedAt(t *testing.T) {
	stamp := fixedNow.Add(-time.Hour)
	mem := store.NewMemory()
	mem.Put(incident.Incident{ID: "inc-4", Description: "", Status: incident.StatusVerified, VerifiedAt: &stamp})

	a := newAnalyzer(t, Deps{Source: mem, Sink: mem, Text: fixedText(0)})
	rep, err := a.Analyze(context.Background(), "inc-4", events.ReasonReverify)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusVerified, rep.Transition.To)

	inc, _ := mem.Incident(context.Background(), "inc-4")
	assert.Equal(t, incident.StatusVerified, inc.Status)
	require.NotNil(t, inc.VerifiedAt)
	assert.True(t, inc.VerifiedAt.Equal(stamp))
	conf, ok := mem.Confidence("inc-4")
	require.True(t, ok)
	assert.Equal(t, 0.0, conf.OverallScore)
}

func TestSlowScorerTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := imageFunc(func(context.Context, []byte) score.Result {
		<-release
		return score.Success(score.ModalityImage, 100)
	})
	a, err := New(Deps{Image: slow, Text: fixedText(50), Now: func() time.Time { return fixedNow }},
		Config{ModalityTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	rep := a.Evaluate(context.Background(), Input{Description: "fire", Image: &pngMedia})
	assert.Equal(t, "timeout", rep.Outcomes[score.ModalityImage].Result.Reason())
	assert.Nil(t, rep.Confidence.ImageScore)
	assert.InDelta(t, 15, rep.Confidence.OverallScore, 1e-9)
}

func TestPanickingScorerIsAbsent(t *testing.T) {
	boom := imageFunc(func(context.Context, []byte) score.Result { panic("nil tensor") })
	a := newAnalyzer(t, Deps{Image: boom, Text: fixedText(100)})
	rep := a.Evaluate(context.Background(), Input{Description: "fire", Image: &pngMedia})
	assert.Equal(t, "model_inference_error", rep.Outcomes[score.ModalityImage].Result.Reason())
	assert.InDelta(t, 30, rep.Confidence.OverallScore, 1e-9)
}

func TestTranscriptIsRecordedNotFused(t *testing.T) {
	asr := transcriberFunc(func(context.Context, []byte, string) (*transcribe.Response, error) {
		return &transcribe.Response{Text: "please help"}, nil
	})
	a := newAnalyzer(t, Deps{Voice: fixedVoice(40), Text: fixedText(90), Transcriber: asr})
	rep := a.Evaluate(context.Background(), Input{Description: "fire", Audio: &wavMedia})

	require.NotNil(t, rep.Confidence.TranscriptScore)
	assert.Equal(t, 90.0, *rep.Confidence.TranscriptScore)
	assert.Equal(t, "please help", rep.Confidence.Transcript)
	assert.InDelta(t, 28, rep.Confidence.OverallScore, 1e-9)
}

func TestTranscriptionFailureIsAbsent(t *testing.T) {
	asr := transcriberFunc(func(context.Context, []byte, string) (*transcribe.Response, error) {
		return nil, errors.New("asr 503")
	})
	a := newAnalyzer(t, Deps{Voice: fixedVoice(40), Text: fixedText(90), Transcriber: asr})
	rep := a.Evaluate(context.Background(), Input{Audio: &wavMedia})
	assert.Nil(t, rep.Confidence.TranscriptScore)
	assert.Empty(t, rep.Confidence.Transcript)
	assert.Equal(t, "model_inference_error", rep.Outcomes[score.ModalityTranscript].Result.Reason())
}

type racingSink struct {
	*store.Memory
}

func (s racingSink) Apply(ctx context.Context, id string, c incident.Confidence, t incident.Transition) error {
	_ = s.SetStatus(id, incident.StatusInProgress)
	return s.Memory.Apply(ctx, id, c, t)
}

func TestConcurrentStatusChangeConflicts(t *testing.T) {
	mem := store.NewMemory()
	mem.Put(incident.Incident{ID: "inc-5", Status: incident.StatusPending})
	pub := &capturePublisher{}
	a := newAnalyzer(t, Deps{Source: mem, Sink: racingSink{mem}, Text: fixedText(100), Events: pub})

	_, err := a.Analyze(context.Background(), "inc-5", events.ReasonCreated)
	assert.ErrorIs(t, err, incident.ErrConflict)
	assert.Empty(t, pub.events)
	inc, _ := mem.Incident(context.Background(), "inc-5")
	assert.Equal(t, incident.StatusInProgress, inc.Status)
}

func TestAnalyzeUnknownIncident(t *testing.T) {
	mem := store.NewMemory()
	a := newAnalyzer(t, Deps{Source: mem, Sink: mem})
	_, err := a.Analyze(context.Background(), "missing", events.ReasonManual)
	assert.ErrorIs(t, err, incident.ErrNotFound)
}

func TestNewRejectsBadWeights(t *testing.T) {
	_, err := New(Deps{}, Config{ImageText: fusion.Weights{score.ModalityImage: 0.5}})
	assert.Error(t, err)
	_, err = New(Deps{}, Config{})
	assert.NoError(t, err)
}
