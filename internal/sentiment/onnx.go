package sentiment

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/firemate/triage/internal/onnx"
	"github.com/firemate/triage/internal/redact"
	"github.com/firemate/triage/internal/score"
)

const defaultMaxTokens = 128

// ModelConfig locates an exported sequence classifier (DistilBERT SST-2
// by default) together with its vocab.txt.
type ModelConfig struct {
	Dir       string `yaml:"dir"`
	Model     string `yaml:"model"`
	Vocab     string `yaml:"vocab"`
	Output    string `yaml:"output"`
	MaxTokens int    `yaml:"max_tokens"`
	Sessions  int    `yaml:"sessions"`
}

// ONNXClassifier runs a BERT-family binary classifier through onnxruntime.
type ONNXClassifier struct {
	tokenizer *onnx.WordPiece
	labels    []Label
	seqLen    int
	sessions  *onnx.Pool[*textSession]
	name      string
}

type textSession struct {
	session   *ort.AdvancedSession
	inputIDs  *ort.Tensor[int64]
	attention *ort.Tensor[int64]
	typeIDs   *ort.Tensor[int64]
	logits    *ort.Tensor[float32]
}

func (s *textSession) destroy() {
	if s.session != nil {
		_ = s.session.Destroy()
	}
	for _, t := range []*ort.Tensor[int64]{s.inputIDs, s.attention, s.typeIDs} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if s.logits != nil {
		_ = s.logits.Destroy()
	}
}

// LoadONNXClassifier opens a pool of sessions over the model in cfg.Dir.
func LoadONNXClassifier(cfg ModelConfig, rt onnx.Runtime) (*ONNXClassifier, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("%w: sentiment model dir is empty", score.ErrModelUnavailable)
	}
	if err := onnx.Init(rt, cfg.Dir); err != nil {
		return nil, fmt.Errorf("%w: %v", score.ErrModelUnavailable, err)
	}
	seqLen := cfg.MaxTokens
	if seqLen <= 0 {
		seqLen = defaultMaxTokens
	}

	var (
		tok *onnx.WordPiece
		err error
	)
	if cfg.Vocab != "" {
		tok, err = onnx.LoadWordPiece(filepath.Join(cfg.Dir, cfg.Vocab))
	} else {
		tok, err = onnx.FindWordPiece(cfg.Dir)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: tokenizer: %v", score.ErrModelUnavailable, err)
	}

	labels := []Label{Negative, Positive}
	if names, err := onnx.FindLabels(cfg.Dir); err == nil {
		if labels, err = parseLabels(names); err != nil {
			return nil, fmt.Errorf("%w: %v", score.ErrModelUnavailable, err)
		}
	}

	modelPath := filepath.Join(cfg.Dir, firstNonEmpty(cfg.Model, "model.onnx"))
	info, err := onnx.InspectModel(modelPath, firstNonEmpty(cfg.Output, "logits"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", score.ErrModelUnavailable, err)
	}
	for _, name := range []string{"input_ids", "attention_mask"} {
		if !info.HasInput(name) {
			return nil, fmt.Errorf("%w: model has no %s input (inputs %v)", score.ErrModelUnavailable, name, info.InputNames)
		}
	}
	withTypes := info.HasInput("token_type_ids")
	outShape := onnx.Shape(info.OutputDims, 1, int64(len(labels)))
	if outShape.FlattenedSize() != int64(len(labels)) {
		return nil, fmt.Errorf("%w: output %v does not match %d labels", score.ErrModelUnavailable, outShape, len(labels))
	}

	inShape := ort.NewShape(1, int64(seqLen))
	build := func(int) (*textSession, error) {
		opts, err := onnx.NewSessionOptions(rt)
		if err != nil {
			return nil, err
		}
		defer opts.Destroy()
		ss := &textSession{}
		if ss.inputIDs, err = ort.NewEmptyTensor[int64](inShape); err != nil {
			return nil, fmt.Errorf("allocate input_ids: %w", err)
		}
		if ss.attention, err = ort.NewEmptyTensor[int64](inShape); err != nil {
			ss.destroy()
			return nil, fmt.Errorf("allocate attention_mask: %w", err)
		}
		inputNames := []string{"input_ids", "attention_mask"}
		inputs := []ort.Value{ss.inputIDs, ss.attention}
		if withTypes {
			if ss.typeIDs, err = ort.NewEmptyTensor[int64](inShape); err != nil {
				ss.destroy()
				return nil, fmt.Errorf("allocate token_type_ids: %w", err)
			}
			inputNames = append(inputNames, "token_type_ids")
			inputs = append(inputs, ss.typeIDs)
		}
		if ss.logits, err = ort.NewEmptyTensor[float32](outShape); err != nil {
			ss.destroy()
			return nil, fmt.Errorf("allocate logits: %w", err)
		}
		ss.session, err = ort.NewAdvancedSession(modelPath, inputNames, []string{info.OutputName},
			inputs, []ort.Value{ss.logits}, opts)
		if err != nil {
			ss.destroy()
			return nil, fmt.Errorf("create onnx session: %w", err)
		}
		return ss, nil
	}
	pool, err := onnx.NewPool(cfg.Sessions, build, (*textSession).destroy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", score.ErrModelUnavailable, err)
	}

	redact.Logf("sentiment: loaded %s seq_len=%d labels=%v sessions=%d", filepath.Base(modelPath), seqLen, labels, pool.Size())
	return &ONNXClassifier{
		tokenizer: tok,
		labels:    labels,
		seqLen:    seqLen,
		sessions:  pool,
		name:      filepath.Base(modelPath),
	}, nil
}

func parseLabels(names []string) ([]Label, error) {
	if len(names) != 2 {
		return nil, fmt.Errorf("sentiment head must have 2 labels, got %d", len(names))
	}
	out := make([]Label, len(names))
	for i, n := range names {
		l, err := ParseLabel(n)
		if err != nil {
			return nil, err
		}
		out[i] = l
	}
	if out[0] == out[1] {
		return nil, fmt.Errorf("duplicate sentiment label %s", out[0])
	}
	return out, nil
}

// Classify returns the argmax label and its softmax probability.
func (c *ONNXClassifier) Classify(ctx context.Context, text string) (Label, float64, error) {
	if c == nil || c.sessions == nil {
		return "", 0, score.ErrModelUnavailable
	}
	ids, mask := c.tokenizer.Encode(text, c.seqLen)

	ss, err := c.sessions.Acquire(ctx)
	if err != nil {
		if errors.Is(err, onnx.ErrPoolClosed) {
			return "", 0, score.ErrModelUnavailable
		}
		return "", 0, err
	}
	defer c.sessions.Release(ss)

	copy(ss.inputIDs.GetData(), ids)
	copy(ss.attention.GetData(), mask)
	if ss.typeIDs != nil {
		clear(ss.typeIDs.GetData())
	}
	if err := ss.session.Run(); err != nil {
		return "", 0, fmt.Errorf("%w: onnx run: %v", score.ErrModelInference, err)
	}
	probs := onnx.Softmax(ss.logits.GetData())
	best := 0
	for i := range probs {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return c.labels[best], probs[best], nil
}

// Warmup runs one inference on a fixed sentence.
func (c *ONNXClassifier) Warmup(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, _, err := c.Classify(ctx, "warmup"); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Name is the model file name.
func (c *ONNXClassifier) Name() string { return c.name }

// Close destroys idle sessions.
func (c *ONNXClassifier) Close() {
	if c == nil || c.sessions == nil {
		return
	}
	c.sessions.Close((*textSession).destroy)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
