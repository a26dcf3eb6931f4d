package imaging

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/firemate/triage/internal/onnx"
	"github.com/firemate/triage/internal/redact"
	"github.com/firemate/triage/internal/score"
)

// ModelConfig locates an exported image classifier.
type ModelConfig struct {
	Dir        string     `yaml:"dir"`
	Model      string     `yaml:"model"`
	Labels     string     `yaml:"labels"`
	Output     string     `yaml:"output"`
	Sessions   int        `yaml:"sessions"`
	Preprocess Preprocess `yaml:",inline"`
}

// ONNXClassifier runs an ImageNet-style classifier through onnxruntime.
type ONNXClassifier struct {
	pre      Preprocess
	labels   []string
	sessions *onnx.Pool[*imageSession]
	name     string
}

type imageSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *imageSession) destroy() {
	if s.session != nil {
		_ = s.session.Destroy()
	}
	if s.input != nil {
		_ = s.input.Destroy()
	}
	if s.output != nil {
		_ = s.output.Destroy()
	}
}

// LoadONNXClassifier initializes the runtime (if needed) and opens a pool
// of sessions over the model.
func LoadONNXClassifier(cfg ModelConfig, rt onnx.Runtime) (*ONNXClassifier, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("%w: image model dir is empty", score.ErrModelUnavailable)
	}
	pre := cfg.Preprocess.withDefaults()
	if err := pre.Validate(); err != nil {
		return nil, err
	}
	if err := onnx.Init(rt, cfg.Dir); err != nil {
		return nil, fmt.Errorf("%w: %v", score.ErrModelUnavailable, err)
	}

	modelPath := filepath.Join(cfg.Dir, firstNonEmpty(cfg.Model, "model.onnx"))
	info, err := onnx.InspectModel(modelPath, firstNonEmpty(cfg.Output, "logits"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", score.ErrModelUnavailable, err)
	}

	var labels []string
	if cfg.Labels != "" {
		labels, err = onnx.LoadLabels(filepath.Join(cfg.Dir, cfg.Labels))
	} else {
		labels, err = onnx.FindLabels(cfg.Dir)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load labels: %v", score.ErrModelUnavailable, err)
	}

	inShape := ort.Shape(pre.Shape())
	outShape := onnx.Shape(info.OutputDims, 1, int64(len(labels)))
	if n := outShape.FlattenedSize(); n != int64(len(labels)) && n != int64(len(labels))+1 {
		return nil, fmt.Errorf("%w: output %v does not match %d labels", score.ErrModelUnavailable, outShape, len(labels))
	}

	build := func(int) (*imageSession, error) {
		opts, err := onnx.NewSessionOptions(rt)
		if err != nil {
			return nil, err
		}
		defer opts.Destroy()
		ss := &imageSession{}
		if ss.input, err = ort.NewEmptyTensor[float32](inShape); err != nil {
			return nil, fmt.Errorf("allocate input tensor: %w", err)
		}
		if ss.output, err = ort.NewEmptyTensor[float32](outShape); err != nil {
			ss.destroy()
			return nil, fmt.Errorf("allocate output tensor: %w", err)
		}
		ss.session, err = ort.NewAdvancedSession(modelPath,
			[]string{info.InputName}, []string{info.OutputName},
			[]ort.Value{ss.input}, []ort.Value{ss.output}, opts)
		if err != nil {
			ss.destroy()
			return nil, fmt.Errorf("create onnx session: %w", err)
		}
		return ss, nil
	}
	pool, err := onnx.NewPool(cfg.Sessions, build, (*imageSession).destroy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", score.ErrModelUnavailable, err)
	}

	redact.Logf("imaging: loaded %s input=%s%v labels=%d sessions=%d", filepath.Base(modelPath), info.InputName, inShape, len(labels), pool.Size())
	return &ONNXClassifier{
		pre:      pre,
		labels:   labels,
		sessions: pool,
		name:     filepath.Base(modelPath),
	}, nil
}

// Classify returns the softmax distribution over the model's labels. When
// the graph already ends in a softmax the output is used as is.
func (c *ONNXClassifier) Classify(ctx context.Context, img image.Image) ([]Prediction, error) {
	if c == nil || c.sessions == nil {
		return nil, score.ErrModelUnavailable
	}
	tensor := c.pre.Tensor(img)

	ss, err := c.sessions.Acquire(ctx)
	if err != nil {
		if errors.Is(err, onnx.ErrPoolClosed) {
			return nil, score.ErrModelUnavailable
		}
		return nil, err
	}
	defer c.sessions.Release(ss)

	copy(ss.input.GetData(), tensor)
	if err := ss.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: onnx run: %v", score.ErrModelInference, err)
	}
	raw := ss.output.GetData()
	// TF Hub exports carry an extra background class at index 0.
	if len(raw) == len(c.labels)+1 {
		raw = raw[1:]
	}
	var probs []float64
	if onnx.LooksLikeProbabilities(raw) {
		probs = make([]float64, len(raw))
		for i, v := range raw {
			probs[i] = float64(v)
		}
	} else {
		probs = onnx.Softmax(raw)
	}

	out := make([]Prediction, 0, len(probs))
	for i, p := range probs {
		if i >= len(c.labels) {
			break
		}
		out = append(out, Prediction{Label: c.labels[i], Probability: p})
	}
	return out, nil
}

// Warmup runs one inference on a blank frame.
func (c *ONNXClassifier) Warmup(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	blank := image.NewRGBA(image.Rect(0, 0, c.pre.Size, c.pre.Size))
	if _, err := c.Classify(ctx, blank); err != nil {
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
	c.sessions.Close((*imageSession).destroy)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
