package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/firemate/triage/internal/score"
)

// Normalization selects how 8-bit RGB values are mapped before inference.
type Normalization string

const (
	// NormNone feeds raw [0, 255] values; EfficientNetV2 Keras exports
	// rescale inside the graph.
	NormNone Normalization = "none"
	// NormUnit scales to [0, 1].
	NormUnit Normalization = "unit"
	// NormTF scales to [-1, 1].
	NormTF Normalization = "tf"
	// NormImageNet scales to [0, 1] then standardizes per channel.
	NormImageNet Normalization = "imagenet"
)

// Layout is the tensor memory order.
type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess describes the model input.
type Preprocess struct {
	Size          int           `yaml:"input_size"`
	Normalization Normalization `yaml:"normalization"`
	Layout        Layout        `yaml:"layout"`
}

func (p Preprocess) withDefaults() Preprocess {
	if p.Size <= 0 {
		p.Size = 224
	}
	if p.Normalization == "" {
		p.Normalization = NormNone
	}
	if p.Layout == "" {
		p.Layout = LayoutNHWC
	}
	p.Normalization = Normalization(strings.ToLower(string(p.Normalization)))
	p.Layout = Layout(strings.ToLower(string(p.Layout)))
	return p
}

// Validate rejects unknown normalization or layout names.
func (p Preprocess) Validate() error {
	p = p.withDefaults()
	switch p.Normalization {
	case NormNone, NormUnit, NormTF, NormImageNet:
	default:
		return fmt.Errorf("unknown normalization %q", p.Normalization)
	}
	switch p.Layout {
	case LayoutNHWC, LayoutNCHW:
	default:
		return fmt.Errorf("unknown layout %q", p.Layout)
	}
	return nil
}

// Decode parses PNG, JPEG, GIF or WebP bytes. Failures wrap
// score.ErrDecodeFailure.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image payload", score.ErrDecodeFailure)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", score.ErrDecodeFailure, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty %s image", score.ErrDecodeFailure, format)
	}
	return img, nil
}

// Tensor resizes img to the square input with bilinear filtering and
// returns a [1, S, S, 3] or [1, 3, S, S] float32 tensor body. Alpha is
// dropped; color models are converted to RGB.
func (p Preprocess) Tensor(img image.Image) []float32 {
	p = p.withDefaults()
	n := p.Size
	dst := image.NewRGBA(image.Rect(0, 0, n, n))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	out := make([]float32, 3*n*n)
	plane := n * n
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			off := dst.PixOffset(x, y)
			px := [3]float32{
				float32(dst.Pix[off]),
				float32(dst.Pix[off+1]),
				float32(dst.Pix[off+2]),
			}
			for c := 0; c < 3; c++ {
				v := p.normalize(px[c], c)
				if p.Layout == LayoutNCHW {
					out[c*plane+y*n+x] = v
				} else {
					out[(y*n+x)*3+c] = v
				}
			}
		}
	}
	return out
}

func (p Preprocess) normalize(v float32, channel int) float32 {
	switch p.Normalization {
	case NormUnit:
		return v / 255
	case NormTF:
		return v/127.5 - 1
	case NormImageNet:
		return (v/255 - imagenetMean[channel]) / imagenetStd[channel]
	default:
		return v
	}
}

// Shape returns the tensor dimensions for one image.
func (p Preprocess) Shape() []int64 {
	p = p.withDefaults()
	s := int64(p.Size)
	if p.Layout == LayoutNCHW {
		return []int64{1, 3, s, s}
	}
	return []int64{1, s, s, 3}
}
