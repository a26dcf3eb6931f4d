package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CanonicalFormat is the container every clip is normalized to before
// feature extraction.
const CanonicalFormat = "wav"

// Transcoder demuxes and decodes an arbitrary audio container to PCM WAV.
type Transcoder interface {
	ToWAV(ctx context.Context, data []byte, sourceFormat string) ([]byte, error)
}

// FFmpegTranscoder shells out to ffmpeg. Input is staged in a temp file so
// containers that need seeking (m4a with a trailing moov atom) still decode.
type FFmpegTranscoder struct {
	Path       string
	SampleRate int // 0 keeps the source rate
	TempDir    string
}

// NewFFmpegTranscoder returns a transcoder using the given binary, or
// "ffmpeg" from PATH when empty.
func NewFFmpegTranscoder(path string, sampleRate int) *FFmpegTranscoder {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	return &FFmpegTranscoder{Path: path, SampleRate: sampleRate}
}

func (t *FFmpegTranscoder) ToWAV(ctx context.Context, data []byte, sourceFormat string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty %s payload", sourceFormat)
	}
	dir, err := os.MkdirTemp(t.TempDir, "triage-audio-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := sanitizeFormat(sourceFormat)
	if ext == "" {
		ext = "bin"
	}
	src := filepath.Join(dir, "src."+ext)
	dst := filepath.Join(dir, "out.wav")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, fmt.Errorf("stage source audio: %w", err)
	}

	args := []string{"-y", "-loglevel", "error", "-i", src, "-ac", "1"}
	if t.SampleRate > 0 {
		args = append(args, "-ar", fmt.Sprint(t.SampleRate))
	}
	args = append(args, "-acodec", "pcm_s16le", "-f", "wav", dst)

	cmd := exec.CommandContext(ctx, t.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg %s->wav: %v: %s", ext, err, strings.TrimSpace(stderr.String()))
	}

	out, err := os.ReadFile(dst)
	if err != nil {
		return nil, fmt.Errorf("read transcoded wav: %w", err)
	}
	return out, nil
}

func sanitizeFormat(f string) string {
	f = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(f, ".")))
	var b strings.Builder
	for _, r := range f {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isCanonical(format string) bool {
	switch sanitizeFormat(format) {
	case "wav", "wave":
		return true
	}
	return false
}

func looksLikeWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}
