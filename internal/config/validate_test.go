package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/firemate/triage/internal/events"
	"github.com/firemate/triage/internal/fusion"
	"github.com/firemate/triage/internal/score"
)

func validConfig() *Config {
	return defaultConfig()
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing server addr",
			mutate: func(c *Config) { c.Server.Addr = "" },
			want:   "server.addr",
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			want:   "logging.format",
		},
		{
			name:   "weights do not sum to one",
			mutate: func(c *Config) { c.Fusion.ImageText = fusion.Weights{score.ModalityImage: 0.6, score.ModalityText: 0.3} },
			want:   "fusion.image_text",
		},
		{
			name:   "negative weight",
			mutate: func(c *Config) { c.Fusion.VoiceImage = fusion.Weights{score.ModalityVoice: 1.2, score.ModalityImage: -0.2} },
			want:   "fusion.voice_image",
		},
		{
			name:   "frame length not a power of two",
			mutate: func(c *Config) { c.Audio.FrameLength = 2000 },
			want:   "frame_length",
		},
		{
			name:   "fmax above nyquist",
			mutate: func(c *Config) { c.Audio.SampleRate = 8000; c.Audio.FMax = 4001 },
			want:   "Nyquist",
		},
		{
			name:   "negative top k",
			mutate: func(c *Config) { k := -1; c.Models.Image.TopK = &k },
			want:   "top_k",
		},
		{
			name:   "zero modality timeout",
			mutate: func(c *Config) { c.Analysis.ModalityTimeout = -time.Second },
			want:   "modality_timeout",
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Store.Driver = "postgres" },
			want:   "store.dsn",
		},
		{
			name:   "media without bucket",
			mutate: func(c *Config) { c.Media.Endpoint = "minio:9000" },
			want:   "media.bucket",
		},
		{
			name: "webhook sink without scheme",
			mutate: func(c *Config) {
				c.Events.Enabled = true
				c.Events.Sinks = []events.SinkConfig{{Type: "webhook", URL: "example.com/hook"}}
			},
			want: "invalid url",
		},
		{
			name: "unknown sink",
			mutate: func(c *Config) {
				c.Events.Enabled = true
				c.Events.Sinks = []events.SinkConfig{{Type: "kafka"}}
			},
			want: "unknown type",
		},
		{
			name:   "telemetry without endpoint",
			mutate: func(c *Config) { c.Telemetry.Enabled = true },
			want:   "endpoint",
		},
		{
			name: "transcription without sentiment model",
			mutate: func(c *Config) {
				c.Transcription.Enabled = true
				c.Transcription.URL = "http://asr:8000"
			},
			want: "models.sentiment",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis.ModalityTimeout != 5*time.Second {
		t.Fatalf("expected 5s modality timeout, got %s", cfg.Analysis.ModalityTimeout)
	}
	if cfg.Fusion.ImageText[score.ModalityImage] != 0.7 {
		t.Fatalf("expected default image weight 0.7, got %v", cfg.Fusion.ImageText)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.yaml")
	data := `
server:
  addr: ":9191"
logging:
  level: debug
  format: json
models:
  image:
    dir: /models/efficientnetv2
    input_size: 260
    normalization: unit
    top_k: 0
    keywords: [fire, smoke]
  sentiment:
    dir: /models/distilbert-sst2
    max_tokens: 256
audio:
  frame_length: 1024
  hop_length: 256
  ffmpeg_path: /usr/bin/ffmpeg
analysis:
  modality_timeout: 2500ms
fusion:
  image_text: {image: 0.6, text: 0.4}
store:
  driver: redis
  redis:
    addr: redis:6379
events:
  enabled: true
  sinks:
    - type: file_jsonl
      path: /var/log/triage/events.jsonl
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Server.Addr != ":9191" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected server/logging: %+v %+v", cfg.Server, cfg.Logging)
	}
	if cfg.Models.Image.Dir != "/models/efficientnetv2" || cfg.Models.Image.Preprocess.Size != 260 {
		t.Fatalf("image model not decoded: %+v", cfg.Models.Image)
	}
	if cfg.Models.Image.TopK == nil || *cfg.Models.Image.TopK != 0 {
		t.Fatalf("expected explicit top_k 0")
	}
	if len(cfg.Models.Image.ImageOptions()) != 2 {
		t.Fatalf("expected two image options")
	}
	if cfg.Models.Sentiment.MaxTokens != 256 {
		t.Fatalf("max_tokens = %d", cfg.Models.Sentiment.MaxTokens)
	}
	if cfg.Audio.FrameLength != 1024 || cfg.Audio.HopLength != 256 || cfg.Audio.NMels != 128 {
		t.Fatalf("audio not decoded with defaults: %+v", cfg.Audio)
	}
	if cfg.Analysis.ModalityTimeout != 2500*time.Millisecond {
		t.Fatalf("modality_timeout = %s", cfg.Analysis.ModalityTimeout)
	}
	if cfg.Fusion.ImageText[score.ModalityText] != 0.4 {
		t.Fatalf("fusion not decoded: %v", cfg.Fusion.ImageText)
	}
	if cfg.Fusion.VoiceImage[score.ModalityVoice] != 0.7 {
		t.Fatalf("voice_image default missing: %v", cfg.Fusion.VoiceImage)
	}
	if cfg.Store.Driver != "redis" || cfg.Store.Redis.Addr != "redis:6379" {
		t.Fatalf("store not decoded: %+v", cfg.Store)
	}
	if got := cfg.Events.Emitter(); got.QueueSize != 1000 || got.DeliverTimeout != 5*time.Second {
		t.Fatalf("emitter defaults: %+v", got)
	}
}
