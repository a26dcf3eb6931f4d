package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/firemate/triage/internal/audio"
	"github.com/firemate/triage/internal/events"
	"github.com/firemate/triage/internal/fusion"
	"github.com/firemate/triage/internal/imaging"
	"github.com/firemate/triage/internal/mediastore"
	"github.com/firemate/triage/internal/onnx"
	"github.com/firemate/triage/internal/sentiment"
	"github.com/firemate/triage/internal/store"
	"github.com/firemate/triage/internal/telemetry"
	"github.com/firemate/triage/internal/transcribe"
	"github.com/firemate/triage/internal/trigger"
)

// Config holds the triage service configuration.
type Config struct {
	Server        ServerConfig      `yaml:"server"`
	Logging       LoggingConfig     `yaml:"logging"`
	Models        ModelsConfig      `yaml:"models"`
	Audio         AudioConfig       `yaml:"audio"`
	Analysis      AnalysisConfig    `yaml:"analysis"`
	Fusion        FusionConfig      `yaml:"fusion"`
	Store         store.Config      `yaml:"store"`
	Media         mediastore.Config `yaml:"media"`
	Trigger       TriggerConfig     `yaml:"trigger"`
	Events        EventsConfig      `yaml:"events"`
	Telemetry     telemetry.Config  `yaml:"telemetry"`
	Transcription transcribe.Config `yaml:"transcription"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // ops listener for /healthz and /metrics, e.g. ":9090"
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type ModelsConfig struct {
	Runtime   onnx.Runtime          `yaml:"runtime"`
	Image     ImageModelConfig      `yaml:"image"`
	Sentiment sentiment.ModelConfig `yaml:"sentiment"`
	Warmup    bool                  `yaml:"warmup"`
}

type ImageModelConfig struct {
	imaging.ModelConfig `yaml:",inline"`
	TopK                *int     `yaml:"top_k"` // nil keeps the default; 0 considers every class
	Keywords            []string `yaml:"keywords"`
}

type AudioConfig struct {
	audio.Config `yaml:",inline"`
	FFmpegPath   string `yaml:"ffmpeg_path"`
	SampleRate   int    `yaml:"sample_rate"`
}

type AnalysisConfig struct {
	ModalityTimeout time.Duration `yaml:"modality_timeout"`
}

type FusionConfig struct {
	ImageText  fusion.Weights `yaml:"image_text"`
	VoiceImage fusion.Weights `yaml:"voice_image"`
}

type TriggerConfig struct {
	trigger.Config `yaml:",inline"`
	// Redis defaults to store.redis when empty.
	Redis store.RedisConfig `yaml:"redis"`
}

type EventsConfig struct {
	Enabled           bool                `yaml:"enabled"`
	QueueSize         int                 `yaml:"queue_size"`
	Workers           int                 `yaml:"workers"`
	ShutdownTimeoutMs int                 `yaml:"shutdown_timeout_ms"`
	DeliverTimeoutMs  int                 `yaml:"deliver_timeout_ms"`
	Sinks             []events.SinkConfig `yaml:"sinks"`
}

// Emitter converts the section into emitter settings.
func (e EventsConfig) Emitter() events.EmitterConfig {
	return events.EmitterConfig{
		QueueSize:       e.QueueSize,
		Workers:         e.Workers,
		ShutdownTimeout: time.Duration(e.ShutdownTimeoutMs) * time.Millisecond,
		DeliverTimeout:  time.Duration(e.DeliverTimeoutMs) * time.Millisecond,
	}
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML and fills defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Models.Image.Sessions <= 0 {
		cfg.Models.Image.Sessions = 2
	}
	if cfg.Models.Sentiment.Sessions <= 0 {
		cfg.Models.Sentiment.Sessions = 2
	}
	if cfg.Models.Sentiment.MaxTokens <= 0 {
		cfg.Models.Sentiment.MaxTokens = 128
	}

	def := audio.DefaultConfig()
	if cfg.Audio.FrameLength == 0 {
		cfg.Audio.FrameLength = def.FrameLength
	}
	if cfg.Audio.HopLength == 0 {
		cfg.Audio.HopLength = def.HopLength
	}
	if cfg.Audio.FMin == 0 {
		cfg.Audio.FMin = def.FMin
	}
	if cfg.Audio.FMax == 0 {
		cfg.Audio.FMax = def.FMax
	}
	if cfg.Audio.PitchThreshold == 0 {
		cfg.Audio.PitchThreshold = def.PitchThreshold
	}
	if cfg.Audio.NMels == 0 {
		cfg.Audio.NMels = def.NMels
	}
	if cfg.Audio.TopDB == 0 {
		cfg.Audio.TopDB = def.TopDB
	}
	if cfg.Audio.FFmpegPath == "" {
		cfg.Audio.FFmpegPath = "ffmpeg"
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 22050
	}

	if cfg.Analysis.ModalityTimeout == 0 {
		cfg.Analysis.ModalityTimeout = 5 * time.Second
	}
	if cfg.Fusion.ImageText == nil {
		cfg.Fusion.ImageText = fusion.ImageText()
	}
	if cfg.Fusion.VoiceImage == nil {
		cfg.Fusion.VoiceImage = fusion.VoiceImage()
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Trigger.Channel == "" {
		cfg.Trigger.Channel = trigger.DefaultChannel
	}
	if cfg.Trigger.Workers <= 0 {
		cfg.Trigger.Workers = trigger.DefaultWorkers
	}
	if cfg.Trigger.Redis.Addr == "" {
		cfg.Trigger.Redis = cfg.Store.Redis
	}

	if cfg.Events.QueueSize <= 0 {
		cfg.Events.QueueSize = 1000
	}
	if cfg.Events.Workers <= 0 {
		cfg.Events.Workers = 1
	}
	if cfg.Events.ShutdownTimeoutMs <= 0 {
		cfg.Events.ShutdownTimeoutMs = 2000
	}
	if cfg.Events.DeliverTimeoutMs <= 0 {
		cfg.Events.DeliverTimeoutMs = 5000
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = "triaged"
	}
	if cfg.Transcription.TimeoutMs <= 0 {
		cfg.Transcription.TimeoutMs = 60000
	}
}
