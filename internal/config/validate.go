package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/firemate/triage/internal/imaging"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format)
	}

	if err := validateModels(cfg.Models); err != nil {
		return err
	}
	if err := validateAudio(cfg.Audio); err != nil {
		return err
	}

	if cfg.Analysis.ModalityTimeout <= 0 {
		return errors.New("analysis.modality_timeout must be positive")
	}
	if err := cfg.Fusion.ImageText.Validate(); err != nil {
		return fmt.Errorf("fusion.image_text: %w", err)
	}
	if err := cfg.Fusion.VoiceImage.Validate(); err != nil {
		return fmt.Errorf("fusion.voice_image: %w", err)
	}

	if err := cfg.Store.Validate(); err != nil {
		return err
	}
	if cfg.Media.Enabled() && strings.TrimSpace(cfg.Media.Bucket) == "" {
		return errors.New("media.bucket must be set when media.endpoint is")
	}

	if err := validateEventsConfig(cfg.Events); err != nil {
		return err
	}
	if err := validateTelemetryConfig(cfg); err != nil {
		return err
	}
	if err := validateTranscription(cfg); err != nil {
		return err
	}
	return nil
}

func validateModels(m ModelsConfig) error {
	if m.Image.Dir != "" {
		if err := m.Image.Preprocess.Validate(); err != nil {
			return fmt.Errorf("models.image: %w", err)
		}
	}
	if m.Image.TopK != nil && *m.Image.TopK < 0 {
		return errors.New("models.image.top_k must be >= 0")
	}
	for _, kw := range m.Image.Keywords {
		if strings.TrimSpace(kw) == "" {
			return errors.New("models.image.keywords must not contain blanks")
		}
	}
	if m.Sentiment.MaxTokens < 2 || m.Sentiment.MaxTokens > 512 {
		return fmt.Errorf("models.sentiment.max_tokens must be in [2, 512], got %d", m.Sentiment.MaxTokens)
	}
	return nil
}

func validateAudio(a AudioConfig) error {
	if a.FrameLength <= 0 || a.FrameLength&(a.FrameLength-1) != 0 {
		return fmt.Errorf("audio.frame_length must be a power of two, got %d", a.FrameLength)
	}
	if a.HopLength <= 0 || a.HopLength > a.FrameLength {
		return fmt.Errorf("audio.hop_length must be in (0, frame_length], got %d", a.HopLength)
	}
	if a.FMin <= 0 || a.FMax <= a.FMin {
		return fmt.Errorf("audio.fmin/fmax must satisfy 0 < fmin < fmax, got %g/%g", a.FMin, a.FMax)
	}
	if a.PitchThreshold <= 0 || a.PitchThreshold > 1 {
		return fmt.Errorf("audio.pitch_threshold must be in (0, 1], got %g", a.PitchThreshold)
	}
	if a.SampleRate <= 0 || a.FMax > float64(a.SampleRate)/2 {
		return fmt.Errorf("audio.fmax %g exceeds Nyquist for sample_rate %d", a.FMax, a.SampleRate)
	}
	return nil
}

func validateEventsConfig(e EventsConfig) error {
	if !e.Enabled {
		return nil
	}
	for i, s := range e.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("events sink %d (file_jsonl) missing path", i)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("events sink %d (webhook) missing url", i)
			}
			u, err := url.Parse(s.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("events sink %d (webhook) has invalid url", i)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("events sink %d (webhook) url must be http or https", i)
			}
		case "log":
		default:
			return fmt.Errorf("events sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateTelemetryConfig(cfg *Config) error {
	t := cfg.Telemetry
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
	case "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be in [0, 1], got %g", t.SampleRatio)
	}
	return nil
}

func validateTranscription(cfg *Config) error {
	t := cfg.Transcription
	if !t.Enabled {
		return nil
	}
	u, err := url.Parse(t.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("transcription.url must be an http(s) url")
	}
	if cfg.Models.Sentiment.Dir == "" {
		return errors.New("transcription requires models.sentiment to score transcripts")
	}
	return nil
}

// ImageOptions converts the image section into scorer options.
func (m ImageModelConfig) ImageOptions() []imaging.Option {
	var opts []imaging.Option
	if m.TopK != nil {
		opts = append(opts, imaging.WithTopK(*m.TopK))
	}
	if len(m.Keywords) > 0 {
		opts = append(opts, imaging.WithKeywords(m.Keywords))
	}
	return opts
}
