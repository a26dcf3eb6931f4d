package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/firemate/triage/internal/incident"
	"github.com/firemate/triage/internal/score"
)

func newBenchCmd(v *viper.Viper) *cobra.Command {
	var (
		n                    int
		imagePath, audioPath string
		text                 string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure per-modality scorer latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			// One session per model keeps queueing out of the numbers.
			cfg.Models.Image.Sessions = 1
			cfg.Models.Sentiment.Sessions = 1
			ctx := cmd.Context()

			sc, err := loadScorers(ctx, cfg)
			if err != nil {
				return err
			}
			defer sc.Close()

			type job struct {
				m  score.Modality
				fn func(context.Context) score.Result
			}
			var jobs []job
			if text != "" {
				jobs = append(jobs, job{score.ModalityText, func(ctx context.Context) score.Result {
					return sc.text.Score(ctx, text)
				}})
			}
			if imagePath != "" {
				img, err := readMedia(imagePath, incident.MediaImage)
				if err != nil {
					return err
				}
				jobs = append(jobs, job{score.ModalityImage, func(ctx context.Context) score.Result {
					return sc.image.Score(ctx, img.Data)
				}})
			}
			if audioPath != "" {
				aud, err := readMedia(audioPath, incident.MediaAudio)
				if err != nil {
					return err
				}
				jobs = append(jobs, job{score.ModalityVoice, func(ctx context.Context) score.Result {
					return sc.voice.Score(ctx, aud.Data, aud.Format).Result
				}})
			}
			if len(jobs) == 0 {
				return fmt.Errorf("nothing to benchmark: pass --text, --image or --audio")
			}
			if n <= 0 {
				n = 1
			}

		jobs:
			for _, j := range jobs {
				// Warmup
				for i := 0; i < 5; i++ {
					res := j.fn(ctx)
					if res.Reason() == "model_unavailable" {
						fmt.Printf("bench: modality=%s skipped (%s)\n", j.m, res.Status())
						continue jobs
					}
					if !res.OK() {
						return fmt.Errorf("%s warmup: %s", j.m, res.Status())
					}
				}
				durations := make([]time.Duration, 0, n)
				var last score.Result
				for i := 0; i < n; i++ {
					start := time.Now()
					last = j.fn(ctx)
					durations = append(durations, time.Since(start))
				}
				fmt.Printf("bench: modality=%s n=%d avg_ms=%.2f p50_ms=%.2f p95_ms=%.2f score=%.2f\n",
					j.m, len(durations), avgMillis(durations), percentileMillis(durations, 0.50),
					percentileMillis(durations, 0.95), last.Score)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 200, "number of iterations")
	cmd.Flags().StringVar(&imagePath, "image", "", "image file")
	cmd.Flags().StringVar(&audioPath, "audio", "", "voice note")
	cmd.Flags().StringVar(&text, "text", "There is smoke everywhere and people are screaming", "text to score")
	return cmd
}

func avgMillis(d []time.Duration) float64 {
	if len(d) == 0 {
		return 0
	}
	var total time.Duration
	for _, x := range d {
		total += x
	}
	return float64(total.Microseconds()) / 1000.0 / float64(len(d))
}

// percentileMillis sorts d in place.
func percentileMillis(d []time.Duration, p float64) float64 {
	if len(d) == 0 {
		return 0
	}
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })
	idx := int(float64(len(d)) * p)
	if idx >= len(d) {
		idx = len(d) - 1
	}
	return float64(d[idx].Microseconds()) / 1000.0
}
