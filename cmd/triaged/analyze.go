package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/firemate/triage/internal/analysis"
	"github.com/firemate/triage/internal/events"
	"github.com/firemate/triage/internal/incident"
	"github.com/firemate/triage/internal/trigger"
)

func newAnalyzeCmd(v *viper.Viper) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "analyze <incident-id>",
		Short: "Analyze one stored incident now and apply the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, err := newService(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			rep, err := svc.analyzer.Analyze(ctx, args[0], events.ParseReason(reason))
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(events.ReasonManual), "trigger reason (created|media_added|reverify|manual)")
	return cmd
}

func newScoreCmd(v *viper.Viper) *cobra.Command {
	var imagePath, audioPath, text string
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score local files and text without touching any store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			in := analysis.Input{Description: text}
			if imagePath != "" {
				if in.Image, err = readMedia(imagePath, incident.MediaImage); err != nil {
					return err
				}
			}
			if audioPath != "" {
				if in.Audio, err = readMedia(audioPath, incident.MediaAudio); err != nil {
					return err
				}
			}
			svc, err := newService(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			rep := svc.analyzer.Evaluate(ctx, in)
			return printJSON(rep)
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "image file (png, jpeg, gif, webp)")
	cmd.Flags().StringVar(&audioPath, "audio", "", "voice note (wav, or anything ffmpeg decodes)")
	cmd.Flags().StringVar(&text, "text", "", "incident description")
	return cmd
}

func newEnqueueCmd(v *viper.Viper) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "enqueue <incident-id>",
		Short: "Publish an analysis trigger for the serve command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Trigger.Redis.Addr,
				Password: cfg.Trigger.Redis.Password,
				DB:       cfg.Trigger.Redis.DB,
			})
			defer rdb.Close()
			return trigger.Publish(cmd.Context(), rdb, cfg.Trigger.Channel, trigger.Message{
				IncidentID: args[0],
				Reason:     events.ParseReason(reason),
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(events.ReasonReverify), "trigger reason")
	return cmd
}

func readMedia(path string, kind incident.MediaKind) (*incident.RawMedia, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &incident.RawMedia{
		Data:   data,
		Kind:   kind,
		Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
	}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
