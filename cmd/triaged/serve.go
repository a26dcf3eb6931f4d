package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/firemate/triage/internal/metrics"
	"github.com/firemate/triage/internal/redact"
	"github.com/firemate/triage/internal/trigger"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume analysis triggers and expose /healthz and /metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cfg.Trigger.Redis.Addr == "" {
				return errors.New("serve needs trigger.redis.addr or store.redis.addr")
			}
			ctx := cmd.Context()

			svc, err := newService(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				svc.Close(shutdownCtx)
			}()

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Trigger.Redis.Addr,
				Password: cfg.Trigger.Redis.Password,
				DB:       cfg.Trigger.Redis.DB,
			})
			defer rdb.Close()

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           opsRouter(svc.registry, rdb),
				ReadHeaderTimeout: 5 * time.Second,
			}
			consumer := trigger.NewConsumer(cfg.Trigger.Config, svc.analyzer, svc.metrics)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				redact.Logf("ops server listening on %s", cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("ops server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				return consumer.Run(gctx, rdb)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			err = g.Wait()
			redact.Logf("triaged stopped")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "ops listen address (overrides config)")
	return cmd
}

type pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

func opsRouter(reg *prometheus.Registry, rdb pinger) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status, code := "healthy", http.StatusOK
		redisStatus := "connected"
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "triaged",
			"version": version,
			"redis":   redisStatus,
		})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)
	return router
}
