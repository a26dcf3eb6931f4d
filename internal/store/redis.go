package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/firemate/triage/internal/incident"
	"github.com/firemate/triage/internal/redact"
)

const (
	defaultKeyPrefix = "triage:"
	maxWatchRetries  = 3
)

// Redis keeps each incident in a hash and its attachment index in a list.
// Apply is an optimistic WATCH/MULTI transaction on the hash.
type Redis struct {
	rdb    *redis.Client
	prefix string
	blobs  Blobs
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, cfg RedisConfig, prefix string, blobs Blobs) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.Addr, err)
	}
	redact.Logf("store: redis connected addr=%s db=%d", cfg.Addr, cfg.DB)
	return NewRedis(rdb, prefix, blobs), nil
}

func NewRedis(rdb *redis.Client, prefix string, blobs Blobs) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix, blobs: blobs}
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) incidentKey(id string) string { return r.prefix + "incident:" + id }
func (r *Redis) mediaKey(id string) string    { return r.prefix + "incident:" + id + ":media" }

func (r *Redis) Incident(ctx context.Context, id string) (incident.Incident, error) {
	fields, err := r.rdb.HGetAll(ctx, r.incidentKey(id)).Result()
	if err != nil {
		return incident.Incident{}, fmt.Errorf("failed to get incident: %w", err)
	}
	if len(fields) == 0 {
		return incident.Incident{}, incident.ErrNotFound
	}
	return decodeIncident(id, fields)
}

func decodeIncident(id string, fields map[string]string) (incident.Incident, error) {
	inc := incident.Incident{ID: id, Description: fields["description"]}
	var err error
	if inc.Status, err = incident.ParseStatus(fields["status"]); err != nil {
		return incident.Incident{}, err
	}
	if v := fields["verified_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return incident.Incident{}, fmt.Errorf("verified_at: %w", err)
		}
		inc.VerifiedAt = &t
	}
	return inc, nil
}

func (r *Redis) Media(ctx context.Context, id string) (*incident.RawMedia, *incident.RawMedia, error) {
	raw, err := r.rdb.LRange(ctx, r.mediaKey(id), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list media: %w", err)
	}
	refs := make([]MediaRef, 0, len(raw))
	for _, item := range raw {
		var ref MediaRef
		if err := json.Unmarshal([]byte(item), &ref); err != nil {
			return nil, nil, fmt.Errorf("decode media ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return resolveFirst(ctx, r.blobs, refs)
}

// Apply retries a bounded number of times when the watched hash changes
// under it; the status check decides whether the write is still valid.
func (r *Redis) Apply(ctx context.Context, id string, c incident.Confidence, t incident.Transition) error {
	fields, err := confidenceFields(c, t)
	if err != nil {
		return err
	}
	key := r.incidentKey(id)
	txf := func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, redis.Nil) {
			return incident.ErrNotFound
		}
		if err != nil {
			return err
		}
		if incident.Status(status) != t.From {
			return incident.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return incident.ErrConflict
}

func confidenceFields(c incident.Confidence, t incident.Transition) (map[string]interface{}, error) {
	js, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode confidence: %w", err)
	}
	fields := map[string]interface{}{
		"status":        string(t.To),
		"overall_score": strconv.FormatFloat(c.OverallScore, 'f', -1, 64),
		"confidence":    string(js),
		"analyzed_at":   c.ComputedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.VerifiedAt != nil {
		fields["verified_at"] = t.VerifiedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields, nil
}

// AddIncident writes a new incident hash and its attachment index.
func (r *Redis) AddIncident(ctx context.Context, inc incident.Incident, media ...MediaRef) error {
	status := inc.Status
	if status == "" {
		status = incident.StatusPending
	}
	fields := map[string]interface{}{
		"description": inc.Description,
		"status":      string(status),
	}
	if inc.VerifiedAt != nil {
		fields["verified_at"] = inc.VerifiedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.incidentKey(inc.ID), fields)
		for _, m := range media {
			b, err := json.Marshal(m)
			if err != nil {
				return err
			}
			pipe.RPush(ctx, r.mediaKey(inc.ID), b)
		}
		return nil
	})
	return err
}
