// Package store implements incident.Store over memory, Postgres and Redis.
// Attachments are indexed by reference; their bytes live inline or in an
// object store.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/firemate/triage/internal/incident"
)

// MediaRef indexes one attachment. Data holds small inline payloads;
// otherwise Key names the object in the blob store.
type MediaRef struct {
	Kind   incident.MediaKind `json:"kind"`
	Format string             `json:"format"`
	Key    string             `json:"key,omitempty"`
	Data   []byte             `json:"data,omitempty"`
}

// Blobs fetches attachment bytes by key.
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Config selects and locates the backend.
type Config struct {
	Driver    string      `yaml:"driver"` // memory | postgres | redis
	DSN       string      `yaml:"dsn"`
	Redis     RedisConfig `yaml:"redis"`
	KeyPrefix string      `yaml:"key_prefix"`
	Migrate   bool        `yaml:"migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Validate checks the fields the selected driver needs.
func (c Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case "", "memory":
	case "postgres":
		if strings.TrimSpace(c.DSN) == "" {
			return errors.New("store.dsn is required for postgres")
		}
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("store.redis.addr is required for redis")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Driver)
	}
	return nil
}

// Open connects the configured backend. The returned closer releases it.
func Open(ctx context.Context, cfg Config, blobs Blobs) (incident.Store, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		pg, err := OpenPostgres(ctx, cfg.DSN, blobs)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, nil, err
			}
		}
		return pg, pg, nil
	case "redis":
		rs, err := OpenRedis(ctx, cfg.Redis, cfg.KeyPrefix, blobs)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs, nil
	default:
		m := NewMemory()
		return m, m, nil
	}
}

// firstMedia picks the first IMAGE and the first AUDIO in stable order.
func firstMedia(refs []MediaRef) (image, audio *MediaRef) {
	for i := range refs {
		switch refs[i].Kind {
		case incident.MediaImage:
			if image == nil {
				image = &refs[i]
			}
		case incident.MediaAudio:
			if audio == nil {
				audio = &refs[i]
			}
		}
	}
	return image, audio
}

func resolve(ctx context.Context, blobs Blobs, ref *MediaRef) (*incident.RawMedia, error) {
	if ref == nil {
		return nil, nil
	}
	data := ref.Data
	if len(data) == 0 && ref.Key != "" {
		if blobs == nil {
			return nil, fmt.Errorf("attachment %s needs a media store", ref.Key)
		}
		var err error
		if data, err = blobs.Get(ctx, ref.Key); err != nil {
			return nil, fmt.Errorf("fetch %s attachment: %w", strings.ToLower(string(ref.Kind)), err)
		}
	}
	return &incident.RawMedia{Data: data, Kind: ref.Kind, Format: ref.Format}, nil
}

func resolveFirst(ctx context.Context, blobs Blobs, refs []MediaRef) (*incident.RawMedia, *incident.RawMedia, error) {
	imgRef, audRef := firstMedia(refs)
	img, err := resolve(ctx, blobs, imgRef)
	if err != nil {
		return nil, nil, err
	}
	aud, err := resolve(ctx, blobs, audRef)
	if err != nil {
		return nil, nil, err
	}
	return img, aud, nil
}
