package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/firemate/triage/internal/incident"
)

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id                     TEXT PRIMARY KEY,
	description            TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT 'PENDING',
	verified_at            TIMESTAMPTZ,
	overall_score          DOUBLE PRECISION,
	voice_stress_score     DOUBLE PRECISION,
	voice_analysis_details JSONB,
	image_score            DOUBLE PRECISION,
	text_score             DOUBLE PRECISION,
	transcript_score       DOUBLE PRECISION,
	transcript             TEXT,
	confidence             JSONB,
	analyzed_at            TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS incident_media (
	id          BIGSERIAL PRIMARY KEY,
	incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	kind        TEXT NOT NULL,
	format      TEXT NOT NULL DEFAULT '',
	object_key  TEXT,
	data        BYTEA,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS incident_media_incident_idx ON incident_media (incident_id, created_at, id);
`

// Postgres stores incidents in two tables and applies analyses in one
// row-locking transaction.
type Postgres struct {
	db    *sql.DB
	blobs Blobs
}

// OpenPostgres connects and pings the database.
func OpenPostgres(ctx context.Context, dsn string, blobs Blobs) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgres(db, blobs), nil
}

func NewPostgres(db *sql.DB, blobs Blobs) *Postgres {
	return &Postgres{db: db, blobs: blobs}
}

// Migrate creates the tables if they are missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func (p *Postgres) Incident(ctx context.Context, id string) (incident.Incident, error) {
	inc := incident.Incident{ID: id}
	var (
		status     string
		verifiedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT description, status, verified_at FROM incidents WHERE id = $1`, id,
	).Scan(&inc.Description, &status, &verifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return incident.Incident{}, incident.ErrNotFound
	}
	if err != nil {
		return incident.Incident{}, fmt.Errorf("failed to get incident: %w", err)
	}
	if inc.Status, err = incident.ParseStatus(status); err != nil {
		return incident.Incident{}, err
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time.UTC()
		inc.VerifiedAt = &t
	}
	return inc, nil
}

func (p *Postgres) Media(ctx context.Context, id string) (*incident.RawMedia, *incident.RawMedia, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT kind, format, object_key, data FROM incident_media
		 WHERE incident_id = $1 AND kind IN ('IMAGE', 'AUDIO')
		 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query media: %w", err)
	}
	defer rows.Close()

	var refs []MediaRef
	for rows.Next() {
		var (
			ref  MediaRef
			kind string
			key  sql.NullString
		)
		if err := rows.Scan(&kind, &ref.Format, &key, &ref.Data); err != nil {
			return nil, nil, fmt.Errorf("failed to scan media: %w", err)
		}
		ref.Kind = incident.MediaKind(kind)
		ref.Key = key.String
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read media: %w", err)
	}
	return resolveFirst(ctx, p.blobs, refs)
}

// Apply locks the incident row, checks the prior status and writes the
// confidence fields and the transition together.
func (p *Postgres) Apply(ctx context.Context, id string, c incident.Confidence, t incident.Transition) error {
	details, err := nullJSON(c.VoiceAnalysisDetails)
	if err != nil {
		return err
	}
	full, err := nullJSON(c)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM incidents WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return incident.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock incident: %w", err)
	}
	if incident.Status(status) != t.From {
		return incident.ErrConflict
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE incidents SET
			status = $2,
			verified_at = COALESCE($3, verified_at),
			overall_score = $4,
			voice_stress_score = $5,
			voice_analysis_details = $6,
			image_score = $7,
			text_score = $8,
			transcript_score = $9,
			transcript = $10,
			confidence = $11,
			analyzed_at = $12
		 WHERE id = $1`,
		id, string(t.To), t.VerifiedAt, c.OverallScore, c.VoiceStressScore, details,
		c.ImageScore, c.TextScore, c.TranscriptScore, sql.NullString{String: c.Transcript, Valid: c.Transcript != ""},
		full, c.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AddIncident inserts a new PENDING incident with its attachments.
func (p *Postgres) AddIncident(ctx context.Context, inc incident.Incident, media ...MediaRef) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status := inc.Status
	if status == "" {
		status = incident.StatusPending
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO incidents (id, description, status, verified_at) VALUES ($1, $2, $3, $4)`,
		inc.ID, inc.Description, string(status), inc.VerifiedAt); err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	for _, m := range media {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO incident_media (incident_id, kind, format, object_key, data) VALUES ($1, $2, $3, $4, $5)`,
			inc.ID, string(m.Kind), m.Format, sql.NullString{String: m.Key, Valid: m.Key != ""}, m.Data); err != nil {
			return fmt.Errorf("insert media: %w", err)
		}
	}
	return tx.Commit()
}

// nullJSON encodes v for a JSONB column; nil pointers become NULL.
func nullJSON(v interface{}) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json: %w", err)
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
