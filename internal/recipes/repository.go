// Package recipes registers uploaded media as application records. This is
// the finalize side of the pipeline: a row in Postgres plus the hand-off to
// the processing worker.
package recipes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MediaRecord is a row in the recipe_media table.
type MediaRecord struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"ownerId"`
	ObjectKey   string          `json:"objectKey"`
	ContentType string          `json:"contentType,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Repository wraps all SQL touching recipe media records.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a registered media record.
func (r *Repository) Create(ctx context.Context, rec *MediaRecord) error {
	rec.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recipe_media (id, owner_id, object_key, content_type, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.ID, rec.OwnerID, rec.ObjectKey, rec.ContentType, rec.Metadata, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert media record: %w", err)
	}
	return nil
}

// Get returns a record by id.
func (r *Repository) Get(ctx context.Context, id string) (*MediaRecord, error) {
	var (
		rec         MediaRecord
		contentType sql.NullString
	)
	row := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, object_key, content_type, metadata, created_at
		FROM recipe_media WHERE id=$1
	`, id)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.ObjectKey, &contentType, &rec.Metadata, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("media record not found: %w", err)
		}
		return nil, fmt.Errorf("select media record: %w", err)
	}
	if contentType.Valid {
		rec.ContentType = contentType.String
	}
	return &rec, nil
}
