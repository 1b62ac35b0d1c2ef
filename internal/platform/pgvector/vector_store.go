// Package pgvector implements the memops VectorStore over a Postgres
// table with a pgvector embedding column.
package pgvector

import (
	"context"
	"fmt"
	"log/slog"

	pgv "github.com/pgvector/pgvector-go"

	"github.com/memgrid/memsched/internal/domain"
	"github.com/memgrid/memsched/internal/memops"
	"github.com/memgrid/memsched/internal/store"
)

// VectorStore persists embedding vectors in Postgres. The table name is
// validated at construction because it is interpolated into SQL.
type VectorStore struct {
	db         store.DBTX
	table      string
	dimensions int
	logger     *slog.Logger
}

// New creates a VectorStore over the given table. Dimensions must match
// the embedding model's output size.
func New(db store.DBTX, table string, dimensions int, logger *slog.Logger) (*VectorStore, error) {
	if table == "" {
		return nil, fmt.Errorf("%w: vector table cannot be empty", domain.ErrConfiguration)
	}
	if !validIdentifier(table) {
		return nil, fmt.Errorf("%w: invalid vector table name %q", domain.ErrConfiguration, table)
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("%w: vector dimensions must be positive", domain.ErrConfiguration)
	}
	return &VectorStore{
		db:         db,
		table:      table,
		dimensions: dimensions,
		logger:     logger.With(slog.String("component", "pgvector")),
	}, nil
}

// validIdentifier accepts plain snake_case SQL identifiers.
func validIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return len(s) > 0
}

// EnsureSchema creates the extension and table if they do not exist.
// Called once at startup, before the scheduler starts consuming.
func (v *VectorStore) EnsureSchema(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			cube_id    TEXT NOT NULL,
			content    TEXT NOT NULL,
			embedding  vector(%d) NOT NULL
		)`, v.table, v.dimensions)
	if _, err := v.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_cube_idx ON %s (cube_id)", v.table, v.table)
	if _, err := v.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	return nil
}

// Insert stores the records, replacing any existing row with the same id.
func (v *VectorStore) Insert(ctx context.Context, records []*memops.VectorRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, cube_id, content, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET cube_id = EXCLUDED.cube_id,
		    content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding`, v.table)

	for _, rec := range records {
		if len(rec.Vector) != v.dimensions {
			return fmt.Errorf("%w: vector for %s has %d dimensions, want %d",
				domain.ErrValidation, rec.ID, len(rec.Vector), v.dimensions)
		}
		if _, err := v.db.ExecContext(ctx, query,
			rec.ID, rec.CubeID, rec.Content, pgv.NewVector(rec.Vector)); err != nil {
			return fmt.Errorf("failed to insert vector %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Search returns the closest matches by cosine distance within a cube.
func (v *VectorStore) Search(ctx context.Context, cubeID string, vector []float32, limit int) ([]*memops.VectorMatch, error) {
	query := fmt.Sprintf(`
		SELECT id, content, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE cube_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`, v.table)

	rows, err := v.db.QueryContext(ctx, query, pgv.NewVector(vector), cubeID, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*memops.VectorMatch
	for rows.Next() {
		var m memops.VectorMatch
		if err := rows.Scan(&m.ID, &m.Content, &m.Score); err != nil {
			return nil, fmt.Errorf("failed to scan vector match: %w", err)
		}
		matches = append(matches, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return matches, nil
}

// Update replaces the stored record for the id.
func (v *VectorStore) Update(ctx context.Context, record *memops.VectorRecord) error {
	return v.Insert(ctx, []*memops.VectorRecord{record})
}

// Delete removes the given ids. Missing ids are not an error.
func (v *VectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", v.table)
	if _, err := v.db.ExecContext(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}
