package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS flowboard_documents (
	document_id TEXT PRIMARY KEY,
	version     BIGINT NOT NULL,
	data        JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PGStore persists snapshots in PostgreSQL, one row per document.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Load(ctx context.Context, documentID string) (*Snapshot, error) {
	var data []byte
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT data, version FROM flowboard_documents WHERE document_id = $1`,
		documentID,
	).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Version: uint64(version)}
	if err := json.Unmarshal(data, &snap.Document); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", documentID, err)
	}
	return snap, nil
}

func (s *PGStore) Save(ctx context.Context, documentID string, snap Snapshot) error {
	data, err := json.Marshal(snap.Document)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO flowboard_documents (document_id, version, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (document_id)
		 DO UPDATE SET version = $2, data = $3, updated_at = now()`,
		documentID, int64(snap.Version), data,
	)
	return err
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
