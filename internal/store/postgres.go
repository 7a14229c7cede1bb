// -------------------------------------------------------------------------------
// PostgresStore - Shared Request State in PostgreSQL
//
// Project: Yggdrasil
//
// Durable store for deployments where several operators need to inspect
// pending requests. The CBOR payload is the source of truth; collection and
// state columns exist for ad-hoc SQL.
// -------------------------------------------------------------------------------

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
)

//go:embed migration.sql
var migrationSQL string

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// RunMigrations applies the embedded schema DDL. All statements use IF NOT
// EXISTS so this is safe to call on every startup.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Put upserts the state for st's request id.
func (s *PostgresStore) Put(ctx context.Context, st *model.RequestState) error {
	payload, err := encodeState(st)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO request_states (request_id, collection, state, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO UPDATE SET
			collection = EXCLUDED.collection,
			state = EXCLUDED.state,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, st.ID(), st.Collection(), string(st.State), payload, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store state %s: %w", st.ID(), err)
	}
	return nil
}

// Get loads the state stored for id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.RequestState, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM request_states WHERE request_id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s: %w", id, err)
	}
	return decodeState(payload)
}

// Delete removes the state for id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM request_states WHERE request_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", id, err)
	}
	return nil
}

// ListIDs returns all stored request ids ordered by id.
func (s *PostgresStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT request_id FROM request_states ORDER BY request_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	return ids, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
