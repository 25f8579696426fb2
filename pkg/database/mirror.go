// Package database provides the optional PostgreSQL write-through mirror.
// The JSON state files remain authoritative; the mirror exists so external
// reporting tooling can query projects without touching the workspace. Every
// operation here is best-effort and the store logs-and-ignores failures.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lealvona/code-tumbler/pkg/models"
)

// schema is applied on connect. Reconciliation always happens from JSON at
// startup, so the mirror never needs migrations beyond additive DDL.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
    name        TEXT PRIMARY KEY,
    phase       TEXT NOT NULL,
    iteration   INT NOT NULL,
    last_score  DOUBLE PRECISION,
    state       JSONB NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS usage_records (
    id            BIGSERIAL PRIMARY KEY,
    project       TEXT NOT NULL,
    agent         TEXT NOT NULL,
    iteration     INT NOT NULL,
    input_tokens  INT NOT NULL,
    output_tokens INT NOT NULL,
    cost          DOUBLE PRECISION NOT NULL,
    provider      TEXT NOT NULL,
    recorded_at   TIMESTAMPTZ NOT NULL
);
`

// Mirror is a pgx-pool backed implementation of store.Mirror.
type Mirror struct {
	pool *pgxpool.Pool
}

// Connect opens the pool, verifies connectivity, and applies the schema.
func Connect(ctx context.Context, dsn string) (*Mirror, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mirror pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging mirror database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying mirror schema: %w", err)
	}
	return &Mirror{pool: pool}, nil
}

// Close releases the pool.
func (m *Mirror) Close() {
	m.pool.Close()
}

// SaveState upserts the full state document keyed by project name.
func (m *Mirror) SaveState(ctx context.Context, state *models.State) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state for mirror: %w", err)
	}
	_, err = m.pool.Exec(ctx, `
		INSERT INTO projects (name, phase, iteration, last_score, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			phase = EXCLUDED.phase,
			iteration = EXCLUDED.iteration,
			last_score = EXCLUDED.last_score,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		state.Name, string(state.Phase), state.Iteration, state.LastScore, doc, state.UpdatedAt)
	return err
}

// AppendUsage inserts one usage record row.
func (m *Mirror) AppendUsage(ctx context.Context, project string, rec models.UsageRecord) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO usage_records
			(project, agent, iteration, input_tokens, output_tokens, cost, provider, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		project, string(rec.Agent), rec.Iteration, rec.InputTokens,
		rec.OutputTokens, rec.Cost, rec.Provider, rec.Timestamp)
	return err
}
