package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

// Migration is a versioned schema change. Timestamp orders migrations and
// doubles as the stored version key; Up holds the statements applied in
// one transaction.
type Migration struct {
	Timestamp   string
	Description string
	Up          []string
}

var registry []Migration

// Register adds a migration to the registry. Called from init functions
// in this package so importing the package is enough to know the schema.
func Register(m Migration) {
	registry = append(registry, m)
}

// Migrator applies registered migrations against a pool.
type Migrator struct {
	Pool PgxPool
}

// NewMigrator constructs a Migrator with the given pool.
func NewMigrator(p PgxPool) *Migrator { return &Migrator{Pool: p} }

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Run applies every pending migration in timestamp order, each inside its
// own transaction together with its version record.
func (m *Migrator) Run(ctx context.Context) error {
	if _, err := m.Pool.Exec(ctx, migrationsTable); err != nil {
		return fmt.Errorf("op=migrate.init: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	pending := sortedRegistry()
	n := 0
	for _, mig := range pending {
		if applied[mig.Timestamp] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
		slog.Info("migration applied",
			slog.String("version", mig.Timestamp),
			slog.String("description", mig.Description))
		n++
	}
	if n > 0 {
		slog.Info("migrations complete", slog.Int("applied", n))
	}
	return nil
}

// Pending returns the migrations not yet recorded as applied.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	if _, err := m.Pool.Exec(ctx, migrationsTable); err != nil {
		return nil, fmt.Errorf("op=migrate.init: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, mig := range sortedRegistry() {
		if !applied[mig.Timestamp] {
			out = append(out, mig)
		}
	}
	return out, nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("op=migrate.applied: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("op=migrate.applied: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=migrate.applied: %w", err)
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=migrate.begin version=%s: %w", mig.Timestamp, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, stmt := range mig.Up {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=migrate.exec version=%s stmt=%d: %w", mig.Timestamp, i, err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)`,
		mig.Timestamp, mig.Description, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=migrate.record version=%s: %w", mig.Timestamp, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=migrate.commit version=%s: %w", mig.Timestamp, err)
	}
	return nil
}

func sortedRegistry() []Migration {
	out := make([]Migration, len(registry))
	copy(out, registry)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
