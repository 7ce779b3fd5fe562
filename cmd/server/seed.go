package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cvforge/cvforge/internal/adapter/httpserver"
	"github.com/cvforge/cvforge/internal/domain"
)

// seedDevUser bootstraps a local environment: when the users table is
// empty it inserts one active user with a freshly minted API key and
// logs the key. The key is only recoverable from this log line; rerun
// against an empty database to mint another.
func seedDevUser(ctx context.Context, pool *pgxpool.Pool, pepper string) error {
	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("op=seed.count: %w", err)
	}
	if count > 0 {
		return nil
	}

	key, keyID, hash, err := httpserver.NewAPIKey(pepper)
	if err != nil {
		return fmt.Errorf("op=seed.key: %w", err)
	}
	limits, err := json.Marshal(domain.PlanLimits{
		MonthlyGenerations:  100,
		MonthlyEnhancements: 100,
		MonthlyAnalyses:     100,
		StorageMB:           512,
	})
	if err != nil {
		return fmt.Errorf("op=seed.limits: %w", err)
	}

	id := uuid.New().String()
	_, err = pool.Exec(ctx, `
		INSERT INTO users (id, email, status, plan_limits, api_key_id, api_key_hash)
		VALUES ($1, $2, 'active', $3, $4, $5)`,
		id, "dev@localhost", limits, keyID, hash)
	if err != nil {
		return fmt.Errorf("op=seed.insert: %w", err)
	}

	slog.Info("dev user seeded",
		slog.String("user_id", id),
		slog.String("email", "dev@localhost"),
		slog.String("api_key", key))
	return nil
}
