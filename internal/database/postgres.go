// Package database implements the durable storage contracts on PostgreSQL.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolCfg.MaxConns = 25

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations applies the schema. Statements are idempotent.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS proxies (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			ip TEXT NOT NULL,
			port INT NOT NULL,
			load INT NOT NULL DEFAULT 0,
			load_cap INT NOT NULL,
			UNIQUE (ip, port),
			CHECK (load >= 0),
			CHECK (load <= load_cap)
		)`,
		`CREATE TABLE IF NOT EXISTS steam_accounts (
			user_id UUID NOT NULL,
			account_name TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			web_cookie TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			proxy_id BIGINT REFERENCES proxies(id),
			persona_state INT NOT NULL DEFAULT 1,
			idled_game_ids JSONB NOT NULL DEFAULT '[]',
			farmed_game_ids JSONB NOT NULL DEFAULT '[]',
			data JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, account_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steam_accounts_status ON steam_accounts (status)`,
	}

	for i, migration := range migrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
