package data

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/repo"
)

var postgresDialect = dialect{
	name:       "postgres",
	skipLocked: " FOR UPDATE SKIP LOCKED",
	serial:     "BIGSERIAL PRIMARY KEY",
	bigint:     "BIGINT",
}

// NewPostgresStore opens the queue store in PostgreSQL, for daemons spread across hosts
func NewPostgresStore(ctx context.Context, databaseURL string, log zerolog.Logger) (repo.Store, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	db := stdlib.OpenDB(*cfg)
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s, err := newSQLStore(db, postgresDialect, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("postgres queue store initialized")
	return s, nil
}
