package db

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
)

// Open builds a Repository from a DSN. postgres:// connects and migrates
// a pgx pool; memory:// returns a fresh MemoryStore. An empty DSN means
// the default local Postgres.
func Open(ctx context.Context, dsn string) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = DefaultDatabaseURL
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}

	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		log.Printf("[DB] Using in-memory store")
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		pool, err := Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := ApplyMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Printf("[DB] Connected to Postgres at %s", parsed.Host)
		return NewStore(pool), nil
	default:
		return nil, fmt.Errorf("unsupported database scheme: %q", scheme)
	}
}
