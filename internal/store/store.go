// Package store persists call history, chat messages and the response view
// over database/sql. SQLite (modernc.org/sqlite) and Postgres (lib/pq) are supported.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/FindIt/internal/core"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrNotFound = errors.New("not found")

var (
	_ core.CallStore         = (*Store)(nil)
	_ core.MessageStore      = (*Store)(nil)
	_ core.ResponseDirectory = (*Store)(nil)
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS calls (
		id          TEXT PRIMARY KEY,
		caller      TEXT NOT NULL,
		callee      TEXT NOT NULL,
		caller_name TEXT NOT NULL DEFAULT '',
		call_type   TEXT NOT NULL,
		status      TEXT NOT NULL,
		response_id TEXT NOT NULL DEFAULT '',
		duration    BIGINT NOT NULL DEFAULT 0,
		created_at  BIGINT NOT NULL,
		started_at  BIGINT,
		ended_at    BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS calls_response_idx ON calls (response_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		response_id TEXT NOT NULL,
		sender      TEXT NOT NULL,
		content     TEXT NOT NULL,
		created_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_response_idx ON messages (response_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS message_reads (
		message_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS responses (
		id         TEXT PRIMARY KEY,
		item_owner TEXT NOT NULL,
		responder  TEXT NOT NULL,
		status     TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects with retries bounded by connectTimeout and applies the schema.
func Open(ctx context.Context, driver, dsn string, connectTimeout time.Duration) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer; modernc serializes anyway and this avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	b := backoff.NewExponentialBackOff()
	if connectTimeout > 0 {
		b.MaxElapsedTime = connectTimeout
	}
	err = backoff.RetryNotify(func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pctx)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warn().Err(err).Str("module", "store").Str("driver", driver).Dur("retry_in", d).Msg("database not ready")
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("module", "store").Str("driver", driver).Msg("storage ready")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if s.driver == DriverSQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := s.db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("sqlite pragma: %w", err)
			}
		}
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports database health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// q rewrites ? placeholders into $n for Postgres.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	return rebind(query)
}

func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
