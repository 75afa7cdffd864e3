package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"collabspace/pkg/logger"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects placeholder and schema flavour.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DialectFor infers the dialect from a connection URL.
func DialectFor(url string) Dialect {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Connect opens url with the default driver for its dialect.
func Connect(ctx context.Context, url string) (*sql.DB, Dialect, error) {
	return Open(ctx, "", url)
}

// Open opens the database, retries the initial ping and applies the
// schema. driver picks the postgres driver: "pgx" or "postgres" (lib/pq,
// the default). It is ignored for sqlite.
func Open(ctx context.Context, driver, url string) (*sql.DB, Dialect, error) {
	dialect := DialectFor(url)

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case Postgres:
		if driver != "pgx" {
			driver = "postgres"
		}
		db, err = sql.Open(driver, url)
		if err == nil {
			db.SetMaxOpenConns(20)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(30 * time.Minute)
		}
	default:
		path := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite://"), "file:")
		db, err = sql.Open("sqlite", path)
		if err == nil {
			// One writer at a time keeps sqlite from returning SQLITE_BUSY.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}

	for i := 0; i < 5; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		logger.Sugar.Infof("Database connection failed, retrying in 2s... (%v)", err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		db.Close()
		return nil, "", fmt.Errorf("ping database: %w", err)
	}

	if dialect == SQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, "", fmt.Errorf("enable wal: %w", err)
		}
	}
	if err := Migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, "", err
	}
	logger.Sugar.Infof("Successfully connected to the %s database", dialect)
	return db, dialect, nil
}

// Migrate applies the schema for dialect. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for i, stmt := range schema(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

func schema(dialect Dialect) []string {
	seq := "BIGSERIAL PRIMARY KEY"
	ts := "TIMESTAMPTZ"
	if dialect == SQLite {
		seq = "INTEGER PRIMARY KEY AUTOINCREMENT"
		ts = "DATETIME"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq ` + seq + `,
			id TEXT NOT NULL UNIQUE,
			workspace_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			content TEXT NOT NULL,
			thread_id TEXT,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_workspace_seq ON messages (workspace_id, seq)`,
		`CREATE TABLE IF NOT EXISTS commits (
			workspace_id TEXT NOT NULL,
			id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			author_id TEXT NOT NULL,
			message TEXT NOT NULL,
			files TEXT NOT NULL,
			manifest TEXT NOT NULL,
			auto BOOLEAN NOT NULL DEFAULT FALSE,
			created_at ` + ts + ` NOT NULL,
			PRIMARY KEY (workspace_id, id),
			UNIQUE (workspace_id, parent_id)
		)`,
	}
}

// Rebind rewrites $N placeholders to ? for sqlite. Queries must use
// each placeholder once, in ascending order.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if j > i+1 {
				if _, err := strconv.Atoi(query[i+1 : j]); err == nil {
					b.WriteByte('?')
					i = j - 1
					continue
				}
			}
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a unique constraint failure
// from either driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE"))
	}
	return false
}
