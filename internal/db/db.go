package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// driverFor picks the sql driver for a database URL. Remote libSQL/Turso
// URLs go to the libsql client, anything else is a local SQLite file.
func driverFor(dbURL, authToken string) (driver, dsn string, err error) {
	u, err := url.Parse(dbURL)
	if err == nil {
		switch u.Scheme {
		case "libsql", "http", "https", "ws", "wss":
			if authToken != "" {
				q := u.Query()
				q.Set("authToken", authToken)
				u.RawQuery = q.Encode()
			}
			return "libsql", u.String(), nil
		}
	}

	path := strings.TrimPrefix(dbURL, "file:")
	if path == "" {
		return "", "", fmt.Errorf("database url %q has no path", dbURL)
	}
	if path == ":memory:" || strings.Contains(path, "?") {
		return "sqlite", path, nil
	}
	return "sqlite", path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
}

// Connect opens and pings the state database.
func Connect(ctx context.Context, dbURL, authToken string) (*sql.DB, error) {
	driver, dsn, err := driverFor(dbURL, authToken)
	if err != nil {
		return nil, err
	}
	slog.Debug("opening database", "driver", driver)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" {
		// a single writer keeps SQLite from returning SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// InitSchema creates the necessary tables if they don't exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	slog.Debug("initializing database schema")

	queries := []string{
		`CREATE TABLE IF NOT EXISTS agent_state (
			id INTEGER PRIMARY KEY,
			state_data TEXT NOT NULL,
			state_hash TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS agent_state_timestamp ON agent_state (timestamp)`,
		`CREATE TABLE IF NOT EXISTS agents (
			timestamp INTEGER,
			symbol TEXT,
			ships INTEGER,
			credits INTEGER,
			PRIMARY KEY (timestamp, symbol)
		)`,
	}

	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to execute query %q: %w", q, err)
		}
	}

	slog.Debug("database schema initialized")
	return nil
}
