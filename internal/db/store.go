package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/papaburgs/spacetraders-zero/internal/types"
)

// Store keeps trader state snapshots and the agent credit history.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu       sync.Mutex
	lastHash string
}

type StoreOption func(*Store)

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Open connects to dbURL, creates the schema and returns a Store that
// owns the connection.
func Open(ctx context.Context, dbURL, authToken string, opts ...StoreOption) (*Store, error) {
	db, err := Connect(ctx, dbURL, authToken)
	if err != nil {
		return nil, err
	}
	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db, opts...), nil
}

func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func stateHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SaveState writes state as a new snapshot unless it is identical to the
// latest one. It reports whether a row was written.
func (s *Store) SaveState(ctx context.Context, state any) (bool, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("encode state: %w", err)
	}
	hash := stateHash(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastHash == "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT state_hash FROM agent_state ORDER BY timestamp DESC, id DESC LIMIT 1`,
		).Scan(&s.lastHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("failed to read latest state hash: %w", err)
		}
	}
	if hash == s.lastHash {
		slog.Debug("state unchanged, skipping save")
		return false, nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_state (state_data, state_hash, timestamp) VALUES (?, ?, ?)`,
		string(data), hash, s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to save state: %w", err)
	}
	s.lastHash = hash
	slog.Debug("state saved", "hash", hash[:12])
	return true, nil
}

// LatestState decodes the newest snapshot into v. It reports false when
// nothing has been saved yet.
func (s *Store) LatestState(ctx context.Context, v any) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_data FROM agent_state ORDER BY timestamp DESC, id DESC LIMIT 1`,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read latest state: %w", err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("decode state: %w", err)
	}
	return true, nil
}

// CleanupStates removes snapshots older than keep, always leaving the
// newest one in place.
func (s *Store) CleanupStates(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := s.now().Add(-keep).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_state
		WHERE timestamp < ?
		AND id NOT IN (SELECT id FROM agent_state ORDER BY timestamp DESC, id DESC LIMIT 1)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up states: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Info("cleaned up old states", "removed", n, "keep", keep)
	return n, nil
}

// RecordAgent stores one credits sample for symbol.
func (s *Store) RecordAgent(ctx context.Context, symbol string, rec types.AgentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (timestamp, symbol, ships, credits) VALUES (?, ?, ?, ?)`,
		rec.Timestamp.Unix(), symbol, rec.ShipCount, rec.Credits)
	if err != nil {
		return fmt.Errorf("failed to record agent: %w", err)
	}
	return nil
}

// AgentHistory reads the samples for symbol taken within duration of now.
func (s *Store) AgentHistory(ctx context.Context, symbol string, duration time.Duration) ([]types.AgentRecord, error) {
	records := []types.AgentRecord{}
	startTime := s.now().Add(-duration).Unix()

	rows, err := s.db.QueryContext(ctx,
		"SELECT timestamp, ships, credits FROM agents WHERE symbol = ? AND timestamp >= ? ORDER BY timestamp ASC",
		symbol, startTime)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ts int64
		var rec types.AgentRecord
		if err := rows.Scan(&ts, &rec.ShipCount, &rec.Credits); err != nil {
			return nil, fmt.Errorf("failed to scan agent history: %w", err)
		}
		rec.Timestamp = time.Unix(ts, 0).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
