// Package store persists coach users, sessions, transcripts, token reservations,
// notes and replay stats in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrReservationActive  = errors.New("session already has an active reservation")
	ErrInsufficientBudget = errors.New("insufficient token budget")
)

// Fixed-width UTC layout so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath and ensures the schema.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("coach db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) init() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			subscription_tier TEXT NOT NULL DEFAULT 'free',
			token_budget_used INTEGER NOT NULL DEFAULT 0,
			token_budget_reset_at_utc TEXT NOT NULL,
			free_coach_messages_used INTEGER NOT NULL DEFAULT 0,
			created_at_utc TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS coach_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title TEXT NOT NULL DEFAULT '',
			replay_id TEXT NOT NULL DEFAULT '',
			total_tokens INTEGER NOT NULL DEFAULT 0,
			created_at_utc TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_coach_sessions_user ON coach_sessions(user_id, updated_at_utc);",
		`CREATE TABLE IF NOT EXISTS coach_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES coach_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			content_json TEXT NOT NULL,
			thinking TEXT NOT NULL DEFAULT '',
			aborted INTEGER NOT NULL DEFAULT 0,
			sequence INTEGER NOT NULL,
			created_at_utc TEXT NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_coach_messages_session ON coach_messages(session_id, sequence);",
		`CREATE TABLE IF NOT EXISTS coach_token_reservations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL,
			estimated_tokens INTEGER NOT NULL,
			created_at_utc TEXT NOT NULL,
			expires_at_utc TEXT NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_coach_reservations_expiry ON coach_token_reservations(expires_at_utc);",
		"CREATE INDEX IF NOT EXISTS idx_coach_reservations_session ON coach_token_reservations(session_id);",
		`CREATE TABLE IF NOT EXISTS coach_notes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'user',
			replay_id TEXT NOT NULL DEFAULT '',
			created_at_utc TEXT NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_coach_notes_user ON coach_notes(user_id, created_at_utc);",
		`CREATE TABLE IF NOT EXISTS replays (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			playlist TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			map_name TEXT NOT NULL DEFAULT '',
			played_at_utc TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			team_score INTEGER NOT NULL DEFAULT 0,
			opponent_score INTEGER NOT NULL DEFAULT 0
		);`,
		"CREATE INDEX IF NOT EXISTS idx_replays_user ON replays(user_id, played_at_utc);",
		`CREATE TABLE IF NOT EXISTS player_game_stats (
			replay_id TEXT NOT NULL REFERENCES replays(id) ON DELETE CASCADE,
			player_name TEXT NOT NULL,
			is_me INTEGER NOT NULL DEFAULT 0,
			team INTEGER NOT NULL DEFAULT 0,
			goals INTEGER NOT NULL DEFAULT 0,
			assists INTEGER NOT NULL DEFAULT 0,
			saves INTEGER NOT NULL DEFAULT 0,
			shots INTEGER NOT NULL DEFAULT 0,
			score INTEGER NOT NULL DEFAULT 0,
			boost_per_minute REAL NOT NULL DEFAULT 0,
			avg_boost REAL NOT NULL DEFAULT 0,
			avg_speed_kph REAL NOT NULL DEFAULT 0,
			time_supersonic_s REAL NOT NULL DEFAULT 0,
			aerials INTEGER NOT NULL DEFAULT 0,
			wavedashes INTEGER NOT NULL DEFAULT 0,
			demos_inflicted INTEGER NOT NULL DEFAULT 0,
			demos_taken INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (replay_id, player_name)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		parsed, _ = time.Parse(time.RFC3339, value)
	}
	return parsed.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
