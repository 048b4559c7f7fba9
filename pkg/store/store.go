// Package store provides the agent's durable state on SQLite.
//
// Everything the agent knows about itself lives in one database file:
// episodes, insights, core memory blocks, strategy versions, DM
// watermarks, dedup markers, the task queue, outbound events and the
// audit log. All components share one Store handle; the heartbeat lock
// and the paused flag are plain rows in the state table so they survive
// restarts.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Store is a handle to the agent database.
type Store struct {
	db   *sql.DB
	path string
}

const timeFormat = "2006-01-02 15:04:05"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS episodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		importance REAL NOT NULL DEFAULT 5.0,
		metadata TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS insights (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		insight TEXT NOT NULL,
		category TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0.5,
		evidence_count INTEGER NOT NULL DEFAULT 1,
		source_episode_ids TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS core_memory (
		block TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		char_limit INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS strategy_versions (
		version INTEGER PRIMARY KEY,
		strategy_json TEXT NOT NULL,
		parent_version INTEGER,
		trigger TEXT NOT NULL,
		performance_snapshot TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dm_conversations (
		conversation_id TEXT PRIMARY KEY,
		other_agent TEXT NOT NULL,
		last_seen_message_id TEXT NOT NULL DEFAULT '',
		needs_human INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS seen_comments (
		comment_id TEXT PRIMARY KEY,
		post_id TEXT NOT NULL,
		replied INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS seen_posts (
		post_id TEXT PRIMARY KEY,
		interacted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS own_posts (
		post_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		submolt TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS own_comments (
		comment_id TEXT PRIMARY KEY,
		post_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS agent_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		payload TEXT,
		consumed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS digest_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		ref TEXT NOT NULL,
		summary TEXT NOT NULL,
		reported INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS watched_agents (
		name TEXT PRIMARY KEY,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		detail TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_episodes_type ON episodes(type)`,
	`CREATE INDEX IF NOT EXISTS idx_episodes_created ON episodes(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_consumed ON agent_events(consumed)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
}

// Open opens (creating if needed) the agent database at the given file path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	s := &Store{db: db, path: path}
	slog.Info("store opened", "path", path, "episodes", s.count("episodes"), "insights", s.count("insights"))
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) count(table string) int {
	var n int
	s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
	return n
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

// --- State (KV) ---

// GetState returns the value for key, or "" if absent.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetState upserts a state value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now(),
	)
	return err
}

// SetStateDefault writes a value only if the key is absent.
// Idempotent initialization for flags and counters.
func (s *Store) SetStateDefault(key, value string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO state (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, now(),
	)
	return err
}

// GetStateInt returns the value for key parsed as an integer, or 0.
func (s *Store) GetStateInt(key string) (int, error) {
	v, err := s.GetState(key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Paused reports whether the operator has paused the agent.
func (s *Store) Paused() bool {
	v, _ := s.GetState("paused")
	return v == "1"
}

// HeartbeatRunning reports whether a heartbeat tick is in flight.
// This is the advisory lock shared with the consolidation timer.
func (s *Store) HeartbeatRunning() bool {
	v, _ := s.GetState("heartbeat_running")
	return v == "1"
}

// --- Stats ---

// Stats is a snapshot of agent activity, fed to prompts and the operator.
type Stats struct {
	TotalPosts         int
	CommentsToday      int
	SeenPosts          int
	PendingTasks       int
	WatchedAgents      int
	UnrepliedComments  int
	LastPostAt         *time.Time
	HoursSinceLastPost float64
	Paused             bool
}

// Stats computes the activity snapshot.
func (s *Store) Stats() Stats {
	var st Stats
	s.db.QueryRow("SELECT COUNT(*) FROM own_posts").Scan(&st.TotalPosts)
	today := time.Now().UTC().Format("2006-01-02")
	s.db.QueryRow("SELECT COUNT(*) FROM own_comments WHERE created_at >= ?", today).Scan(&st.CommentsToday)
	s.db.QueryRow("SELECT COUNT(*) FROM seen_posts").Scan(&st.SeenPosts)
	s.db.QueryRow("SELECT COUNT(*) FROM tasks WHERE status = 'pending'").Scan(&st.PendingTasks)
	s.db.QueryRow("SELECT COUNT(*) FROM watched_agents").Scan(&st.WatchedAgents)
	s.db.QueryRow("SELECT COUNT(*) FROM seen_comments WHERE replied = 0").Scan(&st.UnrepliedComments)

	var last sql.NullString
	s.db.QueryRow("SELECT MAX(created_at) FROM own_posts").Scan(&last)
	if last.Valid && last.String != "" {
		t := parseTime(last.String)
		if !t.IsZero() {
			st.LastPostAt = &t
			st.HoursSinceLastPost = time.Since(t).Hours()
		}
	}
	st.Paused = s.Paused()
	return st
}

// --- Audit ---

// Audit appends an entry to the append-only audit log.
func (s *Store) Audit(action, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (action, detail, created_at) VALUES (?, ?, ?)`,
		action, detail, now(),
	)
	if err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64
	Action    string
	Detail    string
	CreatedAt time.Time
}

// AuditEntries returns the newest audit entries.
func (s *Store) AuditEntries(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, action, COALESCE(detail,''), created_at FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var created string
		if err := rows.Scan(&e.ID, &e.Action, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// parseTime parses a datetime string from SQLite, handling multiple formats.
// SQLite stores DATETIME as text and different writers use different formats.
func parseTime(s string) time.Time {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z07:00",
		timeFormat,
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
