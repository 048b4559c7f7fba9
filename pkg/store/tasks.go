package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// --- Task queue ---

// Task is an operator-queued unit of work. Status moves
// pending -> done | failed and is terminal.
type Task struct {
	ID          int64
	Type        string // ask, reflect, heartbeat
	Payload     string
	Status      string
	Result      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// AddTask queues a new task and returns its id.
func (s *Store) AddTask(typ, payload string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO tasks (type, payload, status, created_at) VALUES (?, ?, 'pending', ?)`,
		typ, payload, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("add task: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// NextPendingTask returns the oldest pending task, or nil.
func (s *Store) NextPendingTask() (*Task, error) {
	var t Task
	var result sql.NullString
	var created string
	var completed sql.NullString
	err := s.db.QueryRow(
		`SELECT id, type, payload, status, result, created_at, completed_at
		 FROM tasks WHERE status = 'pending' ORDER BY id ASC LIMIT 1`,
	).Scan(&t.ID, &t.Type, &t.Payload, &t.Status, &result, &created, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending task: %w", err)
	}
	t.Result = result.String
	t.CreatedAt = parseTime(created)
	if completed.Valid {
		ct := parseTime(completed.String)
		t.CompletedAt = &ct
	}
	return &t, nil
}

// CompleteTask marks a task done with a result.
func (s *Store) CompleteTask(id int64, result string) error {
	return s.finishTask(id, "done", result)
}

// FailTask marks a task failed with an error description.
func (s *Store) FailTask(id int64, result string) error {
	return s.finishTask(id, "failed", result)
}

func (s *Store) finishTask(id int64, status, result string) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, result = ?, completed_at = ? WHERE id = ?`,
		status, result, now(), id,
	)
	if err != nil {
		return fmt.Errorf("finish task %d: %w", id, err)
	}
	return nil
}

// --- Agent events ---

// Event is an outward-facing notification record, consumed exactly once
// by the notifier.
type Event struct {
	ID        int64
	Type      string
	Payload   map[string]any
	Consumed  bool
	CreatedAt time.Time
}

// AddEvent records a notification event and returns its id.
func (s *Store) AddEvent(typ string, payload map[string]any) (int64, error) {
	var p any
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		p = string(b)
	}
	res, err := s.db.Exec(
		`INSERT INTO agent_events (type, payload, created_at) VALUES (?, ?, ?)`,
		typ, p, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("add event: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// ConsumeEvents fetches unconsumed events oldest-first and marks them
// consumed in the same transaction.
func (s *Store) ConsumeEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin consume events: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, type, payload, created_at FROM agent_events
		 WHERE consumed = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	var events []Event
	for rows.Next() {
		var e Event
		var payload sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.Type, &payload, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range events {
		if _, err := tx.Exec(`UPDATE agent_events SET consumed = 1 WHERE id = ?`, e.ID); err != nil {
			return nil, fmt.Errorf("mark event consumed %d: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume events: %w", err)
	}
	for i := range events {
		events[i].Consumed = true
	}
	return events, nil
}
