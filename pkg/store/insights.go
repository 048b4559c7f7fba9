package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Insight is a distilled, confidence-weighted behavioral claim.
type Insight struct {
	ID               int64
	Insight          string
	Category         string // engagement, social, strategy, content
	Confidence       float64
	EvidenceCount    int
	SourceEpisodeIDs []int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AddInsight persists a new insight with clamped confidence.
func (s *Store) AddInsight(text, category string, confidence float64, sourceIDs []int64) (int64, error) {
	confidence = clamp01(confidence)
	var src any
	if len(sourceIDs) > 0 {
		b, err := json.Marshal(sourceIDs)
		if err != nil {
			return 0, fmt.Errorf("marshal source ids: %w", err)
		}
		src = string(b)
	}
	ts := now()
	res, err := s.db.Exec(
		`INSERT INTO insights (insight, category, confidence, evidence_count, source_episode_ids, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?)`,
		text, category, confidence, src, ts, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("add insight: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// Insights returns insights ordered by descending confidence.
func (s *Store) Insights(limit int) ([]Insight, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryInsights(
		`SELECT id, insight, category, confidence, evidence_count, source_episode_ids, created_at, updated_at
		 FROM insights ORDER BY confidence DESC, id DESC LIMIT ?`, limit)
}

// InsightsAboveConfidence returns insights with confidence >= min,
// strongest first.
func (s *Store) InsightsAboveConfidence(min float64, limit int) ([]Insight, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryInsights(
		`SELECT id, insight, category, confidence, evidence_count, source_episode_ids, created_at, updated_at
		 FROM insights WHERE confidence >= ? ORDER BY confidence DESC, id DESC LIMIT ?`, min, limit)
}

// ReinforceInsight raises confidence by 0.1 (capped at 1.0) and bumps the
// evidence count.
func (s *Store) ReinforceInsight(id int64) error {
	_, err := s.db.Exec(
		`UPDATE insights SET confidence = MIN(1.0, confidence + 0.1),
		 evidence_count = evidence_count + 1, updated_at = ? WHERE id = ?`,
		now(), id,
	)
	if err != nil {
		return fmt.Errorf("reinforce insight %d: %w", id, err)
	}
	return nil
}

// SuppressInsight lowers confidence by 0.2, floored at 0.
func (s *Store) SuppressInsight(id int64) error {
	_, err := s.db.Exec(
		`UPDATE insights SET confidence = MAX(0.0, confidence - 0.2), updated_at = ? WHERE id = ?`,
		now(), id,
	)
	if err != nil {
		return fmt.Errorf("suppress insight %d: %w", id, err)
	}
	return nil
}

// DeleteLowConfidenceInsights removes insights below the confidence floor.
// Returns the number deleted.
func (s *Store) DeleteLowConfidenceInsights() (int, error) {
	res, err := s.db.Exec(`DELETE FROM insights WHERE confidence < 0.1`)
	if err != nil {
		return 0, fmt.Errorf("delete low-confidence insights: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// InsightCount returns the number of insights with confidence >= min.
func (s *Store) InsightCount(min float64) int {
	var n int
	s.db.QueryRow("SELECT COUNT(*) FROM insights WHERE confidence >= ?", min).Scan(&n)
	return n
}

func (s *Store) queryInsights(query string, args ...any) ([]Insight, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var in Insight
		var src sql.NullString
		var created, updated string
		if err := rows.Scan(&in.ID, &in.Insight, &in.Category, &in.Confidence,
			&in.EvidenceCount, &src, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		if src.Valid && src.String != "" {
			json.Unmarshal([]byte(src.String), &in.SourceEpisodeIDs)
		}
		in.CreatedAt = parseTime(created)
		in.UpdatedAt = parseTime(updated)
		insights = append(insights, in)
	}
	return insights, rows.Err()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
