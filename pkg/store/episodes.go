package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Episode is one timestamped, scored log entry of agent activity.
type Episode struct {
	ID         int64
	Type       string // post, comment, reply, dm, upvote, skip, safety_block, reflection, compressed_summary, ...
	Content    string
	Importance float64 // 1..10
	Metadata   map[string]any
	CreatedAt  time.Time
}

// AddEpisode persists a new episode and returns its id.
func (s *Store) AddEpisode(typ, content string, importance float64, metadata map[string]any) (int64, error) {
	return s.AddEpisodeAt(typ, content, importance, metadata, time.Now())
}

// AddEpisodeAt persists an episode with an explicit creation time.
// Used for imports and backfills.
func (s *Store) AddEpisodeAt(typ, content string, importance float64, metadata map[string]any, createdAt time.Time) (int64, error) {
	var meta any
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal episode metadata: %w", err)
		}
		meta = string(b)
	}
	res, err := s.db.Exec(
		`INSERT INTO episodes (type, content, importance, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		typ, content, importance, meta, createdAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("add episode: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// RecentEpisodes returns the newest episodes, newest first.
func (s *Store) RecentEpisodes(limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryEpisodes(`SELECT id, type, content, importance, metadata, created_at
		FROM episodes ORDER BY id DESC LIMIT ?`, limit)
}

// SearchEpisodes returns episodes whose content matches any of the given
// keywords (substring, case-insensitive via LIKE), newest first.
func (s *Store) SearchEpisodes(keywords []string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 50
	}
	if len(keywords) == 0 {
		return s.RecentEpisodes(limit)
	}

	conds := make([]string, 0, len(keywords))
	args := make([]any, 0, len(keywords)+1)
	for _, kw := range keywords {
		conds = append(conds, "content LIKE ?")
		args = append(args, "%"+kw+"%")
	}
	args = append(args, limit)

	query := `SELECT id, type, content, importance, metadata, created_at FROM episodes
		WHERE ` + strings.Join(conds, " OR ") + ` ORDER BY id DESC LIMIT ?`
	return s.queryEpisodes(query, args...)
}

// EpisodesOlderThan returns episodes created before the cutoff with
// importance strictly below maxImportance, oldest first.
func (s *Store) EpisodesOlderThan(cutoff time.Time, maxImportance float64) ([]Episode, error) {
	return s.queryEpisodes(
		`SELECT id, type, content, importance, metadata, created_at FROM episodes
		 WHERE created_at < ? AND importance < ? ORDER BY id ASC`,
		cutoff.UTC().Format(timeFormat), maxImportance,
	)
}

// EpisodesByType returns the newest episodes of one type.
func (s *Store) EpisodesByType(typ string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryEpisodes(
		`SELECT id, type, content, importance, metadata, created_at FROM episodes
		 WHERE type = ? ORDER BY id DESC LIMIT ?`, typ, limit)
}

// DeleteEpisodes removes episodes by id. Used by compression only.
func (s *Store) DeleteEpisodes(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := s.db.Exec(
		fmt.Sprintf("DELETE FROM episodes WHERE id IN (%s)", strings.Join(placeholders, ",")), args...)
	if err != nil {
		return fmt.Errorf("delete episodes: %w", err)
	}
	return nil
}

// SetEpisodeMetadataKey sets one key in an episode's metadata blob,
// preserving the other keys.
func (s *Store) SetEpisodeMetadataKey(id int64, key string, value any) error {
	var meta sql.NullString
	err := s.db.QueryRow(`SELECT metadata FROM episodes WHERE id = ?`, id).Scan(&meta)
	if err != nil {
		return fmt.Errorf("episode metadata %d: %w", id, err)
	}
	m := map[string]any{}
	if meta.Valid && meta.String != "" {
		json.Unmarshal([]byte(meta.String), &m)
	}
	m[key] = value
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal episode metadata: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE episodes SET metadata = ? WHERE id = ?`, string(b), id); err != nil {
		return fmt.Errorf("update episode metadata %d: %w", id, err)
	}
	return nil
}

// EpisodeRef is a lightweight id + content pair for embedding sync.
type EpisodeRef struct {
	ID      int64
	Content string
}

// EpisodeRefs returns all episode ids with their content. Used by the
// embedding sync worker to detect un-embedded or stale episodes.
func (s *Store) EpisodeRefs() ([]EpisodeRef, error) {
	rows, err := s.db.Query(`SELECT id, content FROM episodes`)
	if err != nil {
		return nil, fmt.Errorf("episode refs: %w", err)
	}
	defer rows.Close()

	var refs []EpisodeRef
	for rows.Next() {
		var r EpisodeRef
		if err := rows.Scan(&r.ID, &r.Content); err != nil {
			return nil, fmt.Errorf("scan episode ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// EpisodesByIDs fetches full episodes for a list of ids.
func (s *Store) EpisodesByIDs(ids []int64) ([]Episode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return s.queryEpisodes(
		fmt.Sprintf(`SELECT id, type, content, importance, metadata, created_at
			FROM episodes WHERE id IN (%s)`, strings.Join(placeholders, ",")), args...)
}

// EpisodeCount returns the total number of episodes.
func (s *Store) EpisodeCount() int {
	return s.count("episodes")
}

func (s *Store) queryEpisodes(query string, args ...any) ([]Episode, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var episodes []Episode
	for rows.Next() {
		var e Episode
		var meta sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.Type, &e.Content, &e.Importance, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		if meta.Valid && meta.String != "" {
			// Tolerate hand-edited rows; a bad metadata blob is not fatal.
			json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		e.CreatedAt = parseTime(created)
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}
