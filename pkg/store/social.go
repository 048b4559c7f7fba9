package store

import (
	"database/sql"
	"fmt"
	"time"
)

// --- DM conversations ---

// DMConversation tracks one private dialogue and its read watermark.
type DMConversation struct {
	ConversationID    string
	OtherAgent        string
	LastSeenMessageID string
	NeedsHuman        bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UpsertDMConversation creates a conversation record if absent.
func (s *Store) UpsertDMConversation(conversationID, otherAgent string) error {
	ts := now()
	_, err := s.db.Exec(
		`INSERT INTO dm_conversations (conversation_id, other_agent, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET other_agent = excluded.other_agent, updated_at = excluded.updated_at`,
		conversationID, otherAgent, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("upsert dm conversation %s: %w", conversationID, err)
	}
	return nil
}

// DMConversation returns one conversation, or nil if unknown.
func (s *Store) DMConversation(conversationID string) (*DMConversation, error) {
	var c DMConversation
	var needsHuman int
	var created, updated string
	err := s.db.QueryRow(
		`SELECT conversation_id, other_agent, last_seen_message_id, needs_human, created_at, updated_at
		 FROM dm_conversations WHERE conversation_id = ?`, conversationID,
	).Scan(&c.ConversationID, &c.OtherAgent, &c.LastSeenMessageID, &needsHuman, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dm conversation %s: %w", conversationID, err)
	}
	c.NeedsHuman = needsHuman == 1
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// SetDMWatermark advances the last-seen message id for a conversation.
func (s *Store) SetDMWatermark(conversationID, messageID string) error {
	_, err := s.db.Exec(
		`UPDATE dm_conversations SET last_seen_message_id = ?, updated_at = ? WHERE conversation_id = ?`,
		messageID, now(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("set dm watermark %s: %w", conversationID, err)
	}
	return nil
}

// SetDMNeedsHuman flags or clears human escalation on a conversation.
func (s *Store) SetDMNeedsHuman(conversationID string, v bool) error {
	flag := 0
	if v {
		flag = 1
	}
	_, err := s.db.Exec(
		`UPDATE dm_conversations SET needs_human = ?, updated_at = ? WHERE conversation_id = ?`,
		flag, now(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("set dm needs_human %s: %w", conversationID, err)
	}
	return nil
}

// --- Seen markers ---

// MarkCommentSeen records a comment as observed. The replied flag only
// ever ratchets upward; a comment id enters the seen-set at most once.
func (s *Store) MarkCommentSeen(commentID, postID string, replied bool) error {
	flag := 0
	if replied {
		flag = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO seen_comments (comment_id, post_id, replied, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(comment_id) DO UPDATE SET replied = MAX(seen_comments.replied, excluded.replied)`,
		commentID, postID, flag, now(),
	)
	if err != nil {
		return fmt.Errorf("mark comment seen %s: %w", commentID, err)
	}
	return nil
}

// CommentSeen reports whether a comment id is in the seen-set.
func (s *Store) CommentSeen(commentID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM seen_comments WHERE comment_id = ?`, commentID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("comment seen %s: %w", commentID, err)
	}
	return true, nil
}

// MarkPostSeen records a feed post as observed; interacted ratchets upward.
func (s *Store) MarkPostSeen(postID string, interacted bool) error {
	flag := 0
	if interacted {
		flag = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO seen_posts (post_id, interacted, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(post_id) DO UPDATE SET interacted = MAX(seen_posts.interacted, excluded.interacted)`,
		postID, flag, now(),
	)
	if err != nil {
		return fmt.Errorf("mark post seen %s: %w", postID, err)
	}
	return nil
}

// --- Own activity ---

// OwnPost is a post this agent created.
type OwnPost struct {
	PostID    string
	Title     string
	Submolt   string
	CreatedAt time.Time
}

// AddOwnPost records a post the agent created.
func (s *Store) AddOwnPost(postID, title, submolt string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO own_posts (post_id, title, submolt, created_at) VALUES (?, ?, ?, ?)`,
		postID, title, submolt, now(),
	)
	if err != nil {
		return fmt.Errorf("add own post %s: %w", postID, err)
	}
	return nil
}

// RecentOwnPosts returns the agent's posts created within the window,
// newest first, capped at limit.
func (s *Store) RecentOwnPosts(within time.Duration, limit int) ([]OwnPost, error) {
	if limit <= 0 {
		limit = 10
	}
	cutoff := time.Now().UTC().Add(-within).Format(timeFormat)
	rows, err := s.db.Query(
		`SELECT post_id, title, submolt, created_at FROM own_posts
		 WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("recent own posts: %w", err)
	}
	defer rows.Close()

	var posts []OwnPost
	for rows.Next() {
		var p OwnPost
		var created string
		if err := rows.Scan(&p.PostID, &p.Title, &p.Submolt, &created); err != nil {
			return nil, fmt.Errorf("scan own post: %w", err)
		}
		p.CreatedAt = parseTime(created)
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// OwnPostTitles returns recent own-post titles for prompt context.
func (s *Store) OwnPostTitles(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(`SELECT title FROM own_posts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("own post titles: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

// AddOwnComment records a comment the agent created.
func (s *Store) AddOwnComment(commentID, postID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO own_comments (comment_id, post_id, created_at) VALUES (?, ?, ?)`,
		commentID, postID, now(),
	)
	if err != nil {
		return fmt.Errorf("add own comment %s: %w", commentID, err)
	}
	return nil
}

// --- Watched agents ---

// WatchedAgent is another agent the operator asked to keep an eye on.
type WatchedAgent struct {
	Name      string
	Note      string
	CreatedAt time.Time
}

// WatchAgent adds (or updates the note of) a watched agent.
func (s *Store) WatchAgent(name, note string) error {
	_, err := s.db.Exec(
		`INSERT INTO watched_agents (name, note, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET note = excluded.note`,
		name, note, now(),
	)
	if err != nil {
		return fmt.Errorf("watch agent %s: %w", name, err)
	}
	return nil
}

// UnwatchAgent removes a watched agent. Removing an unknown name is
// not an error.
func (s *Store) UnwatchAgent(name string) error {
	_, err := s.db.Exec(`DELETE FROM watched_agents WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("unwatch agent %s: %w", name, err)
	}
	return nil
}

// WatchedAgents lists all watched agents.
func (s *Store) WatchedAgents() ([]WatchedAgent, error) {
	rows, err := s.db.Query(`SELECT name, note, created_at FROM watched_agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("watched agents: %w", err)
	}
	defer rows.Close()

	var agents []WatchedAgent
	for rows.Next() {
		var a WatchedAgent
		var created string
		if err := rows.Scan(&a.Name, &a.Note, &created); err != nil {
			return nil, fmt.Errorf("scan watched agent: %w", err)
		}
		a.CreatedAt = parseTime(created)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Digest items ---

// DigestItem is one line of the daily activity digest.
type DigestItem struct {
	ID        int64
	Kind      string // post, comment
	Ref       string // platform id
	Summary   string
	Reported  bool
	CreatedAt time.Time
}

// AddDigestItem queues an item for the next daily digest.
func (s *Store) AddDigestItem(kind, ref, summary string) error {
	_, err := s.db.Exec(
		`INSERT INTO digest_items (kind, ref, summary, created_at) VALUES (?, ?, ?, ?)`,
		kind, ref, summary, now(),
	)
	if err != nil {
		return fmt.Errorf("add digest item: %w", err)
	}
	return nil
}

// UnreportedDigestItems returns items not yet included in a digest.
func (s *Store) UnreportedDigestItems() ([]DigestItem, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, ref, summary, reported, created_at FROM digest_items
		 WHERE reported = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("unreported digest items: %w", err)
	}
	defer rows.Close()

	var items []DigestItem
	for rows.Next() {
		var d DigestItem
		var reported int
		var created string
		if err := rows.Scan(&d.ID, &d.Kind, &d.Ref, &d.Summary, &reported, &created); err != nil {
			return nil, fmt.Errorf("scan digest item: %w", err)
		}
		d.Reported = reported == 1
		d.CreatedAt = parseTime(created)
		items = append(items, d)
	}
	return items, rows.Err()
}

// MarkDigestReported flags items as included in a digest.
func (s *Store) MarkDigestReported(ids []int64) error {
	for _, id := range ids {
		if _, err := s.db.Exec(`UPDATE digest_items SET reported = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark digest reported %d: %w", id, err)
		}
	}
	return nil
}
