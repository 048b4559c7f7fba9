package store

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Core memory blocks ---

// CoreBlock is a small bounded-length summary injected into every
// oracle call. Block names: persona, goals, social_graph, domain_knowledge.
type CoreBlock struct {
	Block     string
	Content   string
	CharLimit int
	UpdatedAt time.Time
}

// SeedCoreBlock creates a block if absent. Idempotent first-run setup.
func (s *Store) SeedCoreBlock(block, content string, charLimit int) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO core_memory (block, content, char_limit, updated_at) VALUES (?, ?, ?, ?)`,
		block, content, charLimit, now(),
	)
	if err != nil {
		return fmt.Errorf("seed core block %s: %w", block, err)
	}
	return nil
}

// CoreBlocks returns all core memory blocks in a stable order.
func (s *Store) CoreBlocks() ([]CoreBlock, error) {
	rows, err := s.db.Query(`SELECT block, content, char_limit, updated_at FROM core_memory ORDER BY block`)
	if err != nil {
		return nil, fmt.Errorf("core blocks: %w", err)
	}
	defer rows.Close()

	var blocks []CoreBlock
	for rows.Next() {
		var b CoreBlock
		var updated string
		if err := rows.Scan(&b.Block, &b.Content, &b.CharLimit, &updated); err != nil {
			return nil, fmt.Errorf("scan core block: %w", err)
		}
		b.UpdatedAt = parseTime(updated)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// CoreBlock returns one block, or nil if it does not exist.
func (s *Store) CoreBlock(block string) (*CoreBlock, error) {
	var b CoreBlock
	var updated string
	err := s.db.QueryRow(
		`SELECT block, content, char_limit, updated_at FROM core_memory WHERE block = ?`, block,
	).Scan(&b.Block, &b.Content, &b.CharLimit, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("core block %s: %w", block, err)
	}
	b.UpdatedAt = parseTime(updated)
	return &b, nil
}

// SetCoreBlock replaces a block's content, truncated to its char limit.
// The block must already exist.
func (s *Store) SetCoreBlock(block, content string) error {
	b, err := s.CoreBlock(block)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("set core block: unknown block %q", block)
	}
	if len(content) > b.CharLimit {
		content = content[:b.CharLimit]
	}
	_, err = s.db.Exec(
		`UPDATE core_memory SET content = ?, updated_at = ? WHERE block = ?`,
		content, now(), block,
	)
	if err != nil {
		return fmt.Errorf("set core block %s: %w", block, err)
	}
	return nil
}

// --- Strategy versions ---

// StrategyVersion is one committed revision of the policy document.
// Versions are append-only; the document is serialized JSON.
type StrategyVersion struct {
	Version             int
	StrategyJSON        string
	ParentVersion       *int
	Trigger             string
	PerformanceSnapshot string
	CreatedAt           time.Time
}

// SaveStrategyVersion appends a new strategy version.
func (s *Store) SaveStrategyVersion(version int, strategyJSON string, parent *int, trigger, snapshot string) error {
	var parentArg any
	if parent != nil {
		parentArg = *parent
	}
	_, err := s.db.Exec(
		`INSERT INTO strategy_versions (version, strategy_json, parent_version, trigger, performance_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		version, strategyJSON, parentArg, trigger, snapshot, now(),
	)
	if err != nil {
		return fmt.Errorf("save strategy version %d: %w", version, err)
	}
	return nil
}

// LatestStrategy returns the highest-numbered strategy version, or nil.
func (s *Store) LatestStrategy() (*StrategyVersion, error) {
	return s.scanStrategy(s.db.QueryRow(
		`SELECT version, strategy_json, parent_version, trigger, COALESCE(performance_snapshot,''), created_at
		 FROM strategy_versions ORDER BY version DESC LIMIT 1`))
}

// StrategyVersions returns the full version history, oldest first.
func (s *Store) StrategyVersions() ([]StrategyVersion, error) {
	rows, err := s.db.Query(
		`SELECT version, strategy_json, parent_version, trigger, COALESCE(performance_snapshot,''), created_at
		 FROM strategy_versions ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("strategy versions: %w", err)
	}
	defer rows.Close()

	var versions []StrategyVersion
	for rows.Next() {
		var v StrategyVersion
		var parent sql.NullInt64
		var created string
		if err := rows.Scan(&v.Version, &v.StrategyJSON, &parent, &v.Trigger, &v.PerformanceSnapshot, &created); err != nil {
			return nil, fmt.Errorf("scan strategy version: %w", err)
		}
		if parent.Valid {
			p := int(parent.Int64)
			v.ParentVersion = &p
		}
		v.CreatedAt = parseTime(created)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) scanStrategy(row *sql.Row) (*StrategyVersion, error) {
	var v StrategyVersion
	var parent sql.NullInt64
	var created string
	err := row.Scan(&v.Version, &v.StrategyJSON, &parent, &v.Trigger, &v.PerformanceSnapshot, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan strategy version: %w", err)
	}
	if parent.Valid {
		p := int(parent.Int64)
		v.ParentVersion = &p
	}
	v.CreatedAt = parseTime(created)
	return &v, nil
}
