// Package memory implements episodic memory over the store: the write
// path (Remember, with oracle-assigned importance) and the read path
// (Recall, blending recency, importance and keyword relevance), plus
// the bounded core memory blocks injected into every oracle call.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/molt-labs/molt/pkg/store"
)

// Oracle is the reasoning surface this package needs.
type Oracle interface {
	Infer(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// SemanticSearcher returns episode ids semantically close to a query.
// Implemented by the embeddings package; nil when semantic recall is off.
type SemanticSearcher interface {
	SearchEpisodes(ctx context.Context, query string, limit int) ([]int64, error)
}

// Manager provides remember/recall over the store.
type Manager struct {
	store    *store.Store
	oracle   Oracle
	semantic SemanticSearcher

	// now is swappable so recall scoring is deterministic in tests.
	now func() time.Time
}

// Recall scoring weights. Recency decays as exp(-0.03·hours):
// roughly 0.5 at 24h, 0.1 at ~77h.
const (
	weightRecency    = 0.3
	weightImportance = 0.4
	weightOverlap    = 0.3
	recencyDecay     = 0.03
	maxKeywords      = 10
	candidateLimit   = 50
)

// Block names and limits for the core memory blocks.
const (
	BlockPersona         = "persona"
	BlockGoals           = "goals"
	BlockSocialGraph     = "social_graph"
	BlockDomainKnowledge = "domain_knowledge"
)

// New creates a memory manager.
func New(s *store.Store, oracle Oracle) *Manager {
	return &Manager{store: s, oracle: oracle, now: time.Now}
}

// SetSemantic enables hybrid recall through a semantic searcher.
func (m *Manager) SetSemantic(s SemanticSearcher) {
	m.semantic = s
}

// SeedDefaults creates the core memory blocks on first run. The persona
// block is seeded from identity configuration and never rewritten.
func (m *Manager) SeedDefaults(personaContent string) error {
	seeds := []struct {
		block   string
		content string
		limit   int
	}{
		{BlockPersona, personaContent, 500},
		{BlockGoals, "", 500},
		{BlockSocialGraph, "(No relationships yet)", 1000},
		{BlockDomainKnowledge, "(No knowledge yet)", 1000},
	}
	for _, seed := range seeds {
		if err := m.store.SeedCoreBlock(seed.block, seed.content, seed.limit); err != nil {
			return err
		}
	}
	return nil
}

// Remember scores content for importance via the oracle and persists it
// as an episode. Importance defaults to 5.0 when the oracle fails.
func (m *Manager) Remember(ctx context.Context, typ, content string, metadata map[string]any) (int64, error) {
	importance := m.scoreImportance(ctx, content)
	id, err := m.store.AddEpisode(typ, content, importance, metadata)
	if err != nil {
		return 0, fmt.Errorf("remember: %w", err)
	}
	slog.Debug("episode remembered", "id", id, "type", typ, "importance", importance)
	return id, nil
}

var numberRe = regexp.MustCompile(`-?\d+(\.\d+)?`)

// scoreImportance asks the oracle to rate content 1-10.
func (m *Manager) scoreImportance(ctx context.Context, content string) float64 {
	prompt := fmt.Sprintf(
		"Rate the long-term importance of this event for a social agent's memory, 1 (trivial) to 10 (critical).\nEvent: %s\nReply with just the number.",
		content,
	)
	text, err := m.oracle.Infer(ctx, prompt, 8)
	if err != nil {
		slog.Warn("importance scoring failed, using default", "error", err)
		return 5.0
	}
	match := numberRe.FindString(text)
	if match == "" {
		return 5.0
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 5.0
	}
	if v < 1 {
		v = 1
	}
	if v > 10 {
		v = 10
	}
	return v
}

// ScoredEpisode is an episode with its recall score.
type ScoredEpisode struct {
	store.Episode
	Score float64
}

// Recall returns the top episodes for a query, ranked by
// 0.3·recency + 0.4·(importance/10) + 0.3·keyword_overlap.
func (m *Manager) Recall(ctx context.Context, query string, limit int) ([]ScoredEpisode, error) {
	if limit <= 0 {
		limit = 5
	}
	keywords := Keywords(query)

	candidates, err := m.store.SearchEpisodes(keywords, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	candidates = m.mergeSemantic(ctx, query, candidates)

	nowT := m.now()
	scored := make([]ScoredEpisode, 0, len(candidates))
	for _, e := range candidates {
		hours := nowT.Sub(e.CreatedAt).Hours()
		if hours < 0 {
			hours = 0
		}
		recency := math.Exp(-recencyDecay * hours)
		overlap := overlapRatio(e.Content, keywords)
		score := weightRecency*recency + weightImportance*(e.Importance/10.0) + weightOverlap*overlap
		scored = append(scored, ScoredEpisode{Episode: e, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// mergeSemantic folds semantic neighbors into the keyword candidates.
// Failures degrade to keyword-only recall.
func (m *Manager) mergeSemantic(ctx context.Context, query string, candidates []store.Episode) []store.Episode {
	if m.semantic == nil || query == "" {
		return candidates
	}
	ids, err := m.semantic.SearchEpisodes(ctx, query, candidateLimit/2)
	if err != nil {
		slog.Warn("semantic recall failed, keyword-only", "error", err)
		return candidates
	}
	have := make(map[int64]bool, len(candidates))
	for _, e := range candidates {
		have[e.ID] = true
	}
	var missing []int64
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return candidates
	}
	extra, err := m.store.EpisodesByIDs(missing)
	if err != nil {
		return candidates
	}
	return append(candidates, extra...)
}

var wordRe = regexp.MustCompile(`\w+`)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "in": true, "on": true, "at": true,
	"to": true, "for": true, "of": true, "with": true, "and": true,
	"or": true, "not": true, "this": true, "that": true, "it": true,
	"i": true, "my": true, "your": true,
}

// Keywords extracts lowercased search terms from a query: word tokens
// longer than 2 characters, stop words removed, capped at 10.
func Keywords(query string) []string {
	var out []string
	for _, w := range wordRe.FindAllString(strings.ToLower(query), -1) {
		if len(w) <= 2 || stopwords[w] {
			continue
		}
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// overlapRatio is matched keywords over total keywords.
func overlapRatio(content string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

// ContextBlocks returns the core memory blocks for prompt injection.
func (m *Manager) ContextBlocks() ([]store.CoreBlock, error) {
	return m.store.CoreBlocks()
}

// PromptContext renders the core blocks as a <memory> section.
func (m *Manager) PromptContext() string {
	blocks, err := m.store.CoreBlocks()
	if err != nil || len(blocks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<memory>\n")
	for _, blk := range blocks {
		if strings.TrimSpace(blk.Content) == "" {
			continue
		}
		b.WriteString("## " + blk.Block + "\n")
		b.WriteString(blk.Content + "\n")
	}
	b.WriteString("</memory>")
	return b.String()
}

// UpdateCoreBlock replaces a block's content. The persona block is
// protected from algorithmic rewrite.
func (m *Manager) UpdateCoreBlock(block, content string) error {
	if block == BlockPersona {
		return fmt.Errorf("update core block: %s is immutable", BlockPersona)
	}
	return m.store.SetCoreBlock(block, content)
}
