// Package consolidate implements the agent's memory maintenance cycle:
// compressing old low-importance episodes, extracting insights,
// refreshing core memory blocks, and resolving contradicted insights.
//
// The cycle is idempotent and fault-tolerant: a failing stage logs,
// records the error in the report, and yields a zero result instead of
// aborting the remaining stages. It never runs while a heartbeat is in
// flight; the daemon checks the shared lock before calling Consolidate.
package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/molt-labs/molt/internal/jsonx"
	"github.com/molt-labs/molt/pkg/store"
)

// Oracle is the reasoning surface this package needs.
type Oracle interface {
	Infer(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Config controls the consolidation engine.
type Config struct {
	// CompressionAge is how old an episode must be before it is
	// eligible for compression.
	CompressionAge time.Duration
	// CompressionMaxImportance excludes episodes at or above this
	// importance from compression.
	CompressionMaxImportance float64
}

// DefaultConfig returns the standard consolidation settings.
func DefaultConfig() Config {
	return Config{
		CompressionAge:           48 * time.Hour,
		CompressionMaxImportance: 5.0,
	}
}

// Report summarizes one consolidation cycle.
type Report struct {
	StartedAt              time.Time `json:"started_at"`
	Duration               string    `json:"duration"`
	Compressed             int       `json:"compressed"`
	InsightsExtracted      int       `json:"insights_extracted"`
	BlocksUpdated          int       `json:"blocks_updated"`
	ContradictionsResolved int       `json:"contradictions_resolved"`
	Errors                 []string  `json:"errors,omitempty"`
}

// Engine runs the consolidation cycle.
type Engine struct {
	store  *store.Store
	oracle Oracle
	cfg    Config
}

// New creates a consolidation engine.
func New(s *store.Store, oracle Oracle, cfg Config) *Engine {
	if cfg.CompressionAge == 0 {
		cfg.CompressionAge = DefaultConfig().CompressionAge
	}
	if cfg.CompressionMaxImportance == 0 {
		cfg.CompressionMaxImportance = DefaultConfig().CompressionMaxImportance
	}
	return &Engine{store: s, oracle: oracle, cfg: cfg}
}

// Consolidate runs the four stages in order and returns the report.
func (e *Engine) Consolidate(ctx context.Context) *Report {
	report := &Report{StartedAt: time.Now().UTC()}
	start := time.Now()

	slog.Info("consolidation starting")

	report.Compressed = e.compress(ctx, report)
	report.InsightsExtracted = e.extractInsights(ctx, report)
	report.BlocksUpdated = e.updateBlocks(ctx, report)
	report.ContradictionsResolved = e.resolveContradictions(ctx, report)

	report.Duration = time.Since(start).Round(time.Millisecond).String()
	slog.Info("consolidation done",
		"compressed", report.Compressed,
		"insights", report.InsightsExtracted,
		"blocks", report.BlocksUpdated,
		"contradictions", report.ContradictionsResolved,
		"errors", len(report.Errors),
		"duration", report.Duration,
	)
	return report
}

// compress summarizes batches of old low-importance episodes into
// single compressed_summary episodes and deletes the originals.
func (e *Engine) compress(ctx context.Context, report *Report) int {
	cutoff := time.Now().Add(-e.cfg.CompressionAge)
	episodes, err := e.store.EpisodesOlderThan(cutoff, e.cfg.CompressionMaxImportance)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("compress: %v", err))
		return 0
	}
	if len(episodes) < 3 {
		return 0
	}

	compressed := 0
	for i := 0; i < len(episodes); i += 10 {
		end := i + 10
		if end > len(episodes) {
			end = len(episodes)
		}
		batch := episodes[i:end]

		var lines []string
		ids := make([]int64, 0, len(batch))
		for _, ep := range batch {
			lines = append(lines, fmt.Sprintf("- [%s] %s", ep.Type, truncate(ep.Content, 200)))
			ids = append(ids, ep.ID)
		}
		prompt := fmt.Sprintf(
			"Compress these old activity log entries into 1-2 sentences capturing anything still worth remembering:\n%s\nReply with the summary only.",
			strings.Join(lines, "\n"),
		)
		summary, err := e.oracle.Infer(ctx, prompt, 256)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("compress batch: %v", err))
			continue
		}
		summary = cleanText(summary)
		if summary == "" {
			continue
		}

		if err := e.store.DeleteEpisodes(ids); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("compress delete: %v", err))
			continue
		}
		origIDs := make([]any, len(ids))
		for j, id := range ids {
			origIDs[j] = id
		}
		if _, err := e.store.AddEpisode("compressed_summary", summary, 6.0, map[string]any{
			"original_count": len(ids),
			"original_ids":   origIDs,
		}); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("compress insert: %v", err))
			continue
		}
		compressed += len(ids)
	}
	return compressed
}

type proposedInsight struct {
	Insight    string  `json:"insight"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

var validCategories = map[string]bool{
	"engagement": true,
	"social":     true,
	"strategy":   true,
	"content":    true,
}

// extractInsights asks the oracle for up to 3 new insights from recent
// episodes, avoiding duplicates of existing ones.
func (e *Engine) extractInsights(ctx context.Context, report *Report) int {
	episodes, err := e.store.RecentEpisodes(20)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("extract: %v", err))
		return 0
	}
	if len(episodes) < 3 {
		return 0
	}
	existing, err := e.store.Insights(20)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("extract: %v", err))
		return 0
	}

	var b strings.Builder
	b.WriteString("Recent activity:\n")
	for _, ep := range episodes {
		fmt.Fprintf(&b, "- [%s, importance %.1f] %s\n", ep.Type, ep.Importance, truncate(ep.Content, 200))
	}
	if len(existing) > 0 {
		b.WriteString("\nExisting insights (do not repeat these):\n")
		for _, in := range existing {
			fmt.Fprintf(&b, "- %s\n", in.Insight)
		}
	}
	b.WriteString(`
Extract 0-3 NEW behavioral insights from the activity. Category must be one of: engagement, social, strategy, content.
Reply with JSON only: [{"insight": "...", "category": "...", "confidence": 0.0-1.0}]
Reply with [] if nothing new stands out.`)

	text, err := e.oracle.Infer(ctx, b.String(), 512)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("extract oracle: %v", err))
		return 0
	}
	var proposals []proposedInsight
	if err := jsonx.DecodeArray(text, &proposals); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("extract parse: %v", err))
		return 0
	}
	if len(proposals) > 3 {
		proposals = proposals[:3]
	}

	evidence := make([]int64, 0, 10)
	for _, ep := range episodes {
		evidence = append(evidence, ep.ID)
		if len(evidence) == 10 {
			break
		}
	}

	added := 0
	for _, p := range proposals {
		if strings.TrimSpace(p.Insight) == "" || !validCategories[p.Category] {
			continue
		}
		if _, err := e.store.AddInsight(p.Insight, p.Category, p.Confidence, evidence); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("extract insert: %v", err))
			continue
		}
		added++
	}
	return added
}

// updateBlocks rewrites every non-persona core memory block from recent
// activity and high-confidence insights. Unchanged content is skipped.
func (e *Engine) updateBlocks(ctx context.Context, report *Report) int {
	blocks, err := e.store.CoreBlocks()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("blocks: %v", err))
		return 0
	}
	episodes, err := e.store.RecentEpisodes(15)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("blocks: %v", err))
		return 0
	}
	insights, err := e.store.InsightsAboveConfidence(0.5, 10)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("blocks: %v", err))
		return 0
	}

	var activity strings.Builder
	for _, ep := range episodes {
		fmt.Fprintf(&activity, "- [%s] %s\n", ep.Type, truncate(ep.Content, 150))
	}
	for _, in := range insights {
		fmt.Fprintf(&activity, "- insight (%.1f): %s\n", in.Confidence, in.Insight)
	}

	updated := 0
	for _, blk := range blocks {
		if blk.Block == "persona" {
			continue
		}
		prompt := fmt.Sprintf(
			"Rewrite the %q memory block for a social agent. Keep what is still true, fold in what is new, stay under %d characters.\n\nCurrent content:\n%s\n\nRecent activity and insights:\n%s\nReply with the new block content only.",
			blk.Block, blk.CharLimit, blk.Content, activity.String(),
		)
		text, err := e.oracle.Infer(ctx, prompt, 512)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("block %s: %v", blk.Block, err))
			continue
		}
		content := cleanText(text)
		if content == "" || content == blk.Content {
			continue
		}
		if err := e.store.SetCoreBlock(blk.Block, content); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("block %s: %v", blk.Block, err))
			continue
		}
		updated++
	}
	return updated
}

// resolveContradictions lowers the confidence of insights the oracle
// judges contradicted by newer or stronger ones, then drops insights
// that fell below the confidence floor.
func (e *Engine) resolveContradictions(ctx context.Context, report *Report) int {
	insights, err := e.store.Insights(500)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("contradictions: %v", err))
		return 0
	}
	if len(insights) < 2 {
		return 0
	}

	var b strings.Builder
	b.WriteString("Current insights:\n")
	byID := make(map[int64]bool, len(insights))
	for _, in := range insights {
		byID[in.ID] = true
		fmt.Fprintf(&b, "- id=%d confidence=%.2f: %s\n", in.ID, in.Confidence, in.Insight)
	}
	b.WriteString("\nWhich insights are contradicted by newer or stronger ones? Reply with a JSON array of ids, e.g. [3, 7]. Reply with [] if none.")

	text, err := e.oracle.Infer(ctx, b.String(), 128)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("contradictions oracle: %v", err))
		return 0
	}
	var ids []int64
	if err := jsonx.DecodeArray(text, &ids); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("contradictions parse: %v", err))
		return 0
	}

	resolved := 0
	for _, id := range ids {
		if !byID[id] {
			continue
		}
		if err := e.store.SuppressInsight(id); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("suppress %d: %v", id, err))
			continue
		}
		resolved++
	}

	if n, err := e.store.DeleteLowConfidenceInsights(); err == nil && n > 0 {
		slog.Debug("dropped low-confidence insights", "count", n)
	}
	return resolved
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// cleanText strips markdown fences and surrounding quotes from a
// free-text oracle reply.
func cleanText(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "```") {
		if nl := strings.IndexByte(t, '\n'); nl >= 0 {
			t = t[nl+1:]
		}
		t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	}
	t = strings.Trim(strings.TrimSpace(t), `"`)
	return strings.TrimSpace(t)
}
