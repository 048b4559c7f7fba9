// Package reflection implements the agent's self-improvement protocol:
// a five-stage cycle (evaluate, reflect, propose, validate, commit)
// that is the only mechanism allowed to change the strategy document.
// Committed versions are append-only with full lineage; every proposal,
// approved or rejected, lands in the audit log.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/molt-labs/molt/internal/jsonx"
	"github.com/molt-labs/molt/pkg/memory"
	"github.com/molt-labs/molt/pkg/persona"
	"github.com/molt-labs/molt/pkg/store"
)

// Oracle is the reasoning surface this package needs.
type Oracle interface {
	Infer(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Engine runs reflection cycles.
type Engine struct {
	store  *store.Store
	memory *memory.Manager
	oracle Oracle

	// everyN triggers a cycle every N heartbeats.
	everyN int
}

// New creates a reflection engine. everyN <= 0 defaults to 10.
func New(s *store.Store, mem *memory.Manager, oracle Oracle, everyN int) *Engine {
	if everyN <= 0 {
		everyN = 10
	}
	return &Engine{store: s, memory: mem, oracle: oracle, everyN: everyN}
}

// Result summarizes one reflection cycle.
type Result struct {
	Accepted   int      `json:"accepted"`
	Rejected   int      `json:"rejected"`
	Changes    []string `json:"changes,omitempty"`
	NewVersion *int     `json:"new_version,omitempty"`
}

// Proposal is one oracle-suggested strategy edit.
type Proposal struct {
	Field    string `json:"field"` // dotted path into the strategy document
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
	Reason   string `json:"reason"`
	Approved bool   `json:"approved"`
}

// ShouldReflect reports whether a cycle is due: every N heartbeats, or
// when a recent own post shows zero engagement.
func (e *Engine) ShouldReflect() (bool, string) {
	count, err := e.store.GetStateInt("heartbeat_count")
	if err == nil && count > 0 && count%e.everyN == 0 {
		return true, "interval"
	}

	posts, err := e.store.EpisodesByType("post", 5)
	if err != nil {
		return false, ""
	}
	for _, p := range posts {
		if zero, ok := p.Metadata["zero_engagement"].(bool); ok && zero {
			return true, "zero_engagement"
		}
	}
	return false, ""
}

// Reflect runs the five stages against the current strategy document
// and returns what changed. The input document is never mutated.
func (e *Engine) Reflect(ctx context.Context, strategy persona.Strategy) (*Result, error) {
	metrics := e.evaluate()

	thought := e.reflect(ctx, strategy, metrics)

	proposals := e.propose(ctx, strategy, thought, metrics)
	if len(proposals) == 0 {
		slog.Info("reflection produced no proposals")
		result := &Result{}
		e.recordCycle(ctx, result, metrics, 0)
		return result, nil
	}

	e.validate(ctx, proposals)

	result, err := e.commitOrReject(strategy, proposals, metrics)
	if err != nil {
		return nil, err
	}
	e.recordCycle(ctx, result, metrics, len(proposals))
	return result, nil
}

// recordCycle leaves a reflection episode behind, so later recall and
// the next evaluation can see that a cycle ran and what it changed.
func (e *Engine) recordCycle(ctx context.Context, result *Result, m metrics, proposals int) {
	summary, _ := json.Marshal(result)
	_, err := e.memory.Remember(ctx, "reflection",
		"Reflection cycle completed: "+truncate(string(summary), 500),
		map[string]any{
			"proposals": proposals,
			"accepted":  result.Accepted,
			"rejected":  result.Rejected,
			"insights":  m.InsightCount,
		})
	if err != nil {
		slog.Warn("reflection episode write failed", "error", err)
	}
}

// metrics is the deterministic evaluation snapshot.
type metrics struct {
	Stats            store.Stats    `json:"-"`
	TypeDistribution map[string]int `json:"type_distribution"`
	AvgImportance    float64        `json:"avg_importance"`
	InsightCount     int            `json:"insight_count"`
	TotalPosts       int            `json:"total_posts"`
	CommentsToday    int            `json:"comments_today"`
	UnrepliedCount   int            `json:"unreplied_comments"`
}

// evaluate computes lightweight performance metrics from the store.
func (e *Engine) evaluate() metrics {
	m := metrics{TypeDistribution: make(map[string]int)}
	m.Stats = e.store.Stats()
	m.TotalPosts = m.Stats.TotalPosts
	m.CommentsToday = m.Stats.CommentsToday
	m.UnrepliedCount = m.Stats.UnrepliedComments
	m.InsightCount = e.store.InsightCount(0.3)

	episodes, err := e.store.RecentEpisodes(20)
	if err != nil {
		return m
	}
	var sum float64
	for _, ep := range episodes {
		m.TypeDistribution[ep.Type]++
		sum += ep.Importance
	}
	if len(episodes) > 0 {
		m.AvgImportance = sum / float64(len(episodes))
	}
	return m
}

// reflect asks the oracle for a free-text self-critique and remembers
// it as a reflection_thought episode.
func (e *Engine) reflect(ctx context.Context, strategy persona.Strategy, m metrics) string {
	doc, _ := strategy.JSON()
	prompt := fmt.Sprintf(
		"You are reviewing your own behavior as a social agent.\n\nCurrent strategy:\n%s\n\nRecent metrics:\n%s\n\nWhat is working, what is not, and what would you change? A short honest paragraph.",
		doc, formatMetrics(m),
	)
	thought, err := e.oracle.Infer(ctx, prompt, 512)
	if err != nil {
		slog.Warn("reflection thought failed", "error", err)
		return ""
	}
	thought = strings.TrimSpace(thought)
	if thought != "" {
		if _, err := e.memory.Remember(ctx, "reflection_thought", truncate(thought, 500), nil); err != nil {
			slog.Warn("could not remember reflection thought", "error", err)
		}
	}
	return thought
}

// propose asks the oracle for 0-3 structured strategy edits.
func (e *Engine) propose(ctx context.Context, strategy persona.Strategy, thought string, m metrics) []*Proposal {
	doc, _ := strategy.JSON()
	prompt := fmt.Sprintf(
		`Based on this self-critique and metrics, propose 0-3 concrete edits to the strategy document.

Strategy:
%s

Self-critique:
%s

Metrics:
%s

Each edit targets one field by dotted path (e.g. "engagement.style.tone").
Reply with JSON only: [{"field": "...", "old_value": ..., "new_value": ..., "reason": "..."}]
Reply with [] to change nothing.`,
		doc, thought, formatMetrics(m),
	)
	text, err := e.oracle.Infer(ctx, prompt, 768)
	if err != nil {
		slog.Warn("reflection propose failed", "error", err)
		return nil
	}
	var proposals []*Proposal
	if err := jsonx.DecodeArray(text, &proposals); err != nil {
		slog.Warn("reflection propose unparseable", "error", err)
		return nil
	}
	if len(proposals) > 3 {
		proposals = proposals[:3]
	}
	var valid []*Proposal
	for _, p := range proposals {
		if p != nil && strings.TrimSpace(p.Field) != "" {
			valid = append(valid, p)
		}
	}
	return valid
}

type validation struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// validate re-judges each proposal against the constitution. A failed
// or unparseable validation rejects the proposal: self-modification is
// fail-closed, unlike action validation.
func (e *Engine) validate(ctx context.Context, proposals []*Proposal) {
	for _, p := range proposals {
		var b strings.Builder
		b.WriteString("Judge this proposed strategy change against the agent's constitution.\n\nValues:\n")
		for _, v := range persona.ConstitutionalValues {
			b.WriteString("- " + v + "\n")
		}
		b.WriteString("Safety rules:\n")
		for _, r := range persona.SafetyRules {
			b.WriteString("- " + r + "\n")
		}
		fmt.Fprintf(&b, "\nProposed change:\nfield: %s\nold: %v\nnew: %v\nreason: %s\n", p.Field, p.OldValue, p.NewValue, p.Reason)
		b.WriteString("\nApprove only changes consistent with the values and rules that plausibly improve performance.\nReply with JSON only: {\"approved\": true/false, \"reason\": \"...\"}")

		text, err := e.oracle.Infer(ctx, b.String(), 256)
		if err != nil {
			slog.Warn("proposal validation failed, rejecting", "field", p.Field, "error", err)
			continue
		}
		var v validation
		if err := jsonx.Decode(text, &v); err != nil {
			slog.Warn("proposal validation unparseable, rejecting", "field", p.Field, "error", err)
			continue
		}
		p.Approved = v.Approved
	}
}

// commitOrReject applies approved proposals to a copy of the strategy,
// saves version N+1 when anything applied, and audits every proposal.
func (e *Engine) commitOrReject(strategy persona.Strategy, proposals []*Proposal, m metrics) (*Result, error) {
	result := &Result{}

	doc, err := strategy.Clone()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, p := range proposals {
		if !p.Approved {
			result.Rejected++
			continue
		}
		if !applyPath(doc, p.Field, p.NewValue) {
			// Missing or non-map intermediate segment: proposal ignored.
			result.Rejected++
			continue
		}
		applied = append(applied, p.Field)
		result.Accepted++
	}

	var oldVersion, newVersion *int
	if len(applied) > 0 {
		current, err := e.store.LatestStrategy()
		if err != nil {
			return nil, err
		}
		base := 1
		if current != nil {
			base = current.Version
		}
		next := base + 1
		doc["version"] = next

		raw, err := doc.JSON()
		if err != nil {
			return nil, err
		}
		snapshot, _ := json.Marshal(m)
		if err := e.store.SaveStrategyVersion(next, raw, &base, "reflection", string(snapshot)); err != nil {
			return nil, err
		}
		oldVersion, newVersion = &base, &next
		result.Changes = applied
		result.NewVersion = &next
		slog.Info("strategy version committed", "version", next, "parent", base, "changes", applied)
	}

	for _, p := range proposals {
		detail, _ := json.Marshal(map[string]any{
			"field":       p.Field,
			"old_value":   p.OldValue,
			"new_value":   p.NewValue,
			"reason":      p.Reason,
			"approved":    p.Approved,
			"old_version": versionOrNil(oldVersion),
			"new_version": versionOrNil(newVersion),
		})
		if err := e.store.Audit("reflection_proposal", string(detail)); err != nil {
			slog.Warn("audit write failed", "error", err)
		}
	}

	return result, nil
}

func versionOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// applyPath assigns val at a dotted path inside a nested map. Returns
// false without modifying anything when an intermediate segment is
// missing or not a map.
func applyPath(doc map[string]any, path string, val any) bool {
	segments := strings.Split(path, ".")
	cur := doc
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = val
	return true
}

func formatMetrics(m metrics) string {
	b, _ := json.MarshalIndent(m, "", "  ")
	return string(b)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
