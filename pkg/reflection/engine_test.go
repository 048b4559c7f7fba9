package reflection

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/molt-labs/molt/pkg/memory"
	"github.com/molt-labs/molt/pkg/persona"
	"github.com/molt-labs/molt/pkg/store"

	_ "modernc.org/sqlite"
)

type scriptedOracle struct {
	fn func(prompt string) (string, error)
}

func (o *scriptedOracle) Infer(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return o.fn(prompt)
}

func testEngine(t *testing.T, oracle Oracle) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	raw, err := persona.DefaultStrategy().JSON()
	if err != nil {
		t.Fatalf("strategy JSON: %v", err)
	}
	if err := s.SaveStrategyVersion(1, raw, nil, "initial", ""); err != nil {
		t.Fatalf("SaveStrategyVersion: %v", err)
	}

	mem := memory.New(s, oracle)
	return New(s, mem, oracle, 10), s
}

func TestApplyPath(t *testing.T) {
	doc := map[string]any{
		"goals": map[string]any{
			"mission": "old mission",
			"nested":  map[string]any{"deep": 1},
		},
		"flat": "value",
	}

	if !applyPath(doc, "goals.mission", "new mission") {
		t.Error("applyPath(goals.mission) = false")
	}
	if doc["goals"].(map[string]any)["mission"] != "new mission" {
		t.Error("goals.mission not updated")
	}

	if !applyPath(doc, "goals.nested.deep", 2) {
		t.Error("applyPath(goals.nested.deep) = false")
	}

	// Missing intermediate segment fails silently.
	if applyPath(doc, "missing.path", "x") {
		t.Error("applyPath(missing.path) = true, want false")
	}
	// Non-map intermediate fails silently.
	if applyPath(doc, "flat.sub", "x") {
		t.Error("applyPath(flat.sub) = true, want false")
	}
	if doc["flat"] != "value" {
		t.Error("flat was modified by failed assignment")
	}
}

func TestShouldReflect(t *testing.T) {
	e, s := testEngine(t, &scriptedOracle{fn: func(string) (string, error) { return "5", nil }})

	if ok, _ := e.ShouldReflect(); ok {
		t.Error("ShouldReflect = true with no heartbeats")
	}

	s.SetState("heartbeat_count", "7")
	if ok, _ := e.ShouldReflect(); ok {
		t.Error("ShouldReflect = true at count 7")
	}

	s.SetState("heartbeat_count", "10")
	ok, reason := e.ShouldReflect()
	if !ok || reason != "interval" {
		t.Errorf("ShouldReflect = (%v, %q), want (true, interval)", ok, reason)
	}

	s.SetState("heartbeat_count", "3")
	s.AddEpisode("post", "posted into the void", 4.0, map[string]any{"zero_engagement": true})
	ok, reason = e.ShouldReflect()
	if !ok || reason != "zero_engagement" {
		t.Errorf("ShouldReflect = (%v, %q), want (true, zero_engagement)", ok, reason)
	}
}

func fullCycleOracle(t *testing.T, missionApproved bool) *scriptedOracle {
	return &scriptedOracle{fn: func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Rate the long-term importance"):
			return "6", nil
		case strings.Contains(prompt, "reviewing your own behavior"):
			return "Posts land better than comments lately; the tone could be warmer.", nil
		case strings.Contains(prompt, "propose 0-3 concrete edits"):
			return `[
				{"field": "goals.mission", "old_value": "x", "new_value": "be the feed's most curious voice", "reason": "sharper focus"},
				{"field": "engagement.style.tone", "old_value": "x", "new_value": "aggressive and edgy", "reason": "stand out"}
			]`, nil
		case strings.Contains(prompt, "Judge this proposed strategy change"):
			if strings.Contains(prompt, "goals.mission") {
				if missionApproved {
					return `{"approved": true, "reason": "aligned"}`, nil
				}
				return `{"approved": false, "reason": "not clearly better"}`, nil
			}
			return `{"approved": false, "reason": "conflicts with respect value"}`, nil
		}
		t.Logf("unexpected prompt: %.80s", prompt)
		return "[]", nil
	}}
}

func TestReflectCommitsApprovedProposals(t *testing.T) {
	e, s := testEngine(t, fullCycleOracle(t, true))

	result, err := e.Reflect(context.Background(), persona.DefaultStrategy())
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if result.Accepted != 1 || result.Rejected != 1 {
		t.Errorf("result = %+v, want 1 accepted / 1 rejected", result)
	}
	if result.NewVersion == nil || *result.NewVersion != 2 {
		t.Fatalf("NewVersion = %v, want 2", result.NewVersion)
	}

	latest, err := s.LatestStrategy()
	if err != nil {
		t.Fatalf("LatestStrategy: %v", err)
	}
	if latest.Version != 2 || latest.ParentVersion == nil || *latest.ParentVersion != 1 {
		t.Errorf("lineage = v%d parent %v, want v2 parent 1", latest.Version, latest.ParentVersion)
	}
	if latest.Trigger != "reflection" {
		t.Errorf("Trigger = %q, want reflection", latest.Trigger)
	}

	committed, err := persona.ParseStrategy(latest.StrategyJSON)
	if err != nil {
		t.Fatalf("ParseStrategy: %v", err)
	}
	goals := committed["goals"].(map[string]any)
	if goals["mission"] != "be the feed's most curious voice" {
		t.Errorf("mission = %v", goals["mission"])
	}
	tone := committed["engagement"].(map[string]any)["style"].(map[string]any)["tone"]
	if tone == "aggressive and edgy" {
		t.Error("rejected proposal was applied")
	}

	// Both proposals audited with version numbers.
	entries, err := s.AuditEntries(10)
	if err != nil {
		t.Fatalf("AuditEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	var detail map[string]any
	if err := json.Unmarshal([]byte(entries[0].Detail), &detail); err != nil {
		t.Fatalf("audit detail: %v", err)
	}
	if detail["new_version"] != float64(2) {
		t.Errorf("audit new_version = %v, want 2", detail["new_version"])
	}

	// The reflection thought was remembered.
	thoughts, _ := s.EpisodesByType("reflection_thought", 5)
	if len(thoughts) != 1 {
		t.Errorf("reflection_thought episodes = %d, want 1", len(thoughts))
	}

	// The completed cycle itself is an episode carrying its outcome.
	cycles, _ := s.EpisodesByType("reflection", 5)
	if len(cycles) != 1 {
		t.Fatalf("reflection episodes = %d, want 1", len(cycles))
	}
	if cycles[0].Metadata["accepted"] != float64(1) || cycles[0].Metadata["rejected"] != float64(1) {
		t.Errorf("reflection episode metadata = %v", cycles[0].Metadata)
	}
}

func TestReflectRejectedProposalLeavesStrategyUnchanged(t *testing.T) {
	e, s := testEngine(t, fullCycleOracle(t, false))

	result, err := e.Reflect(context.Background(), persona.DefaultStrategy())
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if result.Accepted != 0 || result.Rejected != 2 {
		t.Errorf("result = %+v, want 0 accepted / 2 rejected", result)
	}
	if result.NewVersion != nil {
		t.Errorf("NewVersion = %v, want nil", result.NewVersion)
	}

	latest, _ := s.LatestStrategy()
	if latest.Version != 1 {
		t.Errorf("Version = %d, want 1 (unchanged)", latest.Version)
	}

	// Rejected proposals still audited, with null versions.
	entries, err := s.AuditEntries(10)
	if err != nil {
		t.Fatalf("AuditEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	var detail map[string]any
	json.Unmarshal([]byte(entries[0].Detail), &detail)
	if detail["new_version"] != nil {
		t.Errorf("audit new_version = %v, want null", detail["new_version"])
	}
}

func TestStrategyAppendOnlyLineage(t *testing.T) {
	e, s := testEngine(t, fullCycleOracle(t, true))

	strategy := persona.DefaultStrategy()
	const cycles = 3
	for i := 0; i < cycles; i++ {
		result, err := e.Reflect(context.Background(), strategy)
		if err != nil {
			t.Fatalf("Reflect cycle %d: %v", i, err)
		}
		if result.NewVersion == nil {
			t.Fatalf("cycle %d committed nothing", i)
		}
		latest, _ := s.LatestStrategy()
		strategy, err = persona.ParseStrategy(latest.StrategyJSON)
		if err != nil {
			t.Fatalf("ParseStrategy: %v", err)
		}
	}

	versions, err := s.StrategyVersions()
	if err != nil {
		t.Fatalf("StrategyVersions: %v", err)
	}
	if len(versions) != cycles+1 {
		t.Fatalf("history = %d entries, want %d", len(versions), cycles+1)
	}
	for i, v := range versions {
		if v.Version != i+1 {
			t.Errorf("versions[%d].Version = %d, want %d", i, v.Version, i+1)
		}
		if i == 0 {
			if v.ParentVersion != nil {
				t.Error("version 1 should have no parent")
			}
		} else if v.ParentVersion == nil || *v.ParentVersion != i {
			t.Errorf("versions[%d].Parent = %v, want %d", i, v.ParentVersion, i)
		}
	}
}
