package consolidate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/molt-labs/molt/pkg/store"

	_ "modernc.org/sqlite"
)

// scriptedOracle dispatches on prompt content so each stage can be
// given its own canned reply.
type scriptedOracle struct {
	fn func(prompt string) (string, error)
}

func (o *scriptedOracle) Infer(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return o.fn(prompt)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// silentOracle answers every stage with an empty-result reply.
func silentOracle() *scriptedOracle {
	return &scriptedOracle{fn: func(prompt string) (string, error) {
		return "[]", nil
	}}
}

func TestCompression(t *testing.T) {
	s := testStore(t)
	old := time.Now().Add(-72 * time.Hour)

	// Five old trivial episodes, one old important one, one recent one.
	var oldIDs []int64
	for i := 0; i < 5; i++ {
		id, err := s.AddEpisodeAt("skip", fmt.Sprintf("quiet tick %d", i), 3.0, nil, old)
		if err != nil {
			t.Fatalf("AddEpisodeAt: %v", err)
		}
		oldIDs = append(oldIDs, id)
	}
	keeper, _ := s.AddEpisodeAt("post", "landmark post about emergence", 9.0, nil, old)
	recent, _ := s.AddEpisode("comment", "fresh comment", 3.0, nil)

	oracle := &scriptedOracle{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Compress these old activity log entries") {
			return "A quiet stretch with five skipped ticks.", nil
		}
		return "[]", nil
	}}

	report := New(s, oracle, DefaultConfig()).Consolidate(context.Background())
	if report.Compressed != 5 {
		t.Errorf("Compressed = %d, want 5 (errors: %v)", report.Compressed, report.Errors)
	}

	episodes, err := s.RecentEpisodes(50)
	if err != nil {
		t.Fatalf("RecentEpisodes: %v", err)
	}
	var summary *store.Episode
	for i := range episodes {
		switch episodes[i].ID {
		case keeper, recent:
			// survivors
		default:
			for _, id := range oldIDs {
				if episodes[i].ID == id {
					t.Errorf("episode %d should have been compressed away", id)
				}
			}
		}
		if episodes[i].Type == "compressed_summary" {
			summary = &episodes[i]
		}
	}
	if summary == nil {
		t.Fatal("no compressed_summary episode written")
	}
	if summary.Importance != 6.0 {
		t.Errorf("summary importance = %v, want 6.0", summary.Importance)
	}
	if count, ok := summary.Metadata["original_count"].(float64); !ok || int(count) != 5 {
		t.Errorf("summary metadata original_count = %v, want 5", summary.Metadata["original_count"])
	}
}

func TestCompressionRequiresThreeEpisodes(t *testing.T) {
	s := testStore(t)
	old := time.Now().Add(-72 * time.Hour)
	s.AddEpisodeAt("skip", "one", 2.0, nil, old)
	s.AddEpisodeAt("skip", "two", 2.0, nil, old)

	report := New(s, silentOracle(), DefaultConfig()).Consolidate(context.Background())
	if report.Compressed != 0 {
		t.Errorf("Compressed = %d, want 0 with only 2 eligible episodes", report.Compressed)
	}
	if s.EpisodeCount() != 2 {
		t.Errorf("EpisodeCount = %d, want 2 (nothing deleted)", s.EpisodeCount())
	}
}

func TestInsightExtraction(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 5; i++ {
		s.AddEpisode("comment", fmt.Sprintf("commented on thread %d, got replies", i), 7.0, nil)
	}

	oracle := &scriptedOracle{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Extract 0-3 NEW behavioral insights") {
			return `[
				{"insight": "threads with questions get replies", "category": "engagement", "confidence": 0.7},
				{"insight": "morning posts do better", "category": "content", "confidence": 0.6},
				{"insight": "bogus", "category": "weather", "confidence": 0.9}
			]`, nil
		}
		return "[]", nil
	}}

	report := New(s, oracle, DefaultConfig()).Consolidate(context.Background())
	if report.InsightsExtracted != 2 {
		t.Errorf("InsightsExtracted = %d, want 2 (invalid category dropped)", report.InsightsExtracted)
	}

	insights, err := s.Insights(10)
	if err != nil {
		t.Fatalf("Insights: %v", err)
	}
	if len(insights) != 2 {
		t.Fatalf("stored insights = %d, want 2", len(insights))
	}
	for _, in := range insights {
		if len(in.SourceEpisodeIDs) == 0 {
			t.Errorf("insight %d has no evidence episodes", in.ID)
		}
	}
}

func TestBlockUpdateSkipsPersonaAndUnchanged(t *testing.T) {
	s := testStore(t)
	s.SeedCoreBlock("persona", "I am molt.", 500)
	s.SeedCoreBlock("goals", "old goals", 500)
	s.SeedCoreBlock("social_graph", "(No relationships yet)", 1000)
	for i := 0; i < 4; i++ {
		s.AddEpisode("post", fmt.Sprintf("posted %d", i), 6.0, nil)
	}

	oracle := &scriptedOracle{fn: func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, `Rewrite the "goals" memory block`):
			return "learn what the feed responds to", nil
		case strings.Contains(prompt, `Rewrite the "social_graph" memory block`):
			return "(No relationships yet)", nil // unchanged
		case strings.Contains(prompt, `Rewrite the "persona" memory block`):
			t.Error("persona block must not be rewritten")
			return "", nil
		}
		return "[]", nil
	}}

	report := New(s, oracle, DefaultConfig()).Consolidate(context.Background())
	if report.BlocksUpdated != 1 {
		t.Errorf("BlocksUpdated = %d, want 1 (errors: %v)", report.BlocksUpdated, report.Errors)
	}

	goals, _ := s.CoreBlock("goals")
	if goals.Content != "learn what the feed responds to" {
		t.Errorf("goals content = %q", goals.Content)
	}
	personaBlk, _ := s.CoreBlock("persona")
	if personaBlk.Content != "I am molt." {
		t.Errorf("persona content changed: %q", personaBlk.Content)
	}
}

func TestContradictionResolution(t *testing.T) {
	s := testStore(t)
	a, _ := s.AddInsight("long posts work best", "content", 0.8, nil)
	b, _ := s.AddInsight("short posts work best", "content", 0.6, nil)

	oracle := &scriptedOracle{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Which insights are contradicted") {
			return fmt.Sprintf("[%d, 9999]", a), nil
		}
		return "[]", nil
	}}

	report := New(s, oracle, DefaultConfig()).Consolidate(context.Background())
	if report.ContradictionsResolved != 1 {
		t.Errorf("ContradictionsResolved = %d, want 1 (unknown id ignored)", report.ContradictionsResolved)
	}

	insights, _ := s.Insights(10)
	for _, in := range insights {
		switch in.ID {
		case a:
			if in.Confidence != 0.6 {
				t.Errorf("suppressed insight confidence = %v, want 0.6", in.Confidence)
			}
		case b:
			if in.Confidence != 0.6 {
				t.Errorf("untouched insight confidence = %v, want 0.6", in.Confidence)
			}
		}
	}
}

func TestStagesFaultTolerant(t *testing.T) {
	s := testStore(t)
	old := time.Now().Add(-72 * time.Hour)
	for i := 0; i < 4; i++ {
		s.AddEpisodeAt("skip", fmt.Sprintf("tick %d", i), 2.0, nil, old)
	}
	s.AddInsight("x", "content", 0.5, nil)
	s.AddInsight("y", "content", 0.5, nil)
	s.SeedCoreBlock("goals", "g", 500)

	oracle := &scriptedOracle{fn: func(prompt string) (string, error) {
		return "", errors.New("oracle down")
	}}

	report := New(s, oracle, DefaultConfig()).Consolidate(context.Background())
	if report.Compressed != 0 || report.InsightsExtracted != 0 ||
		report.BlocksUpdated != 0 || report.ContradictionsResolved != 0 {
		t.Errorf("expected all-zero report, got %+v", report)
	}
	if len(report.Errors) == 0 {
		t.Error("expected recorded stage errors")
	}
	// Nothing was deleted despite the compression failure.
	if s.EpisodeCount() != 4 {
		t.Errorf("EpisodeCount = %d, want 4", s.EpisodeCount())
	}
}
