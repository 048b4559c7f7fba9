package safety

import (
	"math"
	"regexp"
	"strings"

	"github.com/molt-labs/molt/pkg/store"
)

// StabilityIndex estimates behavioral health from recent episodes.
// Four components blend into one 0-1 score; a score under the alert
// threshold means the agent is probably stuck or degrading.
type StabilityIndex struct {
	store *store.Store
}

// NewStabilityIndex creates a stability monitor over the store.
func NewStabilityIndex(s *store.Store) *StabilityIndex {
	return &StabilityIndex{store: s}
}

// StabilityReport is the computed index.
type StabilityReport struct {
	Overall    float64            `json:"overall"`
	Components map[string]float64 `json:"components,omitempty"`
	Alert      bool               `json:"alert"`
}

const (
	stabilityWindow = 30
	alertThreshold  = 0.3
)

// Compute derives the index from the newest episodes. With no episodes
// the agent is considered neutrally stable (overall 1.0, no alert).
func (si *StabilityIndex) Compute() (StabilityReport, error) {
	episodes, err := si.store.RecentEpisodes(stabilityWindow)
	if err != nil {
		return StabilityReport{}, err
	}
	if len(episodes) == 0 {
		return StabilityReport{Overall: 1.0, Alert: false}, nil
	}

	n := float64(len(episodes))

	// Share of non-skip actions in the window.
	skips := 0
	for _, e := range episodes {
		if e.Type == "skip" {
			skips++
		}
	}
	actionConsistency := 1.0 - float64(skips)/n

	// Average importance of the newest 10, scaled to 0-1.
	qualityWindow := episodes
	if len(qualityWindow) > 10 {
		qualityWindow = qualityWindow[:10]
	}
	var sum float64
	for _, e := range qualityWindow {
		sum += e.Importance
	}
	qualityTrend := sum / float64(len(qualityWindow)) / 10.0

	// Leading run of consecutive skips (episodes are newest first).
	leading := 0
	for _, e := range episodes {
		if e.Type != "skip" {
			break
		}
		leading++
	}
	skipRate := float64(leading) / n

	topicConsistency := topicConsistency(episodes)

	overall := 0.25*actionConsistency + 0.25*topicConsistency + 0.30*qualityTrend + 0.20*(1.0-skipRate)

	return StabilityReport{
		Overall: round3(overall),
		Components: map[string]float64{
			"action_consistency": round3(actionConsistency),
			"topic_consistency":  round3(topicConsistency),
			"quality_trend":      round3(qualityTrend),
			"skip_rate":          round3(skipRate),
		},
		Alert: overall < alertThreshold,
	}, nil
}

// topicConsistency is the mean token-set overlap of consecutive pairs
// among the newest 10 episode contents. A single episode (or none)
// counts as fully consistent.
func topicConsistency(episodes []store.Episode) float64 {
	contents := episodes
	if len(contents) > 10 {
		contents = contents[:10]
	}
	if len(contents) < 2 {
		return 1.0
	}

	sets := make([]map[string]bool, len(contents))
	for i, e := range contents {
		sets[i] = tokenSet(e.Content)
	}

	var total float64
	pairs := 0
	for i := 0; i < len(sets)-1; i++ {
		a, b := sets[i], sets[i+1]
		if len(a) == 0 || len(b) == 0 {
			continue
		}
		inter := 0
		for tok := range a {
			if b[tok] {
				inter++
			}
		}
		total += float64(inter) / float64(max(len(a), len(b)))
		pairs++
	}
	if pairs == 0 {
		return 1.0
	}
	return total / float64(pairs)
}

var tokenRe = regexp.MustCompile(`\w+`)

func tokenSet(content string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(content), -1) {
		if len(tok) > 2 {
			set[tok] = true
		}
	}
	return set
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
