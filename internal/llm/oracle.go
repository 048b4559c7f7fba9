package llm

import (
	"context"
	"log/slog"
	"sync"
)

// Oracle is the single-call reasoning surface the agent's components
// consume: one prompt in, one text answer out. Each consuming package
// declares its own small interface matching Infer, so tests can fake
// the oracle without touching providers.
type Oracle struct {
	router *Router
	tier   Tier

	mu     sync.RWMutex
	system string
}

// NewOracle wraps a router at a fixed tier.
func NewOracle(router *Router, tier Tier) *Oracle {
	return &Oracle{router: router, tier: tier}
}

// SetSystem swaps the system prompt sent with every inference.
// Called when a reflection cycle commits a new strategy version.
func (o *Oracle) SetSystem(system string) {
	o.mu.Lock()
	o.system = system
	o.mu.Unlock()
}

// Infer sends one prompt and returns the text answer.
func (o *Oracle) Infer(ctx context.Context, prompt string, maxTokens int) (string, error) {
	o.mu.RLock()
	system := o.system
	o.mu.RUnlock()

	resp, err := o.router.Complete(ctx, o.tier, CompletionRequest{
		Messages:  []Message{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
		System:    system,
	})
	if err != nil {
		return "", err
	}
	slog.Debug("oracle inference",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return resp.Content, nil
}
