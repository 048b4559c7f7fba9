// Package daemon wires the agent together: the persistent process that
// registers on Moltbook, heartbeats, consolidates memory, reflects, and
// reports to the operator.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/molt-labs/molt/internal/agent"
	"github.com/molt-labs/molt/internal/channel/matrix"
	"github.com/molt-labs/molt/internal/channel/telegram"
	"github.com/molt-labs/molt/internal/llm"
	"github.com/molt-labs/molt/internal/moltbook"
	"github.com/molt-labs/molt/pkg/consolidate"
	"github.com/molt-labs/molt/pkg/embeddings"
	"github.com/molt-labs/molt/pkg/memory"
	"github.com/molt-labs/molt/pkg/persona"
	"github.com/molt-labs/molt/pkg/reflection"
	"github.com/molt-labs/molt/pkg/safety"
	"github.com/molt-labs/molt/pkg/store"
)

const consolidateSpec = "@every 15m"

// Daemon is the main agent process.
type Daemon struct {
	config *Config
	store  *store.Store
	bus    *Bus

	oracleFast *llm.Oracle
	oracleDeep *llm.Oracle

	memory       *memory.Manager
	brain        *agent.Brain
	gate         *safety.Gate
	stability    *safety.StabilityIndex
	consolidator *consolidate.Engine
	reflector    *reflection.Engine

	client    *moltbook.Client
	scheduler *Scheduler
	worker    *Worker
	notifier  *Notifier
	channels  []Reporter
	cron      *cron.Cron

	// Strategy is replaced whole on reflection commits; reads take the
	// lock briefly and never see a half-applied document.
	mu       sync.RWMutex
	strategy persona.Strategy
	name     string

	embedStore *embeddings.Store
	startedAt  time.Time
}

// New builds a daemon from config. Nothing talks to the network yet;
// registration and listeners start in Run.
func New(cfg *Config) (*Daemon, error) {
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		config:    cfg,
		store:     s,
		bus:       NewBus(s),
		client:    moltbook.NewClient(cfg.Moltbook.BaseURL, cfg.Moltbook.APIKey),
		startedAt: time.Now(),
	}

	providers := make(map[llm.Tier]llm.Provider)
	if cfg.LLM.APIKey != "" {
		providers[llm.TierDeep] = llm.NewAnthropic(cfg.LLM.APIKey, cfg.LLM.Model)
		slog.Info("llm provider configured", "tier", "deep", "provider", "anthropic", "model", cfg.LLM.Model)
	}
	if cfg.LLM.CompatBaseURL != "" && cfg.LLM.CompatAPIKey != "" {
		providers[llm.TierFast] = llm.NewAnthropicCompat("compat", cfg.LLM.CompatBaseURL, cfg.LLM.CompatAPIKey, cfg.LLM.CompatModel)
		slog.Info("llm provider configured", "tier", "fast", "provider", "compat", "model", cfg.LLM.CompatModel)
	}
	if len(providers) == 0 {
		s.Close()
		return nil, fmt.Errorf("no llm provider configured: set llm.api_key")
	}
	router := llm.NewRouter(providers)
	d.oracleFast = llm.NewOracle(router, llm.TierFast)
	d.oracleDeep = llm.NewOracle(router, llm.TierDeep)

	d.memory = memory.New(s, d.oracleFast)
	d.brain = agent.New(d.oracleDeep, d.memory)
	d.gate = safety.NewGate(d.oracleFast)
	d.stability = safety.NewStabilityIndex(s)
	d.consolidator = consolidate.New(s, d.oracleDeep, consolidate.DefaultConfig())
	d.reflector = reflection.New(s, d.memory, d.oracleDeep, cfg.Reflection.EveryN)

	if err := d.loadStrategy(); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Telegram != nil && cfg.Telegram.Token != "" {
		tg, err := telegram.New(*cfg.Telegram)
		if err != nil {
			slog.Warn("telegram channel unavailable", "error", err)
		} else {
			d.channels = append(d.channels, tg)
		}
	}
	if cfg.Matrix != nil && cfg.Matrix.Homeserver != "" {
		d.channels = append(d.channels, matrix.New(*cfg.Matrix))
	}

	min, max := cfg.Heartbeat.Intervals()
	d.scheduler = NewScheduler(SchedulerDeps{
		Store:        s,
		Memory:       d.memory,
		Brain:        d.brain,
		Gate:         d.gate,
		Stability:    d.stability,
		Reflector:    d.reflector,
		Platform:     d.client,
		Bus:          d.bus,
		MinInterval:  min,
		MaxInterval:  max,
		AgentName:    d.agentName,
		Strategy:     d.currentStrategy,
		OnReflection: d.reloadStrategy,
	})
	d.worker = NewWorker(s, d.brain, d.reflector, d.scheduler, d.bus, d.currentStrategy, d.reloadStrategy)
	d.notifier = NewNotifier(s, d.bus, d.channels)

	return d, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("molt daemon running", "db", d.config.DBPath, "api", d.config.Moltbook.BaseURL)

	if err := d.ensureRegistered(ctx); err != nil {
		slog.Error("registration failed; will retry each heartbeat", "error", err)
	}

	if d.config.Embeddings.Enabled {
		d.startEmbeddings(ctx)
	}

	for _, ch := range d.channels {
		ch := ch
		go func() {
			slog.Info("channel starting", "channel", ch.Name())
			if err := ch.Start(ctx, d.onOperatorMessage); err != nil && ctx.Err() == nil {
				slog.Error("channel stopped", "channel", ch.Name(), "error", err)
			}
		}()
	}

	go d.scheduler.Run(ctx)
	go d.worker.Run(ctx)
	go d.notifier.Run(ctx)

	d.cron = cron.New(cron.WithLocation(time.UTC))
	d.cron.AddFunc(consolidateSpec, func() { d.consolidateJob(ctx) })
	if !d.config.Digest.Disabled {
		if _, err := d.cron.AddFunc(d.config.Digest.Cron, d.digestJob); err != nil {
			slog.Warn("digest cron invalid, disabled", "spec", d.config.Digest.Cron, "error", err)
		}
	}
	d.cron.Start()

	<-ctx.Done()
	slog.Info("shutting down")

	cronCtx := d.cron.Stop()
	<-cronCtx.Done()
	for _, ch := range d.channels {
		ch.Stop()
	}
	if d.embedStore != nil {
		d.embedStore.Close()
	}
	return d.store.Close()
}

// Close releases resources when Run was never started.
func (d *Daemon) Close() error {
	return d.store.Close()
}

// --- Identity and strategy ---

func (d *Daemon) agentName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Daemon) currentStrategy() persona.Strategy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.strategy
}

// loadStrategy loads the latest strategy version, seeding version 1 on
// first run, and installs the layered system prompt.
func (d *Daemon) loadStrategy() error {
	latest, err := d.store.LatestStrategy()
	if err != nil {
		return err
	}
	var strat persona.Strategy
	if latest == nil {
		strat = persona.DefaultStrategy()
		raw, err := strat.JSON()
		if err != nil {
			return err
		}
		if err := d.store.SaveStrategyVersion(1, raw, nil, "initial", ""); err != nil {
			return err
		}
		slog.Info("seeded strategy v1")
	} else {
		strat, err = persona.ParseStrategy(latest.StrategyJSON)
		if err != nil {
			return fmt.Errorf("stored strategy v%d: %w", latest.Version, err)
		}
		slog.Info("strategy loaded", "version", latest.Version)
	}

	name, _ := d.store.GetState("agent_name")

	d.mu.Lock()
	d.strategy = strat
	d.name = name
	d.mu.Unlock()

	d.installSystemPrompt(strat)
	return nil
}

// reloadStrategy re-reads the latest committed version. Called after a
// reflection commit.
func (d *Daemon) reloadStrategy(ctx context.Context) {
	latest, err := d.store.LatestStrategy()
	if err != nil || latest == nil {
		slog.Warn("strategy reload failed", "error", err)
		return
	}
	strat, err := persona.ParseStrategy(latest.StrategyJSON)
	if err != nil {
		slog.Warn("strategy reload unparseable", "version", latest.Version, "error", err)
		return
	}
	d.mu.Lock()
	d.strategy = strat
	d.mu.Unlock()
	d.installSystemPrompt(strat)
	slog.Info("strategy reloaded", "version", latest.Version)
}

func (d *Daemon) installSystemPrompt(strat persona.Strategy) {
	personaBlock := ""
	if block, err := d.store.CoreBlock(memory.BlockPersona); err == nil && block != nil {
		personaBlock = block.Content
	}
	system := persona.BuildSystemPrompt(strat, personaBlock)
	d.oracleFast.SetSystem(system)
	d.oracleDeep.SetSystem(system)
}

// ensureRegistered makes sure the agent has a platform account. The API
// key comes from config, prior state, or a fresh registration with a
// generated identity.
func (d *Daemon) ensureRegistered(ctx context.Context) error {
	if key, _ := d.store.GetState("moltbook_api_key"); key != "" {
		d.client.SetAPIKey(key)
		name, _ := d.store.GetState("agent_name")
		d.mu.Lock()
		d.name = name
		d.mu.Unlock()
		slog.Info("registered identity restored", "name", name)
		return nil
	}

	if d.config.Moltbook.APIKey != "" {
		d.client.SetAPIKey(d.config.Moltbook.APIKey)
		me, err := d.client.Me(ctx)
		if err != nil {
			return fmt.Errorf("verify configured api key: %w", err)
		}
		return d.adoptIdentity(me.Name, me.Bio, d.config.Moltbook.APIKey, "")
	}

	name := d.config.Name
	bio := d.config.Moltbook.Bio
	var taken []string
	for attempt := 0; attempt < 5; attempt++ {
		if name == "" {
			identity, err := persona.GenerateIdentity(ctx, d.oracleDeep, taken)
			if err != nil {
				return fmt.Errorf("generate identity: %w", err)
			}
			name = identity.Name
			if bio == "" {
				bio = identity.Bio
			}
		}
		resp, err := d.client.Register(ctx, name, bio)
		if err != nil {
			var takenErr *moltbook.NameTakenError
			if errors.As(err, &takenErr) {
				slog.Info("name taken, generating another", "name", takenErr.Name)
				taken = append(taken, takenErr.Name)
				name = ""
				continue
			}
			return fmt.Errorf("register: %w", err)
		}
		if resp.ClaimURL != "" {
			slog.Info("registration claim url", "url", resp.ClaimURL)
			d.store.SetState("claim_url", resp.ClaimURL)
		}
		return d.adoptIdentity(resp.Agent.Name, bio, resp.APIKey, resp.ClaimURL)
	}
	return fmt.Errorf("register: gave up after repeated name collisions")
}

func (d *Daemon) adoptIdentity(name, bio, apiKey, claimURL string) error {
	d.client.SetAPIKey(apiKey)
	if err := d.store.SetState("moltbook_api_key", apiKey); err != nil {
		return fmt.Errorf("persist api key: %w", err)
	}
	d.store.SetState("agent_name", name)
	d.store.SetStateDefault("heartbeat_count", "0")
	d.store.SetStateDefault("paused", "0")

	personaContent := fmt.Sprintf("I am %s, an autonomous agent on Moltbook. %s", name, bio)
	if err := d.memory.SeedDefaults(personaContent); err != nil {
		slog.Warn("core memory seed failed", "error", err)
	}

	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
	d.installSystemPrompt(d.currentStrategy())

	d.store.Audit("registered", name)
	slog.Info("registered on moltbook", "name", name)

	text := fmt.Sprintf("🦀 Registered on Moltbook as %q.", name)
	if claimURL != "" {
		text += "\nClaim URL: " + claimURL
	}
	d.bus.Publish(EventTaskDone, map[string]any{"type": "register", "ok": true, "result": text})
	return nil
}

// --- Background jobs ---

// consolidateJob runs memory consolidation unless a heartbeat is in
// flight or the agent is paused. The two never overlap: both mutate the
// episode log.
func (d *Daemon) consolidateJob(ctx context.Context) {
	if d.store.Paused() {
		return
	}
	if d.store.HeartbeatRunning() {
		slog.Debug("consolidation skipped: heartbeat in flight")
		return
	}
	report := d.consolidator.Consolidate(ctx)
	if report.Compressed == 0 && report.InsightsExtracted == 0 &&
		report.BlocksUpdated == 0 && report.ContradictionsResolved == 0 && len(report.Errors) == 0 {
		return
	}
	b, _ := json.Marshal(report)
	d.store.Audit("consolidation", string(b))
	d.bus.Publish(EventConsolidation, map[string]any{
		"compressed":     report.Compressed,
		"insights":       report.InsightsExtracted,
		"blocks":         report.BlocksUpdated,
		"contradictions": report.ContradictionsResolved,
		"errors":         len(report.Errors),
	})
}

// digestJob emits the daily activity digest as a durable event; the
// notifier delivers it like any other report.
func (d *Daemon) digestJob() {
	items, err := d.store.UnreportedDigestItems()
	if err != nil {
		slog.Warn("digest query failed", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📰 Daily digest — %d actions\n", len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		fmt.Fprintf(&sb, "• %s\n", item.Summary)
		ids = append(ids, item.ID)
	}

	d.bus.Publish(EventDailyDigest, map[string]any{
		"text":  sb.String(),
		"count": len(items),
	})
	d.store.MarkDigestReported(ids)
}

// startEmbeddings connects pgvector + TEI and enables semantic recall.
// Failure is non-fatal; keyword recall still works.
func (d *Daemon) startEmbeddings(ctx context.Context) {
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	vectors, err := embeddings.NewStore(initCtx, d.config.Embeddings.PostgresURL)
	if err != nil {
		slog.Warn("semantic memory unavailable", "error", err)
		return
	}
	if err := vectors.Init(initCtx); err != nil {
		slog.Warn("semantic memory schema init failed", "error", err)
		vectors.Close()
		return
	}
	d.embedStore = vectors

	tei := embeddings.NewTEIClient(d.config.Embeddings.TEIURL)
	d.memory.SetSemantic(embeddings.NewSearcher(vectors, tei))

	interval := 30 * time.Second
	if parsed, err := time.ParseDuration(d.config.Embeddings.SyncInterval); err == nil && parsed > 0 {
		interval = parsed
	}
	worker := embeddings.NewSyncWorker(d.store, vectors, tei, interval, d.config.Embeddings.BatchSize)
	go worker.Run(ctx)

	slog.Info("semantic memory enabled", "tei", d.config.Embeddings.TEIURL)
}
