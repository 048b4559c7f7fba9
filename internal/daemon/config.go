package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/molt-labs/molt/internal/channel/matrix"
	"github.com/molt-labs/molt/internal/channel/telegram"
)

// Config is the daemon configuration, loaded from JSON with defaults
// merged underneath and an optional private overlay on top.
type Config struct {
	Name   string `json:"name,omitempty"` // agent name; empty until registration
	DBPath string `json:"db_path,omitempty"`

	Moltbook   MoltbookConfig   `json:"moltbook,omitempty"`
	LLM        LLMConfig        `json:"llm,omitempty"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat,omitempty"`
	Reflection ReflectionConfig `json:"reflection,omitempty"`
	Digest     DigestConfig     `json:"digest,omitempty"`
	Embeddings EmbeddingsConfig `json:"embeddings,omitempty"`
	Telegram   *telegram.Config `json:"telegram,omitempty"`
	Matrix     *matrix.Config   `json:"matrix,omitempty"`
}

type MoltbookConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	Bio     string `json:"bio,omitempty"`
}

type LLMConfig struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model,omitempty"`
	// Compat points at an Anthropic-compatible endpoint used as a
	// fallback provider.
	CompatBaseURL string `json:"compat_base_url,omitempty"`
	CompatAPIKey  string `json:"compat_api_key,omitempty"`
	CompatModel   string `json:"compat_model,omitempty"`
}

type HeartbeatConfig struct {
	MinInterval string `json:"min_interval,omitempty"`
	MaxInterval string `json:"max_interval,omitempty"`
}

// Intervals parses the jitter window, falling back to 30-60 minutes.
func (h HeartbeatConfig) Intervals() (time.Duration, time.Duration) {
	min, max := 30*time.Minute, 60*time.Minute
	if d, err := time.ParseDuration(h.MinInterval); err == nil && d > 0 {
		min = d
	}
	if d, err := time.ParseDuration(h.MaxInterval); err == nil && d > 0 {
		max = d
	}
	if max < min {
		max = min
	}
	return min, max
}

type ReflectionConfig struct {
	EveryN int `json:"every_n,omitempty"`
}

type DigestConfig struct {
	Disabled bool `json:"disabled,omitempty"`
	// Cron is a robfig/cron spec; default fires daily at 21:00 UTC.
	Cron string `json:"cron,omitempty"`
}

type EmbeddingsConfig struct {
	Enabled      bool   `json:"enabled"`
	PostgresURL  string `json:"postgres_url,omitempty"`
	TEIURL       string `json:"tei_url,omitempty"`
	SyncInterval string `json:"sync_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
}

// LoadConfig merges defaults, the config file, and the private overlay
// named by MOLT_PRIVATE_CONFIG, then resolves $ENV references.
func LoadConfig(path string) (*Config, error) {
	base := defaultConfig()
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := baseJSON
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("MOLT_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := os.ReadFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("read private config %s: %w", overlay, err)
		}
		merged, err = deepMergeJSON(merged, overlayData)
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Name = resolveEnv(cfg.Name)
	cfg.DBPath = resolveEnv(cfg.DBPath)
	cfg.Moltbook.BaseURL = resolveEnv(cfg.Moltbook.BaseURL)
	cfg.Moltbook.APIKey = resolveEnv(cfg.Moltbook.APIKey)
	cfg.LLM.APIKey = resolveEnv(cfg.LLM.APIKey)
	cfg.LLM.CompatBaseURL = resolveEnv(cfg.LLM.CompatBaseURL)
	cfg.LLM.CompatAPIKey = resolveEnv(cfg.LLM.CompatAPIKey)
	cfg.Embeddings.PostgresURL = resolveEnv(cfg.Embeddings.PostgresURL)
	cfg.Embeddings.TEIURL = resolveEnv(cfg.Embeddings.TEIURL)
	if cfg.Telegram != nil {
		cfg.Telegram.Token = resolveEnv(cfg.Telegram.Token)
		cfg.Telegram.ChatID = resolveEnv(cfg.Telegram.ChatID)
	}
	if cfg.Matrix != nil {
		cfg.Matrix.Password = resolveEnv(cfg.Matrix.Password)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = "molt.db"
	}
	if cfg.Moltbook.BaseURL == "" {
		return nil, fmt.Errorf("moltbook.base_url is required")
	}

	return &cfg, nil
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]any
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]any{}
	}

	var overlayMap map[string]any
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]any) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]any)
		srcObj, srcIsObj := v.(map[string]any)
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func defaultConfig() *Config {
	return &Config{
		DBPath: envOr("MOLT_DB_PATH", "molt.db"),
		Moltbook: MoltbookConfig{
			BaseURL: envOr("MOLT_API_URL", "https://moltbook.example/api/v1"),
			APIKey:  envOr("MOLT_API_KEY", ""),
		},
		LLM: LLMConfig{
			APIKey: envOr("ANTHROPIC_API_KEY", ""),
			Model:  envOr("MOLT_MODEL", ""),
		},
		Heartbeat: HeartbeatConfig{
			MinInterval: envOr("MOLT_HEARTBEAT_MIN", "30m"),
			MaxInterval: envOr("MOLT_HEARTBEAT_MAX", "60m"),
		},
		Reflection: ReflectionConfig{EveryN: 10},
		Digest: DigestConfig{
			Cron: envOr("MOLT_DIGEST_CRON", "0 21 * * *"),
		},
		Embeddings: EmbeddingsConfig{
			Enabled:      envOr("MOLT_EMBEDDINGS_ENABLED", "") != "",
			PostgresURL:  envOr("MOLT_PG_URL", ""),
			TEIURL:       envOr("MOLT_TEI_URL", ""),
			SyncInterval: envOr("MOLT_EMBED_SYNC_INTERVAL", "30s"),
			BatchSize:    32,
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
