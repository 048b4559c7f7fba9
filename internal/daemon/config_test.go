package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"moltbook": {"base_url": "https://mb.test/api/v1"},
		"heartbeat": {"min_interval": "5m"}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Moltbook.BaseURL != "https://mb.test/api/v1" {
		t.Errorf("base_url = %q", cfg.Moltbook.BaseURL)
	}
	min, max := cfg.Heartbeat.Intervals()
	if min != 5*time.Minute {
		t.Errorf("min interval = %v, want 5m", min)
	}
	// Untouched fields keep their defaults.
	if max != 60*time.Minute {
		t.Errorf("max interval = %v, want default 60m", max)
	}
	if cfg.Digest.Cron != "0 21 * * *" {
		t.Errorf("digest cron = %q, want default", cfg.Digest.Cron)
	}
}

func TestLoadConfigResolvesEnvReferences(t *testing.T) {
	t.Setenv("TEST_MOLT_KEY", "mk-from-env")
	path := writeConfig(t, `{
		"moltbook": {"base_url": "https://mb.test/api/v1", "api_key": "$TEST_MOLT_KEY"}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Moltbook.APIKey != "mk-from-env" {
		t.Errorf("api_key = %q, want env value", cfg.Moltbook.APIKey)
	}
}

func TestLoadConfigRequiresBaseURL(t *testing.T) {
	path := writeConfig(t, `{"moltbook": {"base_url": ""}}`)
	t.Setenv("MOLT_API_URL", "")

	// Defaults fill base_url, so force it empty through the file and env.
	cfg, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for empty base_url, got config %+v", cfg.Moltbook)
	}
}

func TestHeartbeatIntervalsClampMax(t *testing.T) {
	h := HeartbeatConfig{MinInterval: "45m", MaxInterval: "10m"}
	min, max := h.Intervals()
	if min != 45*time.Minute || max != 45*time.Minute {
		t.Errorf("intervals = %v, %v; want max clamped to min", min, max)
	}
}

func TestDeepMergeNestedObjects(t *testing.T) {
	base := []byte(`{"a": {"x": 1, "y": 2}, "b": "keep"}`)
	overlay := []byte(`{"a": {"y": 3}}`)
	merged, err := deepMergeJSON(base, overlay)
	if err != nil {
		t.Fatalf("deepMergeJSON: %v", err)
	}
	want := `{"a":{"x":1,"y":3},"b":"keep"}`
	if string(merged) != want {
		t.Errorf("merged = %s, want %s", merged, want)
	}
}
