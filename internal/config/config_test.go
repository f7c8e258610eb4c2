package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
		"listen_addr": ":9000",
		"timezone": "Europe/Berlin",
		"owner_allowlist": ["karl"]
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %q, want :9000", cfg.ListenAddr)
	}
	if cfg.Timezone != "Europe/Berlin" {
		t.Errorf("timezone = %q, want Europe/Berlin", cfg.Timezone)
	}
	// Untouched fields keep their defaults.
	if cfg.MaxAttempts != 3 || cfg.BackoffStrategy != "exponential" {
		t.Errorf("retry defaults = (%d, %s), want (3, exponential)", cfg.MaxAttempts, cfg.BackoffStrategy)
	}
	if cfg.DBDSN != cfg.DataDir+"/adjutant.db" {
		t.Errorf("db_dsn = %q, want the data-dir default", cfg.DBDSN)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("ADJUTANT_OWNER_ALLOWLIST", "karl")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ListenAddr != ":8087" {
		t.Errorf("listen_addr = %q, want the default :8087", cfg.ListenAddr)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"listen_addr": ":9000", "owner_allowlist": ["karl"]}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ADJUTANT_LISTEN_ADDR", ":7000")
	t.Setenv("ADJUTANT_OWNER_ALLOWLIST", "karl, birgit")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Errorf("listen_addr = %q, want :7000 from the environment", cfg.ListenAddr)
	}
	if len(cfg.OwnerAllowlist) != 2 || cfg.OwnerAllowlist[1] != "birgit" {
		t.Errorf("owner_allowlist = %v, want [karl birgit]", cfg.OwnerAllowlist)
	}
}

func TestValidate(t *testing.T) {
	base := Default()
	base.OwnerAllowlist = []string{"karl"}

	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.DBDriver = "oracle" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"bad backoff", func(c *Config) { c.BackoffStrategy = "jittered" }},
		{"zero rate window", func(c *Config) { c.RateLimitWindowSeconds = 0 }},
		{"no allowlist", func(c *Config) { c.OwnerAllowlist = nil }},
	}
	for _, tt := range tests {
		cfg := base
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestAllowedOwner(t *testing.T) {
	cfg := Default()
	cfg.OwnerAllowlist = []string{"karl"}
	cfg.ChannelOwnerAllowlist = map[string][]string{
		"signal": {"karl", "birgit"},
		"web":    {},
	}

	tests := []struct {
		channel, owner string
		want           bool
	}{
		{"signal", "birgit", true},
		{"signal", "mallory", false},
		// A present-but-empty channel list is deny-all for that channel.
		{"web", "karl", false},
		// Channels without an entry fall back to the flat allowlist.
		{"obsidian", "karl", true},
		{"obsidian", "birgit", false},
	}
	for _, tt := range tests {
		if got := cfg.AllowedOwner(tt.channel, tt.owner); got != tt.want {
			t.Errorf("AllowedOwner(%s, %s) = %v, want %v", tt.channel, tt.owner, got, tt.want)
		}
	}
}
