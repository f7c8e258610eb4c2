// Package config provides configuration loading for the assistant backend.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all backend configuration.
type Config struct {
	// Listen address for metrics/health endpoints (default ":8087")
	ListenAddr string `json:"listen_addr"`

	// Storage
	DBDriver string `json:"db_driver"` // sqlite (default), pgx, mysql
	DBDSN    string `json:"db_dsn"`    // default "<data_dir>/adjutant.db"
	DataDir  string `json:"data_dir"`

	// Owner timezone for calendar schedules and review windows.
	Timezone string `json:"timezone"`

	// Execution retry defaults
	MaxAttempts        int    `json:"max_attempts"`
	BackoffStrategy    string `json:"backoff_strategy"` // none, fixed, exponential
	BackoffBaseSeconds int    `json:"backoff_base_seconds"`

	// Commitment autonomy
	AutonomousTransitionThreshold float64 `json:"autonomous_transition_threshold"`
	AutonomousCreationThreshold   float64 `json:"autonomous_creation_threshold"`
	DedupeConfidenceThreshold     float64 `json:"dedupe_confidence_threshold"`
	DedupeSummaryWordCap          int     `json:"dedupe_summary_word_cap"`

	// Attention router
	RateLimitWindowSeconds          int            `json:"rate_limit_window_seconds"`
	RateLimitMaxPerChannel          map[string]int `json:"rate_limit_max_per_channel"`
	EscalationIgnoreThreshold       int            `json:"escalation_ignore_threshold"`
	EscalationDeadlineWindowMinutes int            `json:"escalation_deadline_window_minutes"`
	FailClosedRetryDelaySeconds     int            `json:"fail_closed_retry_delay_seconds"`

	// Outbound allowlists. OwnerAllowlist is the legacy flat list; the
	// per-channel map takes precedence when both are set. An empty
	// allowlist for a channel means deny-all on that channel.
	OwnerAllowlist        []string            `json:"owner_allowlist,omitempty"`
	ChannelOwnerAllowlist map[string][]string `json:"channel_owner_allowlist,omitempty"`

	// Review & batching
	ReviewDay         string `json:"review_day"`  // e.g. "sunday"
	ReviewTime        string `json:"review_time"` // "HH:MM" in Timezone
	BatchReminderTime string `json:"batch_reminder_time"`

	// Attention policy pack file (YAML). Empty = built-in defaults.
	PolicyFile string `json:"policy_file,omitempty"`

	// Transports
	SignalGatewayURL string `json:"signal_gateway_url,omitempty"`
	ObsidianVaultDir string `json:"obsidian_vault_dir,omitempty"`
	WebhookURL       string `json:"webhook_url,omitempty"`

	// LLM settings
	LLM LLMConfig `json:"llm,omitempty"`

	// Tracing (OTLP gRPC endpoint; empty disables)
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// LLMConfig configures the LLM provider used for dedupe comparisons.
type LLMConfig struct {
	Provider string `json:"provider,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:         ":8087",
		DBDriver:           "sqlite",
		DataDir:            "/var/lib/adjutant",
		Timezone:           "UTC",
		MaxAttempts:        3,
		BackoffStrategy:    "exponential",
		BackoffBaseSeconds: 30,

		AutonomousTransitionThreshold: 0.8,
		AutonomousCreationThreshold:   0.8,
		DedupeConfidenceThreshold:     0.8,
		DedupeSummaryWordCap:          40,

		RateLimitWindowSeconds: 600,
		RateLimitMaxPerChannel: map[string]int{
			"signal": 5, "obsidian": 20, "digest": 50, "web": 20,
		},
		EscalationIgnoreThreshold:       3,
		EscalationDeadlineWindowMinutes: 60,
		FailClosedRetryDelaySeconds:     300,

		ReviewDay:         "sunday",
		ReviewTime:        "17:00",
		BatchReminderTime: "08:30",

		LogLevel: "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.DBDSN == "" && cfg.DBDriver == "sqlite" {
		cfg.DBDSN = cfg.DataDir + "/adjutant.db"
	}

	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ADJUTANT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ADJUTANT_DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv("ADJUTANT_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv("ADJUTANT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ADJUTANT_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("ADJUTANT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("ADJUTANT_OWNER_ALLOWLIST"); v != "" {
		cfg.OwnerAllowlist = splitList(v)
	}
	if v := os.Getenv("ADJUTANT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ADJUTANT_SIGNAL_GATEWAY_URL"); v != "" {
		cfg.SignalGatewayURL = v
	}
	if v := os.Getenv("ADJUTANT_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("ADJUTANT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects configurations the process must not start with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "pgx", "mysql":
	default:
		return fmt.Errorf("db_driver %q not supported (sqlite, pgx, mysql)", c.DBDriver)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	switch c.BackoffStrategy {
	case "none", "fixed", "exponential":
	default:
		return fmt.Errorf("backoff_strategy %q not supported (none, fixed, exponential)", c.BackoffStrategy)
	}
	if c.BackoffBaseSeconds < 0 {
		return fmt.Errorf("backoff_base_seconds must be >= 0")
	}
	if c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("rate_limit_window_seconds must be > 0")
	}

	// Outbound delivery is deny-all without an allowlist. Refusing to start
	// here beats silently dropping every notification at runtime.
	if len(c.OwnerAllowlist) == 0 && len(c.ChannelOwnerAllowlist) == 0 {
		return fmt.Errorf("no owner allowlist configured: set owner_allowlist or channel_owner_allowlist")
	}
	return nil
}

// AllowedOwner reports whether owner may receive deliveries on channel.
func (c Config) AllowedOwner(channel, owner string) bool {
	if list, ok := c.ChannelOwnerAllowlist[channel]; ok {
		return contains(list, owner)
	}
	return contains(c.OwnerAllowlist, owner)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Location resolves the configured timezone. Validate guarantees success.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
