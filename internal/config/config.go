// Package config provides configuration loading for the responder engine.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all engine and daemon configuration.
type Config struct {
	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
	// Data directory for the SQLite database and pulled runbook packs
	DataDir string `json:"data_dir"`
	// Database path (default "<data_dir>/responder.db")
	DBPath string `json:"db_path,omitempty"`
	// Playbook search directory
	PlaybookDir string `json:"playbook_dir"`
	// Adapter config search directory
	AdapterDir string `json:"adapter_dir"`

	// Default automation level (L0, L1, L2)
	AutomationLevel string `json:"automation_level"`
	// Explicit opt-in required before L2 runbooks execute
	EnableL2 bool `json:"enable_l2"`

	// Operator REST API listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Bearer token for mutating API routes. Env-only; hashed at startup
	// and never written back to disk.
	APIToken string `json:"-"`
	// bcrypt hash of the API token, for config files
	APITokenHash string `json:"api_token_hash,omitempty"`

	// OTLP gRPC endpoint for traces (empty disables tracing)
	OTELEndpoint string `json:"otel_endpoint,omitempty"`

	Webhook     WebhookConfig     `json:"webhook,omitempty"`
	LLM         LLMConfig         `json:"llm,omitempty"`
	Engine      EngineConfig      `json:"engine,omitempty"`
	RateLimit   RateLimitConfig   `json:"rate_limit,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

// WebhookConfig configures the alert ingestion endpoint.
type WebhookConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Shared secret for the x-detectforge-signature HMAC header
	Secret string `json:"secret,omitempty"`
}

// Addr returns the host:port listen address.
func (w WebhookConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// LLMConfig configures the advisory LLM provider.
type LLMConfig struct {
	Provider       string `json:"provider,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
}

// EngineConfig bounds concurrent step execution.
type EngineConfig struct {
	// Process-wide ceiling on concurrently running steps
	MaxParallel int `json:"max_parallel"`
	// Default per-adapter call timeout in seconds
	AdapterTimeoutSeconds int `json:"adapter_timeout_seconds"`
}

// RateLimitConfig configures per-source webhook rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

// MaintenanceConfig configures the background retention jobs.
type MaintenanceConfig struct {
	// Cron schedule for the maintenance sweep (robfig/cron syntax)
	Schedule string `json:"schedule"`
	// Days to keep terminal executions, decided approvals, and rollups
	RetentionDays int `json:"retention_days"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		LogLevel:        "info",
		DataDir:         "/var/lib/responder",
		PlaybookDir:     "./playbooks",
		AdapterDir:      "./adapters",
		AutomationLevel: "L0",
		ListenAddr:      ":8080",
		Webhook: WebhookConfig{
			Host: "0.0.0.0",
			Port: 8888,
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			TimeoutSeconds: 30,
			MaxTokens:      1024,
		},
		Engine: EngineConfig{
			MaxParallel:           4,
			AdapterTimeoutSeconds: 30,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             20,
		},
		Maintenance: MaintenanceConfig{
			Schedule:      "@hourly",
			RetentionDays: 90,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("RESPONDER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RESPONDER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RESPONDER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RESPONDER_PLAYBOOK_DIR"); v != "" {
		cfg.PlaybookDir = v
	}
	if v := os.Getenv("RESPONDER_ADAPTER_DIR"); v != "" {
		cfg.AdapterDir = v
	}
	if v := os.Getenv("RESPONDER_AUTOMATION_LEVEL"); v != "" {
		cfg.AutomationLevel = v
	}
	if v := os.Getenv("RESPONDER_ENABLE_L2"); v != "" {
		cfg.EnableL2 = v == "true" || v == "1"
	}
	if v := os.Getenv("RESPONDER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RESPONDER_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("RESPONDER_OTEL_ENDPOINT"); v != "" {
		cfg.OTELEndpoint = v
	}
	if v := os.Getenv("RESPONDER_WEBHOOK_HOST"); v != "" {
		cfg.Webhook.Host = v
	}
	if v := os.Getenv("RESPONDER_WEBHOOK_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Webhook.Port = n
		}
	}
	if v := os.Getenv("RESPONDER_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("RESPONDER_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("RESPONDER_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("RESPONDER_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("RESPONDER_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("RESPONDER_LLM_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("RESPONDER_LLM_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.MaxTokens = n
		}
	}
	if v := os.Getenv("RESPONDER_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("RESPONDER_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Maintenance.RetentionDays = n
		}
	}
	if v := os.Getenv("RESPONDER_MAINTENANCE_SCHEDULE"); v != "" {
		cfg.Maintenance.Schedule = v
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "responder.db")
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasLLM reports whether an LLM provider is usable.
func (c Config) HasLLM() bool {
	return c.LLM.APIKey != "" || c.LLM.Endpoint != ""
}

// HasWebhookSecret reports whether webhook signature checks are on.
func (c Config) HasWebhookSecret() bool {
	return c.Webhook.Secret != ""
}

// HasAPIAuth reports whether the REST API requires a bearer token.
func (c Config) HasAPIAuth() bool {
	return c.APIToken != "" || c.APITokenHash != ""
}
