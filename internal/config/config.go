package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/foreman.yaml"

type Config struct {
	LLM       LLMConfig                  `yaml:"llm"`
	Engine    EngineConfig               `yaml:"engine"`
	Agents    map[string]AgentDefinition `yaml:"agents"`
	NATS      NATSConfig                 `yaml:"nats"`
	Store     StoreConfig                `yaml:"store"`
	Dispatch  DispatchConfig             `yaml:"dispatch"`
	Web       WebConfig                  `yaml:"web"`
	Scheduler SchedulerConfig            `yaml:"scheduler"`
	Telegram  TelegramConfig             `yaml:"telegram"`
	Webhook   WebhookConfig              `yaml:"webhook"`
	Vault     VaultConfig                `yaml:"vault"`
	Logging   LoggingConfig              `yaml:"logging"`
}

// LLMConfig selects the completion provider. APIKey may be a literal, an
// ${ENV} reference, or "secret:<name>" resolved through the vault.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type EngineConfig struct {
	MaxRetries       int         `yaml:"max_retries"`
	GateDependencies bool        `yaml:"gate_dependencies"`
	MaxParallel      int         `yaml:"max_parallel"`
	InlineRetries    bool        `yaml:"inline_retries"`
	Retry            RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	JitterFactor float64       `yaml:"jitter"`
}

// AgentDefinition overrides the built-in definition of one agent type.
// The map key is the agent type (writer, qc, ...).
type AgentDefinition struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Model        string   `yaml:"model"`
	Temperature  *float64 `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
	SystemPrompt string   `yaml:"system_prompt"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	URL     string `yaml:"url"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

type DispatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type WebConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Port        int      `yaml:"port"`
	Auth        string   `yaml:"auth"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	RetrySweep   bool          `yaml:"retry_sweep"`
}

type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		},
		Engine: EngineConfig{
			MaxRetries:  3,
			MaxParallel: 1,
			Retry: RetryConfig{
				BaseDelay:    5 * time.Second,
				MaxDelay:     5 * time.Minute,
				Multiplier:   2.0,
				JitterFactor: 0.1,
			},
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/foreman.db",
		},
		Dispatch: DispatchConfig{
			Concurrency: 4,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
			RetrySweep:   true,
		},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the file named by FOREMAN_CONFIG (or DefaultPath), expands
// environment references and applies explicit env overrides. A missing
// file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("FOREMAN_CONFIG")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the config path Load would read.
func Path() string {
	if p := os.Getenv("FOREMAN_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid store.driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return fmt.Errorf("store.database_url is required for postgres")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be >= 0")
	}
	if c.Engine.MaxParallel < 1 {
		c.Engine.MaxParallel = 1
	}
	for name := range c.Agents {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("agent definition with empty type")
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FOREMAN_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.Provider == "anthropic" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.Provider == "openai" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.LLM.Provider == "gemini" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("FOREMAN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FOREMAN_DATABASE_URL"); v != "" {
		cfg.Store.Driver = "postgres"
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("FOREMAN_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("FOREMAN_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("FOREMAN_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("FOREMAN_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FOREMAN_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("FOREMAN_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("FOREMAN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
