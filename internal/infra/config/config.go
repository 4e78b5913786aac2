package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentd/internal/domain"
)

// Config is the root configuration of the agent runtime.
type Config struct {
	LLM      LLMConfig        `yaml:"llm"`
	Agent    AgentConfig      `yaml:"agent"`
	History  HistoryConfig    `yaml:"history"`
	Memory   MemoryConfig     `yaml:"memory"`
	Profiles []domain.Profile `yaml:"profiles"`
	Tools    ToolsConfig      `yaml:"tools"`
	Observe  ObserveConfig    `yaml:"observe"`
	Logger   LoggerConfig     `yaml:"logger"`
	Tracer   TracerConfig     `yaml:"tracer"`
}

// AgentConfig holds orchestrator loop settings.
type AgentConfig struct {
	DefaultProfile string        `yaml:"default_profile"`
	MaxIterations  int           `yaml:"max_iterations"`
	MaxDepth       int           `yaml:"max_depth"`
	MaxChildren    int           `yaml:"max_children"`
	TurnTimeout    time.Duration `yaml:"turn_timeout"`
	MemoryTopK     int           `yaml:"memory_top_k"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	Stream         bool          `yaml:"stream"`
	AutoCurate     bool          `yaml:"auto_curate"`
	MailboxSize    int           `yaml:"mailbox_size"`
}

// HistoryConfig controls the rolling context window.
type HistoryConfig struct {
	TokenBudget  int     `yaml:"token_budget"`
	TriggerRatio float64 `yaml:"trigger_ratio"`
	KeepTail     int     `yaml:"keep_tail"`
	Persist      bool    `yaml:"persist"`
	Tokenizer    string  `yaml:"tokenizer"` // "tiktoken" or "estimate"
}

// FailoverConfig holds provider fail-over settings.
type FailoverConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Fallbacks      []string      `yaml:"fallbacks"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	Type              string        `yaml:"type"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Region            string        `yaml:"region,omitempty"`
	ContextWindow     int           `yaml:"context_window,omitempty"`
	RespTimeout       time.Duration `yaml:"resp_timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute,omitempty"`
}

// MemoryConfig holds long-term memory settings.
type MemoryConfig struct {
	Enabled       bool                `yaml:"enabled"`
	DataDir       string              `yaml:"data_dir"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Eviction      EvictionConfig      `yaml:"eviction"`
}

// EmbeddingConfig holds text embedding provider settings.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // "openai" or "hash"
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty"`
	CacheSize  int    `yaml:"cache_size"`
}

// ConsolidationConfig controls similarity merges.
type ConsolidationConfig struct {
	Schedule  string  `yaml:"schedule"` // cron spec, empty disables the periodic run
	Threshold float64 `yaml:"threshold"`
	MaxGroup  int     `yaml:"max_group"`
	OnSession bool    `yaml:"on_session_end"`
}

// EvictionConfig controls the soft eviction sweep.
type EvictionConfig struct {
	Schedule      string  `yaml:"schedule"`
	MinConfidence float64 `yaml:"min_confidence"`
	MaxMisses     int     `yaml:"max_misses"`
}

// ToolsConfig holds tool registry settings.
type ToolsConfig struct {
	MemoryTools bool   `yaml:"memory_tools"`
	Workspace   string `yaml:"workspace"` // root of the workspace tool; empty disables it
	// RateLimitPerMinute throttles all tool calls together; zero disables throttling.
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
	MCPCallTimeout     time.Duration `yaml:"mcp_call_timeout"`
	MCPServers         []MCPServer   `yaml:"mcp_servers"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// ObserveConfig holds the observation feed settings.
type ObserveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Token   string `yaml:"token,omitempty"` // bearer token; empty leaves the feed open
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json", "text", "console"
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.agentd/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentd", "data")
}

// DefaultProfileName is the profile used when none is configured.
const DefaultProfileName = "default"

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Failover: FailoverConfig{
				AttemptTimeout: 60 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Agent: AgentConfig{
			DefaultProfile: DefaultProfileName,
			MaxIterations:  10,
			MaxDepth:       3,
			MaxChildren:    4,
			TurnTimeout:    10 * time.Minute,
			MemoryTopK:     4,
			MaxTokens:      2048,
			AutoCurate:     false,
			MailboxSize:    16,
		},
		History: HistoryConfig{
			TokenBudget:  16000,
			TriggerRatio: 0.8,
			KeepTail:     4,
			Persist:      true,
			Tokenizer:    "tiktoken",
		},
		Memory: MemoryConfig{
			Enabled: true,
			DataDir: defaultDataDir(),
			Embedding: EmbeddingConfig{
				Provider:  "hash",
				CacheSize: 1024,
			},
			Consolidation: ConsolidationConfig{
				Schedule:  "@every 1h",
				Threshold: 0.92,
				MaxGroup:  5,
			},
			Eviction: EvictionConfig{
				Schedule:      "@daily",
				MinConfidence: 0.3,
				MaxMisses:     50,
			},
		},
		Profiles: []domain.Profile{
			{
				Name:         DefaultProfileName,
				SystemPrompt: "You are agentd, a personal assistant that works step by step and uses tools when they help.",
				AllowedTools: []string{domain.AllowAllTools},
				CanDelegate:  true,
			},
		},
		Tools: ToolsConfig{
			MemoryTools:    true,
			RateLimitBurst: 5,
			MCPCallTimeout: 30 * time.Second,
		},
		Observe: ObserveConfig{
			Addr: "127.0.0.1:7878",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("%w: read config: %v", domain.ErrConfigLoad, err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfigLoad, err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("AGENTD_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Profile returns the named profile.
func (c *Config) Profile(name string) (domain.Profile, bool) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return domain.Profile{}, false
}

// Provider returns the named provider config.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// ApplyEnvOverrides maps AGENTD_* env vars to config fields.
// Provider API keys use AGENTD_LLM_PROVIDER_<NAME>_API_KEY.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTD_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("AGENTD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTD_MEMORY_DATA_DIR"); v != "" {
		cfg.Memory.DataDir = v
	}
	if v := os.Getenv("AGENTD_MEMORY_EMBEDDING_API_KEY"); v != "" {
		cfg.Memory.Embedding.APIKey = v
	}
	if v := os.Getenv("AGENTD_TOOLS_WORKSPACE"); v != "" {
		cfg.Tools.Workspace = v
	}
	if v := os.Getenv("AGENTD_OBSERVE_ADDR"); v != "" {
		cfg.Observe.Addr = v
	}
	if v := os.Getenv("AGENTD_OBSERVE_TOKEN"); v != "" {
		cfg.Observe.Token = v
	}
	if v := os.Getenv("AGENTD_AGENT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("AGENTD_AGENT_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxDepth = n
		}
	}
	if v := os.Getenv("AGENTD_AGENT_TURN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Agent.TurnTimeout = d
		}
	}
	if v := os.Getenv("AGENTD_HISTORY_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.History.TokenBudget = n
		}
	}
	for i := range cfg.LLM.Providers {
		name := strings.ToUpper(strings.ReplaceAll(cfg.LLM.Providers[i].Name, "-", "_"))
		if v := os.Getenv("AGENTD_LLM_PROVIDER_" + name + "_API_KEY"); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}
}

// validatePermissions checks the config file is not group/world writable.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: stat config: %v", domain.ErrConfigLoad, err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("%w: config file %s has insecure permissions %o (want 0600 or 0644)",
			domain.ErrConfigLoad, path, mode)
	}
	return nil
}
