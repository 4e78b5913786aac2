package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateHistory(cfg, ve)
	validateLLM(cfg, ve)
	validateMemory(cfg, ve)
	validateProfiles(cfg, ve)
	validateTools(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	a := cfg.Agent
	if a.MaxIterations <= 0 {
		ve.Add("agent.max_iterations must be > 0")
	}
	if a.MaxDepth < 0 {
		ve.Add("agent.max_depth must be >= 0")
	}
	if a.MaxChildren <= 0 {
		ve.Add("agent.max_children must be > 0")
	}
	if a.TurnTimeout <= 0 {
		ve.Add("agent.turn_timeout must be > 0")
	}
	if a.MemoryTopK < 0 {
		ve.Add("agent.memory_top_k must be >= 0")
	}
	if a.MailboxSize <= 0 {
		ve.Add("agent.mailbox_size must be > 0")
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	h := cfg.History
	if h.TokenBudget <= 0 {
		ve.Add("history.token_budget must be > 0")
	}
	if h.TriggerRatio <= 0 || h.TriggerRatio > 1 {
		ve.Add("history.trigger_ratio must be in (0, 1]")
	}
	if h.KeepTail < 0 {
		ve.Add("history.keep_tail must be >= 0")
	}
	switch h.Tokenizer {
	case "", "tiktoken", "estimate":
	default:
		ve.Add("history.tokenizer %q is invalid (want: tiktoken, estimate)", h.Tokenizer)
	}
}

var validProviderTypes = map[string]bool{
	"openai":            true,
	"openai-compatible": true,
	"openrouter":        true,
	"groq":              true,
	"ollama":            true,
	"bedrock":           true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, openai-compatible, openrouter, groq, ollama, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" && p.Type != "ollama" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via AGENTD_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.RequestsPerMinute < 0 {
			ve.Add("llm.providers[%d] (%s): requests_per_minute must be >= 0", i, p.Name)
		}
	}

	if !seen[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
	for _, fb := range cfg.LLM.Failover.Fallbacks {
		if !seen[fb] {
			ve.Add("llm.failover.fallbacks: unknown provider %q", fb)
		}
	}
}

func validateMemory(cfg *Config, ve *ValidationError) {
	m := cfg.Memory
	if !m.Enabled {
		return
	}
	if m.DataDir == "" {
		ve.Add("memory.data_dir must not be empty")
	}
	switch m.Embedding.Provider {
	case "hash":
	case "openai":
		if m.Embedding.APIKey == "" {
			ve.Add("memory.embedding.api_key is required for the openai embedder")
		}
	default:
		ve.Add("memory.embedding.provider %q is invalid (want: openai, hash)", m.Embedding.Provider)
	}
	if m.Embedding.CacheSize < 0 {
		ve.Add("memory.embedding.cache_size must be >= 0")
	}
	if t := m.Consolidation.Threshold; t <= 0 || t > 1 {
		ve.Add("memory.consolidation.threshold must be in (0, 1]")
	}
	if m.Consolidation.MaxGroup < 2 {
		ve.Add("memory.consolidation.max_group must be >= 2")
	}
	if m.Eviction.MinConfidence < 0 || m.Eviction.MinConfidence > 1 {
		ve.Add("memory.eviction.min_confidence must be in [0, 1]")
	}
	if m.Eviction.MaxMisses <= 0 {
		ve.Add("memory.eviction.max_misses must be > 0")
	}
	validateSchedule("memory.consolidation.schedule", m.Consolidation.Schedule, ve)
	validateSchedule("memory.eviction.schedule", m.Eviction.Schedule, ve)
}

func validateSchedule(field, spec string, ve *ValidationError) {
	if spec == "" {
		return
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		ve.Add("%s %q is invalid: %v", field, spec, err)
	}
}

func validateProfiles(cfg *Config, ve *ValidationError) {
	if len(cfg.Profiles) == 0 {
		ve.Add("profiles must define at least one profile")
		return
	}
	seen := make(map[string]bool)
	for i, p := range cfg.Profiles {
		if p.Name == "" {
			ve.Add("profiles[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("profiles[%d]: duplicate profile name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.MaxIterations < 0 {
			ve.Add("profiles[%d] (%s): max_iterations must be >= 0", i, p.Name)
		}
		if p.Provider != "" && len(cfg.LLM.Providers) > 0 {
			if _, ok := cfg.Provider(p.Provider); !ok {
				ve.Add("profiles[%d] (%s): unknown provider %q", i, p.Name, p.Provider)
			}
		}
	}
	if !seen[cfg.Agent.DefaultProfile] {
		ve.Add("agent.default_profile %q does not match any profile", cfg.Agent.DefaultProfile)
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.RateLimitPerMinute < 0 {
		ve.Add("tools.rate_limit_per_minute must be >= 0, got %d", cfg.Tools.RateLimitPerMinute)
	}
	for i, s := range cfg.Tools.MCPServers {
		if s.Name == "" {
			ve.Add("tools.mcp_servers[%d].name must not be empty", i)
		}
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				ve.Add("tools.mcp_servers[%d] (%s): command is required for stdio transport", i, s.Name)
			}
		case "http":
			if s.URL == "" {
				ve.Add("tools.mcp_servers[%d] (%s): url is required for http transport", i, s.Name)
			}
		default:
			ve.Add("tools.mcp_servers[%d] (%s): transport %q is invalid (want: stdio, http)", i, s.Name, s.Transport)
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "json", "text", "console", "":
	default:
		ve.Add("logger.format %q is invalid (want: json, text, console)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout", "stderr":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout, stderr)", cfg.Tracer.Exporter)
	}
}
