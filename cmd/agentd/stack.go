package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"agentd/internal/adapter/embedding"
	"agentd/internal/adapter/history"
	"agentd/internal/adapter/llm"
	"agentd/internal/adapter/memory/vector"
	"agentd/internal/adapter/tool"
	"agentd/internal/domain"
	"agentd/internal/infra/config"
	"agentd/internal/usecase"
	"agentd/internal/usecase/eventbus"
)

const (
	memoryDBName  = "memory.db"
	historyDBName = "history.db"
	// memoryQueryMaxK bounds the k an agent may pass to memory_query.
	memoryQueryMaxK = 20
)

// stack holds the wired components. Commands build only the layers they
// need, in the order run uses: llm, memory, history, tools, runtime.
type stack struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *eventbus.Bus

	llm      *llm.Registry
	counters *llm.CounterFactory
	memory   *vector.Store        // nil when memory is disabled
	history  *history.SQLiteStore // nil when history is not persisted
	tools    *tool.Registry
	mcp      *tool.MCPBridge

	consolidator *usecase.Consolidator
	tree         *usecase.DelegationTree
	runtime      *usecase.Runtime

	closers []func() error
}

func newStack(cfg *config.Config, logger *slog.Logger) *stack {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	bus := eventbus.New(logger)
	s := &stack{cfg: cfg, logger: logger, bus: bus}
	s.onClose(func() error { bus.Close(); return nil })
	return s
}

// buildStack wires every layer needed to run agents.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	s := newStack(cfg, logger)
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"llm", s.initLLM},
		{"memory", s.initMemory},
		{"history", s.initHistory},
		{"consolidator", s.initConsolidator},
		{"tools", s.initTools},
		{"runtime", s.initRuntime},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return s, nil
}

func (s *stack) onClose(fn func() error) { s.closers = append(s.closers, fn) }

// Close releases components in reverse construction order.
func (s *stack) Close() error {
	var errs []error
	for _, fn := range slices.Backward(s.closers) {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *stack) initLLM(context.Context) error {
	reg, err := llm.NewRegistryFromConfig(s.cfg.LLM, s.logger)
	if err != nil {
		return err
	}
	s.llm = reg
	if s.cfg.History.Tokenizer == "estimate" {
		s.counters = llm.NewEstimatingCounterFactory(s.logger)
	} else {
		s.counters = llm.NewCounterFactory(s.logger)
	}
	return nil
}

func (s *stack) initMemory(ctx context.Context) error {
	if !s.cfg.Memory.Enabled {
		return nil
	}
	if err := os.MkdirAll(s.cfg.Memory.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	embedder, err := embedding.New(s.cfg.Memory.Embedding, s.logger)
	if err != nil {
		return err
	}
	store, err := vector.New(ctx, filepath.Join(s.cfg.Memory.DataDir, memoryDBName), embedder, s.logger, vector.Options{})
	if err != nil {
		return err
	}
	s.memory = store
	s.onClose(store.Close)
	s.logger.Info("memory store opened", "records", store.Count(), "embedder", embedder.Name())
	return nil
}

func (s *stack) initHistory(context.Context) error {
	if !s.cfg.History.Persist {
		return nil
	}
	if err := os.MkdirAll(s.cfg.Memory.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := history.NewSQLiteStore(filepath.Join(s.cfg.Memory.DataDir, historyDBName))
	if err != nil {
		return err
	}
	s.history = store
	s.onClose(store.Close)
	return nil
}

func (s *stack) initConsolidator(context.Context) error {
	if s.memory == nil {
		return nil
	}
	provider, err := s.llm.Provider("")
	if err != nil {
		return err
	}
	c, err := usecase.NewConsolidator(usecase.ConsolidatorDeps{
		Store:  s.memory,
		LLM:    provider,
		Bus:    s.bus,
		Logger: s.logger,
		Config: usecase.ConsolidatorConfig{
			Threshold:     s.cfg.Memory.Consolidation.Threshold,
			MaxGroup:      s.cfg.Memory.Consolidation.MaxGroup,
			MinConfidence: s.cfg.Memory.Eviction.MinConfidence,
			MaxMisses:     s.cfg.Memory.Eviction.MaxMisses,
		},
	})
	if err != nil {
		return err
	}
	s.consolidator = c
	return nil
}

func (s *stack) initTools(ctx context.Context) error {
	var opts []tool.Option
	if s.cfg.Tools.RateLimitPerMinute > 0 {
		opts = append(opts, tool.WithRateLimiter(
			tool.NewRateLimiter(s.cfg.Tools.RateLimitPerMinute, s.cfg.Tools.RateLimitBurst)))
	}
	s.tools = tool.NewRegistry(s.logger, opts...)

	if s.cfg.Tools.MemoryTools && s.memory != nil {
		if err := s.tools.RegisterAll(tool.MemoryTools(s.memory, memoryQueryMaxK, s.logger)...); err != nil {
			return err
		}
	}
	if s.cfg.Tools.Workspace != "" {
		ws, err := tool.NewWorkspaceTool(tool.NewLocalFS(), s.cfg.Tools.Workspace, s.logger)
		if err != nil {
			return err
		}
		if err := s.tools.Register(ws); err != nil {
			return err
		}
	}
	if len(s.cfg.Tools.MCPServers) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, s.cfg.Tools.MCPServers, s.cfg.Tools.MCPCallTimeout, s.logger)
		if err != nil {
			return err
		}
		s.mcp = bridge
		s.onClose(func() error { bridge.Close(); return nil })
		if err := s.tools.RegisterAll(bridge.Tools()...); err != nil {
			return err
		}
	}
	s.logger.Debug("tools registered", "tools", s.tools.Names())
	return nil
}

func (s *stack) initRuntime(context.Context) error {
	var curator *usecase.Curator
	if s.cfg.Agent.AutoCurate && s.memory != nil {
		provider, err := s.llm.Provider("")
		if err != nil {
			return err
		}
		curator = usecase.NewCurator(s.memory, provider, "", s.logger)
	}

	s.tree = usecase.NewDelegationTree(usecase.TreeDeps{
		Config: usecase.TreeConfig{
			MaxDepth:    s.cfg.Agent.MaxDepth,
			MaxChildren: s.cfg.Agent.MaxChildren,
		},
		NewHistory: s.newHistory,
		Bus:        s.bus,
		Logger:     s.logger,
	})

	orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Tools:      s.tools,
		Memory:     s.memoryStore(),
		Tree:       s.tree,
		Profiles:   s.cfg,
		Builder:    usecase.NewContextBuilder(),
		Classifier: usecase.NewErrorClassifier(),
		Curator:    curator,
		Bus:        s.bus,
		Locker:     usecase.NewKeyedLocker(),
		Logger:     s.logger,
	})

	a := s.cfg.Agent
	s.runtime = usecase.NewRuntime(usecase.RuntimeDeps{
		Config: usecase.RuntimeConfig{
			DefaultProfile: a.DefaultProfile,
			MaxIterations:  a.MaxIterations,
			MaxTokens:      a.MaxTokens,
			Temperature:    a.Temperature,
			MemoryTopK:     a.MemoryTopK,
			Stream:         a.Stream,
			AutoCurate:     a.AutoCurate,
			TurnTimeout:    a.TurnTimeout,
			MailboxSize:    a.MailboxSize,
		},
		Orchestrator: orch,
		Tree:         s.tree,
		Profiles:     s.cfg,
		Providers:    s.llm,
		NewHistory:   s.newHistory,
		Store:        s.historyStore(),
		Bus:          s.bus,
		Logger:       s.logger,
	})
	s.onClose(func() error { s.runtime.Close(); return nil })
	return nil
}

// newHistory builds an agent's context window. Counting and summarization
// follow the agent's own provider and model; only roots are persisted.
func (s *stack) newHistory(node domain.AgentNode) *usecase.ContextHistory {
	deps := usecase.HistoryDeps{
		AgentID: node.ID,
		Config: usecase.HistoryConfig{
			TokenBudget:  s.cfg.History.TokenBudget,
			TriggerRatio: s.cfg.History.TriggerRatio,
			KeepTail:     s.cfg.History.KeepTail,
		},
		Counter: s.counters.ForModel(s.modelFor(node.Profile)),
		Logger:  s.logger,
	}
	if provider, err := s.llm.Provider(node.Profile.Provider); err == nil {
		deps.Summarizer = usecase.NewLLMSummarizer(provider, node.Profile.Model, s.logger)
	} else {
		s.logger.Warn("no provider for summarization, history will truncate",
			"agent_id", node.ID, "provider", node.Profile.Provider, "error", err)
	}
	if node.IsRoot() {
		deps.Store = s.historyStore()
	}
	return usecase.NewContextHistory(deps)
}

// modelFor resolves the model a profile talks to, for token counting.
func (s *stack) modelFor(p domain.Profile) string {
	if p.Model != "" {
		return p.Model
	}
	name := p.Provider
	if name == "" {
		name = s.cfg.LLM.DefaultProvider
	}
	if pc, ok := s.cfg.Provider(name); ok {
		return pc.Model
	}
	return ""
}

func (s *stack) memoryStore() domain.MemoryStore {
	if s.memory == nil {
		return nil
	}
	return s.memory
}

func (s *stack) historyStore() domain.HistoryStore {
	if s.history == nil {
		return nil
	}
	return s.history
}
