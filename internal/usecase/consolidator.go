package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"agentd/internal/domain"
	"agentd/internal/infra/tracer"
)

// ConsolidatorConfig tunes merging and eviction.
type ConsolidatorConfig struct {
	Threshold     float64 // minimum similarity to merge (default 0.92)
	MaxGroup      int     // records per merge (default 5)
	MinConfidence float64 // eviction confidence floor (default 0.3)
	MaxMisses     int     // eviction miss count (default 50)
}

const mergeSystemPrompt = `You merge near-duplicate memory records into one.
Rewrite the records below as a single self-contained statement that keeps every distinct detail.
Respond with JSON only: {"text": "<merged statement>", "kind": "fact|solution|preference"}`

const mergeOutputSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string", "minLength": 1},
		"kind": {"type": "string", "enum": ["fact", "solution", "preference"]}
	},
	"required": ["text"]
}`

var codeFenceRe = regexp.MustCompile("(?si)^```(?:json)?\\s*(.*?)\\s*```$")

// Consolidator merges near-duplicate records and evicts stale ones.
type Consolidator struct {
	store  domain.MemoryMaintainer
	llm    domain.LLMProvider
	model  string
	locker *KeyedLocker
	bus    domain.EventBus
	logger *slog.Logger
	cfg    ConsolidatorConfig
	schema *jsonschema.Schema
}

// ConsolidatorDeps holds the dependencies of a Consolidator.
type ConsolidatorDeps struct {
	Store  domain.MemoryMaintainer
	LLM    domain.LLMProvider
	Model  string
	Locker *KeyedLocker // optional, one is created when nil
	Bus    domain.EventBus
	Logger *slog.Logger
	Config ConsolidatorConfig
}

// NewConsolidator creates a Consolidator, filling config defaults.
func NewConsolidator(deps ConsolidatorDeps) (*Consolidator, error) {
	cfg := deps.Config
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.92
	}
	if cfg.MaxGroup <= 1 {
		cfg.MaxGroup = 5
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.3
	}
	if cfg.MaxMisses <= 0 {
		cfg.MaxMisses = 50
	}
	schema, err := jsonschema.NewCompiler().Compile([]byte(mergeOutputSchema))
	if err != nil {
		return nil, fmt.Errorf("compile merge schema: %w", err)
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewKeyedLocker()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Consolidator{
		store:  deps.Store,
		llm:    deps.LLM,
		model:  deps.Model,
		locker: locker,
		bus:    deps.Bus,
		logger: logger,
		cfg:    cfg,
		schema: schema,
	}, nil
}

// Consolidate merges every group of mutually similar records into one
// record. Groups whose records are locked by a concurrent merge, or that
// changed since they were read, are skipped until the next run.
func (c *Consolidator) Consolidate(ctx context.Context) (int, error) {
	ctx, span := tracer.StartSpan(ctx, "memory.consolidate")
	defer span.End()

	groups, err := c.store.SimilarGroups(ctx, c.cfg.Threshold, c.cfg.MaxGroup)
	if err != nil {
		tracer.RecordError(span, err)
		return 0, domain.NewDomainError("Consolidator.Consolidate", domain.ErrMemoryUnavailable, err.Error())
	}

	merged := 0
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			tracer.RecordError(span, err)
			return merged, err
		}
		ok, err := c.mergeGroup(ctx, group)
		if err != nil {
			c.logger.Warn("memory merge failed", "records", len(group), "error", err)
			continue
		}
		if ok {
			merged++
		}
	}

	span.SetAttributes(tracer.IntAttr("memory.groups", len(groups)), tracer.IntAttr("memory.merged", merged))
	tracer.SetOK(span)
	c.logger.Info("memory consolidation complete", "groups", len(groups), "merged", merged)
	return merged, nil
}

func (c *Consolidator) mergeGroup(ctx context.Context, group []domain.MemoryRecord) (bool, error) {
	ids := make([]string, len(group))
	for i, r := range group {
		ids[i] = r.ID
	}
	unlock, ok := c.locker.TryLockAll(ids)
	if !ok {
		c.logger.Debug("merge group busy, skipping", "records", ids)
		return false, nil
	}
	defer unlock()

	text, kind, err := c.rewrite(ctx, group)
	if err != nil {
		return false, err
	}

	id, err := c.store.Merge(ctx, ids, domain.NewMemory{
		Text:       text,
		Kind:       kind,
		Confidence: CombinedConfidence(group),
	})
	if errors.Is(err, domain.ErrMergeConflict) {
		c.logger.Debug("merge group changed, skipping", "records", ids)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	emit(ctx, c.bus, domain.EventMemoryConsolidated, "", domain.MemoryPayload{RecordID: id, Merged: ids})
	c.logger.Debug("memory records merged", "record_id", id, "merged", len(ids))
	return true, nil
}

type mergeOutput struct {
	Text string `json:"text"`
	Kind string `json:"kind"`
}

func (c *Consolidator) rewrite(ctx context.Context, group []domain.MemoryRecord) (string, domain.MemoryKind, error) {
	var sb strings.Builder
	for i, r := range group {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, r.Kind, r.Text)
	}

	resp, err := c.llm.Chat(ctx, domain.ChatRequest{
		Model: c.model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: mergeSystemPrompt},
			{Role: domain.RoleUser, Content: sb.String()},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return "", "", domain.WrapOp("Consolidator.rewrite", err)
	}

	raw := stripCodeFences(resp.Message.Content)
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", "", fmt.Errorf("merge output is not JSON: %w", err)
	}
	if result := c.schema.Validate(data); !result.IsValid() {
		return "", "", fmt.Errorf("merge output failed validation: %s", result.Error())
	}

	var out mergeOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", "", fmt.Errorf("decode merge output: %w", err)
	}
	kind := domain.MemoryKind(out.Kind)
	if !kind.Valid() {
		kind = group[0].Kind
	}
	return strings.TrimSpace(out.Text), kind, nil
}

// Evict deletes records below the confidence floor that have missed at
// least MaxMisses queries.
func (c *Consolidator) Evict(ctx context.Context) (int, error) {
	candidates, err := c.store.EvictionCandidates(ctx, c.cfg.MinConfidence, c.cfg.MaxMisses)
	if err != nil {
		return 0, domain.NewDomainError("Consolidator.Evict", domain.ErrMemoryUnavailable, err.Error())
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	ids := make([]string, len(candidates))
	for i, r := range candidates {
		ids[i] = r.ID
	}
	unlock, ok := c.locker.TryLockAll(ids)
	if !ok {
		c.logger.Debug("eviction candidates busy, retrying next sweep", "records", len(ids))
		return 0, nil
	}
	defer unlock()

	n, err := c.store.ForgetAll(ctx, domain.MemoryFilter{IDs: ids})
	if err != nil {
		return 0, domain.NewDomainError("Consolidator.Evict", domain.ErrMemoryUnavailable, err.Error())
	}
	emit(ctx, c.bus, domain.EventMemoryEvicted, "", domain.MemoryPayload{Count: n})
	c.logger.Info("memory eviction complete", "evicted", n)
	return n, nil
}

// CombinedConfidence returns 1 - Π(1 - c) over the group.
func CombinedConfidence(group []domain.MemoryRecord) float64 {
	miss := 1.0
	for _, r := range group {
		c := min(max(r.Confidence, 0), 1)
		miss *= 1 - c
	}
	return 1 - miss
}

// stripCodeFences removes a surrounding markdown code fence, if any.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}
