package usecase

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"agentd/internal/domain"
)

// Defaults applied by NewContextHistory.
const (
	defaultTokenBudget  = 16000
	defaultTriggerRatio = 0.8
	defaultKeepTail     = 4
)

const truncatedMarker = "\n[truncated]"

// HistoryConfig bounds a context history.
type HistoryConfig struct {
	TokenBudget  int
	TriggerRatio float64
	KeepTail     int
}

// SummarizationEvent reports a compaction that happened during Append.
// Err is set when the summarizer failed; the history is then unchanged
// apart from the appended message.
type SummarizationEvent struct {
	Summarized   int
	Truncated    int
	TokensBefore int
	TokensAfter  int
	Err          error
}

// HistoryDeps holds the collaborators of a ContextHistory.
type HistoryDeps struct {
	AgentID    string
	Config     HistoryConfig
	Counter    domain.TokenCounter
	Summarizer Summarizer
	Store      domain.HistoryStore // optional, nil = in-memory only
	Logger     *slog.Logger
}

// ContextHistory is an agent's rolling message log plus cumulative summary.
// The live tokens plus the summary tokens never exceed the token budget.
type ContextHistory struct {
	agentID    string
	cfg        HistoryConfig
	counter    domain.TokenCounter
	summarizer Summarizer
	store      domain.HistoryStore
	logger     *slog.Logger

	mu            sync.RWMutex
	summary       string
	summaryTokens int
	msgs          []domain.Message
	liveTokens    int
}

// NewContextHistory creates an empty history.
func NewContextHistory(deps HistoryDeps) *ContextHistory {
	cfg := deps.Config
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = defaultTokenBudget
	}
	if cfg.TriggerRatio <= 0 || cfg.TriggerRatio > 1 {
		cfg.TriggerRatio = defaultTriggerRatio
	}
	if cfg.KeepTail <= 0 {
		cfg.KeepTail = defaultKeepTail
	}
	counter := deps.Counter
	if counter == nil {
		counter = approxCounter{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ContextHistory{
		agentID:    deps.AgentID,
		cfg:        cfg,
		counter:    counter,
		summarizer: deps.Summarizer,
		store:      deps.Store,
		logger:     logger,
	}
}

// Restore replaces the in-memory state with a persisted snapshot.
func (h *ContextHistory) Restore(snap *domain.HistorySnapshot) {
	if snap == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.summary = snap.Summary
	h.summaryTokens = 0
	if snap.Summary != "" {
		h.summaryTokens = h.counter.CountText(snap.Summary)
	}
	h.msgs = make([]domain.Message, 0, len(snap.Messages))
	h.liveTokens = 0
	for _, m := range snap.Messages {
		if m.TokenCount <= 0 {
			m.TokenCount = h.counter.CountMessages([]domain.Message{m})
		}
		h.msgs = append(h.msgs, m)
		h.liveTokens += m.TokenCount
	}
	h.enforceBudgetLocked()
}

// Append adds msg to the history. When the append would push the history
// past TokenBudget*TriggerRatio, the oldest block (excluding the last
// KeepTail messages) is summarized first. The message is always appended;
// the returned error only reports persistence failures.
func (h *ContextHistory) Append(ctx context.Context, msg domain.Message) (*SummarizationEvent, error) {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg = h.fitMessage(msg, h.cfg.TokenBudget/2)

	var ev *SummarizationEvent
	if h.exceedsTrigger(msg.TokenCount) {
		ev = h.summarize(ctx)
	}

	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.liveTokens += msg.TokenCount
	removed := h.enforceBudgetLocked()
	summary := h.summary
	after := h.liveTokens + h.summaryTokens
	h.mu.Unlock()

	if len(removed) > 0 {
		if ev == nil {
			ev = &SummarizationEvent{}
		}
		ev.Truncated = len(removed)
		ev.TokensAfter = after
		h.logger.Warn("history truncated to fit token budget",
			"agent_id", h.agentID,
			"dropped", len(removed),
			"budget", h.cfg.TokenBudget,
		)
	}

	if h.store == nil {
		return ev, nil
	}
	if err := h.store.AppendMessage(ctx, h.agentID, msg); err != nil {
		return ev, domain.NewDomainError("ContextHistory.Append", domain.ErrHistoryStore, err.Error())
	}
	if len(removed) > 0 {
		if err := h.store.Compact(ctx, h.agentID, summary, removed); err != nil {
			return ev, domain.NewDomainError("ContextHistory.Append", domain.ErrHistoryStore, err.Error())
		}
	}
	return ev, nil
}

// ForceSummarize compacts the oldest block regardless of the trigger.
// Used when a provider rejects a prompt as too long.
func (h *ContextHistory) ForceSummarize(ctx context.Context) *SummarizationEvent {
	return h.summarize(ctx)
}

func (h *ContextHistory) exceedsTrigger(incoming int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := h.liveTokens + h.summaryTokens + incoming
	return float64(total) > float64(h.cfg.TokenBudget)*h.cfg.TriggerRatio
}

// blockEndLocked returns the exclusive end of the summarizable prefix.
// The boundary never separates a call from its results.
func (h *ContextHistory) blockEndLocked() int {
	cut := len(h.msgs) - h.cfg.KeepTail
	if cut <= 0 {
		return 0
	}
	for cut > 0 && isCallResult(h.msgs[cut]) {
		cut--
	}
	return cut
}

func (h *ContextHistory) summarize(ctx context.Context) *SummarizationEvent {
	h.mu.RLock()
	cut := h.blockEndLocked()
	block := slices.Clone(h.msgs[:cut])
	prior := h.summary
	before := h.liveTokens + h.summaryTokens
	h.mu.RUnlock()

	if cut == 0 {
		return nil
	}

	fail := func(detail string) *SummarizationEvent {
		err := domain.NewDomainError("ContextHistory.Summarize", domain.ErrSummarizationFailure, detail)
		h.logger.Warn("summarization failed, history left unchanged",
			"agent_id", h.agentID,
			"block", len(block),
			"error", err,
		)
		return &SummarizationEvent{TokensBefore: before, TokensAfter: before, Err: err}
	}

	if h.summarizer == nil {
		return fail("no summarizer configured")
	}
	text, err := h.summarizer.Summarize(ctx, prior, block)
	if err != nil {
		return fail(err.Error())
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fail("empty summary")
	}
	text = fitSummary(h.counter, text, h.cfg.TokenBudget/2)

	removed := make([]string, len(block))
	removedTokens := 0
	for i, m := range block {
		removed[i] = m.ID
		removedTokens += m.TokenCount
	}

	h.mu.Lock()
	h.msgs = slices.Clone(h.msgs[cut:])
	h.liveTokens -= removedTokens
	h.summary = text
	h.summaryTokens = h.counter.CountText(text)
	after := h.liveTokens + h.summaryTokens
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.Compact(ctx, h.agentID, text, removed); err != nil {
			h.logger.Warn("failed to persist compacted history", "agent_id", h.agentID, "error", err)
		}
	}

	h.logger.Info("history summarized",
		"agent_id", h.agentID,
		"messages", len(block),
		"tokens_before", before,
		"tokens_after", after,
	)
	return &SummarizationEvent{Summarized: len(block), TokensBefore: before, TokensAfter: after}
}

// enforceBudgetLocked drops the oldest message groups until the history
// fits the hard budget. It returns the IDs of dropped messages.
func (h *ContextHistory) enforceBudgetLocked() []string {
	budget := h.cfg.TokenBudget
	var removed []string
	for h.liveTokens+h.summaryTokens > budget {
		groups := groupMessages(h.msgs)
		if len(groups) <= 1 {
			break
		}
		for _, m := range groups[0] {
			removed = append(removed, m.ID)
			h.liveTokens -= m.TokenCount
		}
		h.msgs = slices.Clone(h.msgs[len(groups[0]):])
	}

	if over := h.liveTokens + h.summaryTokens - budget; over > 0 && h.summaryTokens > 0 {
		h.summary = fitSummary(h.counter, h.summary, max(h.summaryTokens-over, 0))
		h.summaryTokens = 0
		if h.summary != "" {
			h.summaryTokens = h.counter.CountText(h.summary)
		}
	}

	for i := range h.msgs {
		over := h.liveTokens + h.summaryTokens - budget
		if over <= 0 {
			break
		}
		prev := h.msgs[i].TokenCount
		h.msgs[i] = h.fitMessage(h.msgs[i], max(prev-over, 1))
		h.liveTokens += h.msgs[i].TokenCount - prev
	}
	return removed
}

// fitMessage counts msg and shrinks its content until it fits maxTokens.
func (h *ContextHistory) fitMessage(msg domain.Message, maxTokens int) domain.Message {
	msg.TokenCount = h.counter.CountMessages([]domain.Message{msg})
	if msg.TokenCount <= maxTokens {
		return msg
	}
	overhead := msg.TokenCount - h.counter.CountText(msg.Content)
	msg.Content = fitText(h.counter, msg.Content, max(maxTokens-overhead, 0))
	msg.TokenCount = h.counter.CountMessages([]domain.Message{msg})
	return msg
}

// RenderForPrompt returns the summary and a copy of the live messages.
func (h *ContextHistory) RenderForPrompt() (string, []domain.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.summary, slices.Clone(h.msgs)
}

// Messages returns a copy of the live messages.
func (h *ContextHistory) Messages() []domain.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.msgs)
}

// Summary returns the cumulative summary.
func (h *ContextHistory) Summary() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.summary
}

// Tokens returns live plus summary tokens.
func (h *ContextHistory) Tokens() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.liveTokens + h.summaryTokens
}

// Budget returns the configured token budget.
func (h *ContextHistory) Budget() int { return h.cfg.TokenBudget }

// Len returns the number of live messages.
func (h *ContextHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.msgs)
}

// LastMessage returns the most recent live message, or nil.
func (h *ContextHistory) LastMessage() *domain.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.msgs) == 0 {
		return nil
	}
	m := h.msgs[len(h.msgs)-1]
	return &m
}

// fitText cuts text to the longest rune prefix that, with the truncation
// marker, counts at most maxTokens.
func fitText(counter domain.TokenCounter, text string, maxTokens int) string {
	if counter.CountText(text) <= maxTokens {
		return text
	}
	if maxTokens <= 0 || counter.CountText(truncatedMarker) > maxTokens {
		return ""
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.CountText(string(runes[:mid])+truncatedMarker) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo]) + truncatedMarker
}

// fitSummary shrinks a summary to maxTokens, giving up narrative text
// before any KEEP line.
func fitSummary(counter domain.TokenCounter, text string, maxTokens int) string {
	if counter.CountText(text) <= maxTokens {
		return text
	}
	keep := keepLines(text)
	var rest []string
	for _, line := range strings.Split(text, "\n") {
		if !isKeepLine(line) {
			rest = append(rest, line)
		}
	}
	keepBlock := strings.Join(keep, "\n")
	room := maxTokens - counter.CountText(keepBlock) - 1
	if len(keep) == 0 {
		return fitText(counter, text, maxTokens)
	}
	if room <= 0 {
		return fitText(counter, keepBlock, maxTokens)
	}
	narrative := fitText(counter, strings.Join(rest, "\n"), room)
	if narrative == "" {
		return keepBlock
	}
	return narrative + "\n" + keepBlock
}

// approxCounter estimates four characters per token. It is used only when
// no model tokenizer is injected.
type approxCounter struct{}

func (approxCounter) CountText(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

func (c approxCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += 4 + c.CountText(m.Content)
		for _, tc := range m.ToolCalls {
			total += c.CountText(tc.Name) + c.CountText(string(tc.Arguments))
		}
	}
	return total
}
