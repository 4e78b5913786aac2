package llm

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"agentd/internal/domain"
)

// fallbackEncoding is used for models tiktoken does not know.
const fallbackEncoding = "cl100k_base"

var errEstimateOnly = errors.New("tokenizer disabled, estimating")

// Per-message framing overhead of the chat format.
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	tokensPerReply   = 3
)

var _ domain.TokenCounterFactory = (*CounterFactory)(nil)

// TiktokenCounter counts tokens with a BPE encoding. Without an encoding it
// estimates four bytes per token.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// CountText implements domain.TokenCounter.
func (c *TiktokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return max((len(text)+3)/4, 1)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages implements domain.TokenCounter, including the chat framing.
func (c *TiktokenCounter) CountMessages(msgs []domain.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	n := tokensPerReply
	for _, m := range msgs {
		n += tokensPerMessage + c.CountText(m.Role) + c.CountText(m.Content)
		if m.Name != "" {
			n += tokensPerName + c.CountText(m.Name)
		}
		for _, tc := range m.ToolCalls {
			n += c.CountText(tc.Name) + c.CountText(string(tc.Arguments))
		}
	}
	return n
}

// CounterFactory hands out one counter per model. Encodings load lazily and
// are shared between models that use the same one.
type CounterFactory struct {
	mu       sync.Mutex
	counters map[string]*TiktokenCounter
	load     func(model string) (*tiktoken.Tiktoken, error)
	logger   *slog.Logger
}

// NewCounterFactory creates a factory backed by tiktoken.
func NewCounterFactory(logger *slog.Logger) *CounterFactory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CounterFactory{
		counters: make(map[string]*TiktokenCounter),
		load:     loadEncoding,
		logger:   logger,
	}
}

// NewEstimatingCounterFactory creates a factory that never loads an
// encoding, for hosts that cannot fetch the tiktoken tables.
func NewEstimatingCounterFactory(logger *slog.Logger) *CounterFactory {
	f := NewCounterFactory(logger)
	f.load = func(string) (*tiktoken.Tiktoken, error) { return nil, errEstimateOnly }
	return f
}

func loadEncoding(model string) (*tiktoken.Tiktoken, error) {
	if model != "" {
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			return enc, nil
		}
	}
	return tiktoken.GetEncoding(fallbackEncoding)
}

// ForModel implements domain.TokenCounterFactory. If no encoding can be
// loaded (tiktoken fetches its tables on first use) the counter estimates.
func (f *CounterFactory) ForModel(model string) domain.TokenCounter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.counters[model]; ok {
		return c
	}
	enc, err := f.load(model)
	if err != nil {
		if !errors.Is(err, errEstimateOnly) {
			f.logger.Warn("tiktoken encoding unavailable, estimating token counts",
				"model", model, "error", err)
		}
		enc = nil
	}
	c := &TiktokenCounter{enc: enc}
	f.counters[model] = c
	return c
}
