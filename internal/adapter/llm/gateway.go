package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"agentd/internal/domain"
)

var (
	// errStreamUnsupported marks a provider that can only answer with Chat.
	errStreamUnsupported = errors.New("provider does not support streaming")
	// errNoModelList marks a provider that cannot enumerate its models.
	errNoModelList = errors.New("provider cannot list models")
)

// defaultAttemptTimeout bounds one provider attempt when none is configured.
const defaultAttemptTimeout = 60 * time.Second

// Compile-time interface checks.
var (
	_ domain.StreamingLLMProvider = (*Gateway)(nil)
	_ domain.ModelLister          = (*Gateway)(nil)
)

// Gateway is the provider an agent talks to. It tries a primary provider and
// then its fallbacks, each attempt bounded by its own timeout, and reports
// ErrProviderUnavailable only when every candidate failed.
//
// Candidates whose model listing fails are tried after the ones that answer,
// so a provider that is down at startup is not the first one every turn.
type Gateway struct {
	primary        domain.LLMProvider
	candidates     []domain.LLMProvider
	attemptTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	order   []domain.LLMProvider
	ordered bool
}

// NewGateway creates a gateway over primary and fallbacks, tried in order.
func NewGateway(primary domain.LLMProvider, fallbacks []domain.LLMProvider, attemptTimeout time.Duration, logger *slog.Logger) *Gateway {
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	candidates := append([]domain.LLMProvider{primary}, fallbacks...)
	return &Gateway{
		primary:        primary,
		candidates:     candidates,
		attemptTimeout: attemptTimeout,
		logger:         logger,
	}
}

// Name reports the primary provider's name.
func (g *Gateway) Name() string { return g.primary.Name() }

// Refresh re-ranks the candidates by asking each for its model list.
func (g *Gateway) Refresh(ctx context.Context) {
	var healthy, demoted []domain.LLMProvider
	for _, p := range g.candidates {
		ml, ok := p.(domain.ModelLister)
		if !ok {
			healthy = append(healthy, p)
			continue
		}
		listCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
		models, err := ml.ListModels(listCtx)
		cancel()
		switch {
		case errors.Is(err, errNoModelList):
			healthy = append(healthy, p)
		case err != nil || len(models) == 0:
			g.logger.Warn("provider model listing failed, demoting in fail-over order",
				"provider", p.Name(), "error", err)
			demoted = append(demoted, p)
		default:
			healthy = append(healthy, p)
		}
	}

	g.mu.Lock()
	g.order = append(healthy, demoted...)
	g.ordered = true
	g.mu.Unlock()
}

func (g *Gateway) attemptOrder(ctx context.Context) []domain.LLMProvider {
	g.mu.Lock()
	ordered := g.ordered
	g.mu.Unlock()
	if !ordered && len(g.candidates) > 1 {
		g.Refresh(ctx)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ordered {
		return g.candidates
	}
	return slices.Clone(g.order)
}

// requestFor clears the model name for fallbacks: a model chosen for the
// primary means nothing to another provider, which uses its own default.
func (g *Gateway) requestFor(p domain.LLMProvider, req domain.ChatRequest) domain.ChatRequest {
	if p != g.primary {
		req.Model = ""
	}
	return req
}

// Chat implements domain.LLMProvider.
func (g *Gateway) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var errs []error
	for _, p := range g.attemptOrder(ctx) {
		resp, err := g.chatAttempt(ctx, p, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("llm provider attempt failed", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, g.exhausted(errs)
}

func (g *Gateway) chatAttempt(ctx context.Context, p domain.LLMProvider, req domain.ChatRequest) (*domain.ChatResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
	defer cancel()

	resp, err := p.Chat(attemptCtx, g.requestFor(p, req))
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no answer within %s: %v", domain.ErrTimeout, g.attemptTimeout, err)
		}
		return nil, err
	}
	if resp.Provider == "" {
		resp.Provider = p.Name()
	}
	return resp, nil
}

// ChatStream implements domain.StreamingLLMProvider. The attempt timeout
// bounds stream setup and every gap between deltas. A candidate that stalls
// before its first delta is replaced by the next one; a stall after output
// has started ends the stream with ErrTimeout. A candidate without streaming
// answers through Chat, delivered as a single delta.
func (g *Gateway) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	f := &streamFailover{g: g, req: req, pending: g.attemptOrder(ctx)}
	s, err := f.open(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.StreamDelta, 16)
	go f.relay(ctx, s, out)
	return out, nil
}

// attemptStream is one candidate's open stream.
type attemptStream struct {
	provider string
	deltas   <-chan domain.StreamDelta
	cancel   context.CancelFunc
}

// streamFailover walks the candidates of one ChatStream call.
type streamFailover struct {
	g       *Gateway
	req     domain.ChatRequest
	pending []domain.LLMProvider
	errs    []error
}

// open starts a stream on the next candidate that accepts one.
func (f *streamFailover) open(ctx context.Context) (attemptStream, error) {
	for len(f.pending) > 0 {
		p := f.pending[0]
		f.pending = f.pending[1:]
		s, err := f.g.streamAttempt(ctx, p, f.req)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return attemptStream{}, ctx.Err()
		}
		f.fail(p.Name(), err)
	}
	return attemptStream{}, f.g.exhausted(f.errs)
}

func (f *streamFailover) fail(provider string, err error) {
	f.g.logger.Warn("llm provider stream attempt failed", "provider", provider, "error", err)
	f.errs = append(f.errs, fmt.Errorf("%s: %w", provider, err))
}

// relay forwards s into out, failing over while nothing has been sent.
func (f *streamFailover) relay(ctx context.Context, s attemptStream, out chan<- domain.StreamDelta) {
	defer close(out)
	for {
		sent, err := f.g.forward(ctx, s.deltas, out)
		s.cancel()
		if err == nil || ctx.Err() != nil {
			return
		}
		if sent {
			f.g.logger.Warn("llm stream stalled mid-answer", "provider", s.provider, "error", err)
			f.finish(ctx, out, err)
			return
		}
		f.fail(s.provider, err)
		if s, err = f.open(ctx); err != nil {
			f.finish(ctx, out, err)
			return
		}
	}
}

func (f *streamFailover) finish(ctx context.Context, out chan<- domain.StreamDelta, err error) {
	select {
	case out <- domain.StreamDelta{Done: true, Err: err}:
	case <-ctx.Done():
	}
}

// forward copies deltas until in closes, ctx ends, or no delta arrives
// within the attempt timeout. It reports whether anything was sent.
func (g *Gateway) forward(ctx context.Context, in <-chan domain.StreamDelta, out chan<- domain.StreamDelta) (bool, error) {
	sent := false
	idle := time.NewTimer(g.attemptTimeout)
	defer idle.Stop()
	for {
		select {
		case d, ok := <-in:
			if !ok {
				return sent, nil
			}
			select {
			case out <- d:
				sent = true
			case <-ctx.Done():
				return sent, ctx.Err()
			}
			idle.Reset(g.attemptTimeout)
		case <-idle.C:
			return sent, fmt.Errorf("%w: no stream output for %s", domain.ErrTimeout, g.attemptTimeout)
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
}

func (g *Gateway) streamAttempt(ctx context.Context, p domain.LLMProvider, req domain.ChatRequest) (attemptStream, error) {
	sp, ok := p.(domain.StreamingLLMProvider)
	if !ok {
		return g.chatAsStream(ctx, p, req)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(g.attemptTimeout, cancel)
	ch, err := sp.ChatStream(streamCtx, g.requestFor(p, req))
	fired := !timer.Stop()

	switch {
	case errors.Is(err, errStreamUnsupported):
		cancel()
		return g.chatAsStream(ctx, p, req)
	case err != nil:
		cancel()
		if fired && ctx.Err() == nil {
			return attemptStream{}, fmt.Errorf("%w: stream not established within %s: %v", domain.ErrTimeout, g.attemptTimeout, err)
		}
		return attemptStream{}, err
	case fired:
		cancel()
		return attemptStream{}, fmt.Errorf("%w: stream not established within %s", domain.ErrTimeout, g.attemptTimeout)
	}
	return attemptStream{provider: p.Name(), deltas: ch, cancel: cancel}, nil
}

func (g *Gateway) chatAsStream(ctx context.Context, p domain.LLMProvider, req domain.ChatRequest) (attemptStream, error) {
	resp, err := g.chatAttempt(ctx, p, req)
	if err != nil {
		return attemptStream{}, err
	}
	usage := resp.Usage
	ch := make(chan domain.StreamDelta, 1)
	ch <- domain.StreamDelta{
		Content:   resp.Message.Content,
		ToolCalls: resp.Message.ToolCalls,
		Usage:     &usage,
		Done:      true,
	}
	close(ch)
	return attemptStream{provider: p.Name(), deltas: ch, cancel: func() {}}, nil
}

func (g *Gateway) exhausted(errs []error) error {
	if len(errs) == 0 {
		return fmt.Errorf("%w: no providers configured", domain.ErrProviderUnavailable)
	}
	return fmt.Errorf("%w: all %d providers failed: %w", domain.ErrProviderUnavailable, len(errs), errors.Join(errs...))
}

// ListModels implements domain.ModelLister by merging every candidate's
// list. It fails only when no candidate could list anything.
func (g *Gateway) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	var (
		models []domain.ModelInfo
		errs   []error
	)
	for _, p := range g.candidates {
		ml, ok := p.(domain.ModelLister)
		if !ok {
			continue
		}
		listCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
		list, err := ml.ListModels(listCtx)
		cancel()
		if err != nil {
			if !errors.Is(err, errNoModelList) {
				errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			}
			continue
		}
		models = append(models, list...)
	}
	if len(models) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, errors.Join(errs...))
	}
	return models, nil
}
