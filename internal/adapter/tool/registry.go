package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
	"agentd/internal/infra/tracer"
)

// Registry holds named tools and dispatches invocations to them.
// It implements domain.ToolDispatcher.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	limiter *RateLimiter
	logger  *slog.Logger
}

type entry struct {
	tool   domain.Tool
	schema *jsonschema.Schema // nil when the tool declares no parameters
}

var _ domain.ToolDispatcher = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithRateLimiter throttles every dispatch through one shared bucket.
func WithRateLimiter(l *RateLimiter) Option {
	return func(r *Registry) { r.limiter = l }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{
		tools:  make(map[string]*entry),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. The argument schema is compiled here so a broken
// schema fails at startup rather than on the first call.
func (r *Registry) Register(t domain.Tool) error {
	name := t.Name()
	if name == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "empty tool name")
	}
	schema, err := compileSchema(name, t.Schema().Parameters)
	if err != nil {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, name)
	}
	r.tools[name] = &entry{tool: t, schema: schema}
	return nil
}

// RegisterAll registers each tool, stopping at the first failure.
func (r *Registry) RegisterAll(tools ...domain.Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return e.tool, nil
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Catalog returns the schemas of the tools the profile may use, sorted by name.
func (r *Registry) Catalog(profile domain.Profile) []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for name, e := range r.tools {
		if !profile.Allows(name) {
			continue
		}
		s := e.tool.Schema()
		if s.Name == "" {
			s.Name = name
		}
		if s.Description == "" {
			s.Description = e.tool.Description()
		}
		schemas = append(schemas, s)
	}
	slices.SortFunc(schemas, func(a, b domain.ToolSchema) int { return strings.Compare(a.Name, b.Name) })
	return schemas
}

// Known reports whether a tool with the name is registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Dispatch runs one invocation under the profile's gate. Every failure is
// encoded in the result: the profile gate, argument validation and the rate
// limit run before the handler, and handler errors or panics become
// HandlerFailure.
func (r *Registry) Dispatch(ctx context.Context, profile domain.Profile, inv domain.ToolInvocation) domain.ToolResult {
	ctx, span := tracer.StartSpan(ctx, "tool.execute",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", inv.ToolName),
			tracer.StringAttr("agent.id", inv.CallerAgentID),
		),
	)
	defer span.End()

	res := r.dispatch(ctx, profile, inv)
	res.ToolCallID = inv.ToolCallID
	if res.Error != nil {
		tracer.RecordError(span, res.Error)
		r.logger.Warn("tool call failed",
			"tool", inv.ToolName,
			"agent_id", inv.CallerAgentID,
			"kind", res.Error.Kind,
			"error", res.Error.Message,
		)
	} else {
		tracer.SetOK(span)
	}
	r.audit(inv, res)
	return res
}

func (r *Registry) dispatch(ctx context.Context, profile domain.Profile, inv domain.ToolInvocation) domain.ToolResult {
	r.mu.RLock()
	e, ok := r.tools[inv.ToolName]
	r.mu.RUnlock()

	switch {
	case !ok:
		return failure(domain.ToolErrNotFound, fmt.Sprintf("no tool named %q", inv.ToolName))
	case !profile.Allows(inv.ToolName):
		return failure(domain.ToolErrNotAllowed, fmt.Sprintf("tool %q is not allowed for profile %q", inv.ToolName, profile.Name))
	}

	args, err := validateArgs(e.schema, inv.Arguments)
	if err != nil {
		return failure(domain.ToolErrInvalidArguments, err.Error())
	}

	if r.limiter != nil && !r.limiter.Allow() {
		return failure(domain.ToolErrRateLimited, "rate limit exceeded (transient error, may succeed on retry)")
	}

	return r.invoke(ctx, e.tool, args)
}

// invoke calls the handler, converting panics and errors into results.
func (r *Registry) invoke(ctx context.Context, t domain.Tool, args json.RawMessage) (res domain.ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked",
				"tool", t.Name(),
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res = failure(domain.ToolErrHandlerFailure, fmt.Sprintf("handler panicked: %v", p))
		}
	}()

	out, err := t.Execute(ctx, args)
	if err != nil {
		kind, hint := classifyHandlerError(err)
		msg := err.Error()
		if hint != "" {
			msg += " (" + hint + ")"
		}
		return failure(kind, msg)
	}
	if out == nil {
		return domain.ToolResult{Success: true}
	}
	res = *out
	res.Success = res.Error == nil
	return res
}

// audit logs every reported side effect. Side effects are never rolled back.
func (r *Registry) audit(inv domain.ToolInvocation, res domain.ToolResult) {
	for _, se := range res.SideEffects {
		r.logger.Info("tool side effect",
			"tool", inv.ToolName,
			"agent_id", inv.CallerAgentID,
			"kind", se.Kind,
			"target", se.Target,
			"detail", se.Detail,
			"success", res.Success,
		)
	}
}

func failure(kind domain.ToolErrorKind, msg string) domain.ToolResult {
	return domain.ToolResult{Error: &domain.ToolError{Kind: kind, Message: msg}}
}
