package tool

import (
	"context"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"agentd/internal/infra/tracer"
)

// ActionHandler handles one action of a multi-action tool.
type ActionHandler[P any] func(ctx context.Context, p P) (any, error)

// ActionMap maps action names to their handlers.
type ActionMap[P any] map[string]ActionHandler[P]

// Dispatch builds an Execute handler that routes on the action named in the
// params. An unknown action is an InvalidArguments result listing the valid
// ones, for example:
//
//	Execute(ctx, "tool.workspace", t.logger, params,
//	    Dispatch(func(p workspaceParams) string { return p.Action }, ActionMap[workspaceParams]{
//	        "read":  t.readFile,
//	        "write": t.writeFile,
//	    }))
func Dispatch[P any](action func(P) string, actions ActionMap[P]) func(context.Context, trace.Span, P) (any, error) {
	valid := slices.Sorted(maps.Keys(actions))
	return func(ctx context.Context, span trace.Span, p P) (any, error) {
		name := action(p)
		span.SetAttributes(tracer.StringAttr("tool.action", name))
		if h, ok := actions[name]; ok {
			return h(ctx, p)
		}
		return nil, BadAction(name, valid...)
	}
}
