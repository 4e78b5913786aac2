package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
	"agentd/internal/infra/tracer"
)

// Execute is the standard tool execution pipeline: parse params -> start trace -> run handler -> format result.
//
// The handler receives the parsed params and an active trace span. It should return:
//   - (any Go value, nil): the value is JSON-marshaled into the payload
//   - (string, nil): used as the payload verbatim
//   - (*domain.ToolResult, nil): returned as-is (for side effects or custom errors)
//   - (nil, *ArgError): an InvalidArguments result
//   - (nil, error): logged and returned, which the registry reports as a handler failure
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	p, bad := ParseParams[P](rawParams)
	if bad != nil {
		tracer.RecordError(span, bad.Error)
		return bad, nil
	}

	result, err := handler(ctx, span, p)
	var argErr *ArgError
	if errors.As(err, &argErr) {
		tracer.RecordError(span, err)
		return ErrResult(domain.ToolErrInvalidArguments, "%s", argErr.Reason), nil
	}
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)
		return nil, err
	}

	return formatResult(span, result)
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.Error != nil {
			tracer.RecordError(span, v.Error)
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	case string:
		tracer.SetOK(span)
		return TextResult(v), nil
	case nil:
		tracer.SetOK(span)
		return TextResult(""), nil
	default:
		res, err := JSONResult(result)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		tracer.SetOK(span)
		return res, nil
	}
}

// ParseParams unmarshals rawParams into P.
// On failure it returns an InvalidArguments result, suitable for returning directly.
func ParseParams[P any](rawParams json.RawMessage) (P, *domain.ToolResult) {
	var p P
	if len(rawParams) == 0 {
		rawParams = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(rawParams, &p); err != nil {
		return p, ErrResult(domain.ToolErrInvalidArguments, "invalid params: %v", err)
	}
	return p, nil
}

// ErrResult creates an error ToolResult. Use this for validation errors inside
// handlers that should be returned to the LLM without being logged as warnings.
func ErrResult(kind domain.ToolErrorKind, format string, args ...any) *domain.ToolResult {
	return &domain.ToolResult{Error: &domain.ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

// JSONResult marshals v as indented JSON into a success ToolResult.
func JSONResult(v any) (*domain.ToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &domain.ToolResult{Success: true, Payload: string(data)}, nil
}

// TextResult creates a plain text success ToolResult.
func TextResult(s string) *domain.ToolResult {
	return &domain.ToolResult{Success: true, Payload: s}
}

// BadAction returns an error for an unknown action with a hint listing valid actions.
func BadAction(got string, valid ...string) error {
	return argErr("action", "unknown action %q (want: %s)", got, strings.Join(valid, ", "))
}
