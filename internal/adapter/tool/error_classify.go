package tool

import (
	"context"
	"errors"
	"net"
	"strings"

	"agentd/internal/domain"
)

const (
	hintTransient = "transient error, may succeed on retry"
	hintCancelled = "cancelled before the handler finished"
)

var transientSentinels = []error{
	domain.ErrTimeout,
	domain.ErrProviderUnavailable,
	domain.ErrRateLimit,
	domain.ErrMemoryUnavailable,
	context.DeadlineExceeded,
}

// Matched lowercase against errors that carry no sentinel.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"temporarily unavailable",
	"service unavailable",
	"try again",
	"too many requests",
}

// classifyHandlerError picks the result kind for an error a handler returned
// and a hint for the model on whether retrying is worthwhile.
func classifyHandlerError(err error) (domain.ToolErrorKind, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidArguments):
		return domain.ToolErrInvalidArguments, ""
	case errors.Is(err, context.Canceled):
		return domain.ToolErrHandlerFailure, hintCancelled
	case transient(err):
		return domain.ToolErrHandlerFailure, hintTransient
	}
	return domain.ToolErrHandlerFailure, ""
}

func transient(err error) bool {
	for _, s := range transientSentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
