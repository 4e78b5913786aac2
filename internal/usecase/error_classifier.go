package usecase

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"agentd/internal/domain"
)

// ErrorCategory says what the orchestrator should do with a provider error.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, connection errors, context overflow
	ErrorCategoryPermanent               // 401, 403, 400 (non-overflow), cancellation
)

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // mapped domain sentinel, or nil
	StatusCode int   // extracted HTTP status, or 0 if unknown
}

// Retryable reports whether the call may succeed if repeated.
func (c ClassifiedError) Retryable() bool { return c.Category == ErrorCategoryRetryable }

// ErrorClassifier maps provider errors to retry decisions and to the
// plain-language explanation carried by a failed turn.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// apiErrorPattern matches "API error <status_code>:" produced by the HTTP providers.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

var contextOverflowKeywords = []string{
	"context", "token", "length", "too long", "maximum",
}

// Classify inspects an error and returns its category and sentinel.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent}
	}
	if ce := c.classifyBySentinel(err); ce.Category != ErrorCategoryUnknown {
		return ce
	}

	errStr := err.Error()
	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return c.classifyByStatus(err, code, errStr)
	}
	return c.classifyByString(err, errStr)
}

// classifyBySentinel checks wrapped domain sentinels. A rate limit inside
// an exhausted gateway error is still worth a delayed retry.
func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	retry := func(s error) ClassifiedError {
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: s}
	}
	switch {
	case errors.Is(err, domain.ErrRateLimit):
		return retry(domain.ErrRateLimit)
	case errors.Is(err, domain.ErrContextOverflow):
		return retry(domain.ErrContextOverflow)
	case errors.Is(err, domain.ErrAuthInvalid):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrAuthInvalid}
	case errors.Is(err, domain.ErrProviderUnavailable):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrProviderUnavailable}
	default:
		return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
	}
}

func (c *ErrorClassifier) classifyByStatus(err error, code int, body string) ClassifiedError {
	ce := ClassifiedError{Original: err, Category: ErrorCategoryPermanent, StatusCode: code}
	switch {
	case code == 429:
		ce.Category, ce.Sentinel = ErrorCategoryRetryable, domain.ErrRateLimit
	case code == 401 || code == 403:
		ce.Sentinel = domain.ErrAuthInvalid
	case code == 413:
		ce.Category, ce.Sentinel = ErrorCategoryRetryable, domain.ErrContextOverflow
	case code == 400:
		lower := strings.ToLower(body)
		for _, kw := range contextOverflowKeywords {
			if strings.Contains(lower, kw) {
				ce.Category, ce.Sentinel = ErrorCategoryRetryable, domain.ErrContextOverflow
				break
			}
		}
	case code >= 500 && code < 600:
		ce.Category = ErrorCategoryRetryable
	}
	return ce
}

func (c *ErrorClassifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)

	for _, p := range []string{"rate limit", "too many requests"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrRateLimit}
		}
	}
	for _, p := range []string{"context length", "token limit", "maximum context"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrContextOverflow}
		}
	}
	for _, p := range []string{
		"connection refused", "no such host", "timeout",
		"deadline exceeded", "connection reset",
	} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}

// Explain renders a turn-fatal error as a sentence for the user.
func (c *ErrorClassifier) Explain(err error) string {
	switch domain.ErrorCodeOf(err) {
	case domain.CodeProviderUnavailable:
		return "I could not reach any language model provider, so I had to stop."
	case domain.CodeDecisionParse:
		return "The model twice produced a response I could not act on, so I had to stop."
	case domain.CodeAuthInvalid:
		return "The language model provider rejected the configured credentials."
	case domain.CodeRateLimit:
		return "The language model provider kept rate limiting requests, so I had to stop."
	case domain.CodeContextOverflow:
		return "The conversation grew too large for the model even after summarizing it."
	case domain.CodePaused:
		return "The agent was paused before it could finish."
	}
	if errors.Is(err, context.Canceled) {
		return "The turn was cancelled."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The turn ran out of time."
	}
	return "The turn failed: " + err.Error()
}
