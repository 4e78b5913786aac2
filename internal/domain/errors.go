package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared by adapters.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Runtime error taxonomy.
var (
	// ErrProviderUnavailable means every configured provider failed the call.
	ErrProviderUnavailable  = fmt.Errorf("llm provider unavailable")
	ErrDecisionParse        = fmt.Errorf("decision parse failed")
	ErrInvalidArguments     = fmt.Errorf("invalid tool arguments")
	ErrHandlerFailure       = fmt.Errorf("tool handler failed")
	ErrToolNotAllowed       = fmt.Errorf("tool not allowed for profile")
	ErrToolNotFound         = fmt.Errorf("tool not found")
	ErrDepthExceeded        = fmt.Errorf("delegation depth exceeded")
	ErrCycle                = fmt.Errorf("delegation would create a cycle")
	ErrSummarizationFailure = fmt.Errorf("summarization failed")
	ErrMemoryUnavailable    = fmt.Errorf("memory store unavailable")
	ErrPaused               = fmt.Errorf("agent paused")
	ErrAgentNotFound        = fmt.Errorf("agent not found")
	ErrTaskNotFound         = fmt.Errorf("delegation task not found")
	ErrProfileNotFound      = fmt.Errorf("profile not found")
	ErrProviderNotFound     = fmt.Errorf("llm provider not found")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")

	// Provider-level errors produced by adapters.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")

	// Storage errors.
	ErrEmbeddingFailed = fmt.Errorf("embedding generation failed")
	ErrVectorStore     = fmt.Errorf("vector store operation failed")
	ErrVectorSearch    = fmt.Errorf("vector search failed")
	ErrHistoryStore    = fmt.Errorf("history store operation failed")
	ErrMergeConflict   = fmt.Errorf("memory records changed during merge")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Dispatcher.Dispatch")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeDuplicate            ErrorCode = "DUPLICATE"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeProviderUnavailable  ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeDecisionParse        ErrorCode = "DECISION_PARSE"
	CodeInvalidArguments     ErrorCode = "INVALID_ARGUMENTS"
	CodeHandlerFailure       ErrorCode = "HANDLER_FAILURE"
	CodeToolNotAllowed       ErrorCode = "TOOL_NOT_ALLOWED"
	CodeToolNotFound         ErrorCode = "TOOL_NOT_FOUND"
	CodeDepthExceeded        ErrorCode = "DEPTH_EXCEEDED"
	CodeCycle                ErrorCode = "DELEGATION_CYCLE"
	CodeSummarizationFailure ErrorCode = "SUMMARIZATION_FAILURE"
	CodeMemoryUnavailable    ErrorCode = "MEMORY_UNAVAILABLE"
	CodePaused               ErrorCode = "PAUSED"
	CodeAgentNotFound        ErrorCode = "AGENT_NOT_FOUND"
	CodeTaskNotFound         ErrorCode = "TASK_NOT_FOUND"
	CodeProfileNotFound      ErrorCode = "PROFILE_NOT_FOUND"
	CodeProviderNotFound     ErrorCode = "PROVIDER_NOT_FOUND"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeContextOverflow      ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeEmbeddingFailed      ErrorCode = "EMBEDDING_FAILED"
	CodeVectorStore          ErrorCode = "VECTOR_STORE"
	CodeVectorSearch         ErrorCode = "VECTOR_SEARCH"
	CodeHistoryStore         ErrorCode = "HISTORY_STORE"
	CodeMergeConflict        ErrorCode = "MERGE_CONFLICT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:             CodeNotFound,
	ErrDuplicate:            CodeDuplicate,
	ErrTimeout:              CodeTimeout,
	ErrInvalidInput:         CodeInvalidInput,
	ErrProviderUnavailable:  CodeProviderUnavailable,
	ErrDecisionParse:        CodeDecisionParse,
	ErrInvalidArguments:     CodeInvalidArguments,
	ErrHandlerFailure:       CodeHandlerFailure,
	ErrToolNotAllowed:       CodeToolNotAllowed,
	ErrToolNotFound:         CodeToolNotFound,
	ErrDepthExceeded:        CodeDepthExceeded,
	ErrCycle:                CodeCycle,
	ErrSummarizationFailure: CodeSummarizationFailure,
	ErrMemoryUnavailable:    CodeMemoryUnavailable,
	ErrPaused:               CodePaused,
	ErrAgentNotFound:        CodeAgentNotFound,
	ErrTaskNotFound:         CodeTaskNotFound,
	ErrProfileNotFound:      CodeProfileNotFound,
	ErrProviderNotFound:     CodeProviderNotFound,
	ErrConfigLoad:           CodeConfigLoad,
	ErrContextOverflow:      CodeContextOverflow,
	ErrRateLimit:            CodeRateLimit,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrEmbeddingFailed:      CodeEmbeddingFailed,
	ErrVectorStore:          CodeVectorStore,
	ErrVectorSearch:         CodeVectorSearch,
	ErrHistoryStore:         CodeHistoryStore,
	ErrMergeConflict:        CodeMergeConflict,
}

// precedence lists sentinels that win when an error chain wraps several,
// e.g. a provider-unavailable error that aggregates a rate limit.
var precedence = []error{
	ErrProviderUnavailable,
	ErrDecisionParse,
	ErrDepthExceeded,
	ErrCycle,
	ErrPaused,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range precedence {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
