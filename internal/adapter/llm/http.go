package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
	"agentd/internal/infra/tracer"
)

const (
	maxResponseBody = 10 << 20
	maxErrorDetail  = 512

	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// NewHTTPClient returns a client for chat APIs: few hosts, long-lived
// connections, and a header timeout that bounds time to first byte only so
// long streams are not cut off.
func NewHTTPClient(respTimeout time.Duration) *http.Client {
	if respTimeout <= 0 {
		respTimeout = defaultRespTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   defaultConnTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: respTimeout,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       2 * time.Minute,
			ForceAttemptHTTP2:     true,
		},
	}
}

type apiRequest struct {
	method  string
	url     string
	body    []byte
	headers map[string]string
	stream  bool
}

// send performs r and returns the open response when the status is 200.
// Any other status is drained and mapped to a domain error.
func send(ctx context.Context, client *http.Client, r apiRequest) (*http.Response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetail))
		return nil, mapHTTPError(resp, detail)
	}
	return resp, nil
}

// call performs r and reads the whole body.
func call(ctx context.Context, client *http.Client, r apiRequest) ([]byte, error) {
	resp, err := send(ctx, client, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	logger.Debug("llm chat completed",
		"provider", providerName,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
	)
}

func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// APIError is a non-200 response. Kind is the domain sentinel the status
// maps to, nil for statuses that blame the request itself.
type APIError struct {
	Status     int
	Body       string
	RetryAfter string
	Kind       error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error %d: %s", e.Status, e.Body)
	if e.RetryAfter != "" {
		msg += " (retry after " + e.RetryAfter + ")"
	}
	if e.Kind != nil {
		msg = e.Kind.Error() + ": " + msg
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Kind }

// rejected reports a 4xx the provider answered without a sentinel: the
// request was bad, the provider is healthy.
func (e *APIError) rejected() bool {
	return e.Kind == nil && e.Status >= 400 && e.Status < 500
}

// mapHTTPError tags a failed response with the sentinel the error
// classifier, circuit breaker and gateway key on.
func mapHTTPError(resp *http.Response, body []byte) error {
	e := &APIError{
		Status:     resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: resp.Header.Get("Retry-After"),
	}
	switch code := e.Status; {
	case code == http.StatusTooManyRequests:
		e.Kind = domain.ErrRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Kind = domain.ErrAuthInvalid
	case code == http.StatusRequestEntityTooLarge,
		code == http.StatusBadRequest && strings.Contains(e.Body, "context_length_exceeded"):
		e.Kind = domain.ErrContextOverflow
	case code >= 500:
		e.Kind = domain.ErrProviderUnavailable
	}
	return e
}
