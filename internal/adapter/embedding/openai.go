package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"agentd/internal/domain"
)

// Defaults for the OpenAI embeddings API.
const (
	defaultOpenAIModel      = "text-embedding-3-small"
	defaultOpenAIDimensions = 1536
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
)

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// OpenAIOption configures the OpenAI embedding provider.
type OpenAIOption func(*OpenAIProvider)

// WithOpenAIModel sets the embedding model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOpenAIDimensions requests vectors of the given size.
func WithOpenAIDimensions(dims int) OpenAIOption {
	return func(p *OpenAIProvider) {
		if dims > 0 {
			p.dims = dims
			p.sendDims = true
		}
	}
}

// WithOpenAIBaseURL points the provider at an OpenAI-compatible server.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithOpenAIClient sets a custom HTTP client.
func WithOpenAIClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.client = client }
}

// WithOpenAILogger sets the logger.
func WithOpenAILogger(logger *slog.Logger) OpenAIOption {
	return func(p *OpenAIProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// OpenAIProvider implements domain.EmbeddingProvider using the OpenAI embeddings API.
type OpenAIProvider struct {
	apiKey   string
	model    string
	dims     int
	sendDims bool
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
}

var _ domain.EmbeddingProvider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates an OpenAI embedding provider.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:  apiKey,
		model:   defaultOpenAIModel,
		dims:    defaultOpenAIDimensions,
		baseURL: defaultOpenAIBaseURL,
		client:  defaultHTTPClient,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type openaiEmbedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiEmbedResponse struct {
	Data  []openaiEmbedData `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiEmbedData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// Embed implements domain.EmbeddingProvider. It fails unless the server
// returns one vector of the configured size per text.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openaiEmbedRequest{Input: texts, Model: p.model}
	if p.sendDims {
		req.Dimensions = p.dims
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrEmbeddingFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", domain.ErrEmbeddingFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %v", domain.ErrEmbeddingFailed, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrEmbeddingFailed, err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %w: API error %d: %s", domain.ErrEmbeddingFailed, domain.ErrRateLimit, httpResp.StatusCode, respBody)
	case httpResp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: API error %d: %s", domain.ErrEmbeddingFailed, httpResp.StatusCode, respBody)
	}

	var resp openaiEmbedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrEmbeddingFailed, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", domain.ErrEmbeddingFailed, len(resp.Data), len(texts))
	}

	slices.SortFunc(resp.Data, func(a, b openaiEmbedData) int { return a.Index - b.Index })
	result := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) != p.dims {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d",
				domain.ErrEmbeddingFailed, i, len(d.Embedding), p.dims)
		}
		result[i] = d.Embedding
	}

	p.logger.Debug("embedded texts", "model", p.model, "count", len(texts), "tokens", resp.Usage.TotalTokens)
	return result, nil
}

// Dimensions implements domain.EmbeddingProvider.
func (p *OpenAIProvider) Dimensions() int { return p.dims }

// Name implements domain.EmbeddingProvider.
func (p *OpenAIProvider) Name() string { return "openai" }
