//go:build bedrock

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
	"agentd/internal/infra/config"
	"agentd/internal/infra/tracer"
)

// bedrockConverseAPI is the subset of the Bedrock runtime client the provider uses.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

var _ domain.StreamingLLMProvider = (*BedrockProvider)(nil)

// BedrockProvider implements domain.LLMProvider via the AWS Bedrock Converse API.
type BedrockProvider struct {
	name   string
	model  string
	client bedrockConverseAPI
	logger *slog.Logger
}

func newBedrockProvider(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	return NewBedrockProvider(cfg, logger)
}

// NewBedrockProvider creates a Bedrock provider using the default AWS credential chain.
func NewBedrockProvider(cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockProviderWithClient(cfg.Name, cfg.Model, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

func newBedrockProviderWithClient(name, model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockProvider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BedrockProvider{name: name, model: model, client: client, logger: logger}
}

// Name implements domain.LLMProvider.
func (p *BedrockProvider) Name() string { return p.name }

// Chat implements domain.LLMProvider.
func (p *BedrockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := tracer.StartSpan(ctx, "llm.request",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	output, err := p.client.Converse(ctx, toConverseInput(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, mapBedrockError(err)
	}

	result := fromConverseOutput(output, req.Model)
	result.Provider = p.name
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)
	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *BedrockProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	in := toConverseInput(req)
	output, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         in.ModelId,
		Messages:        in.Messages,
		System:          in.System,
		InferenceConfig: in.InferenceConfig,
		ToolConfig:      in.ToolConfig,
	})
	if err != nil {
		return nil, mapBedrockError(err)
	}

	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer stream.Close()

		for evt := range stream.Events() {
			delta := streamEventDelta(evt)
			if delta == nil {
				continue
			}
			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			p.logger.Warn("bedrock stream ended with error", "provider", p.name, "error", err)
			select {
			case ch <- domain.StreamDelta{Done: true, Err: mapBedrockError(err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func toConverseInput(req domain.ChatRequest) *bedrockruntime.ConverseInput {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))},
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		if msg, ok := toBedrockMessage(m); ok {
			input.Messages = appendMerged(input.Messages, msg)
		}
	}
	if len(system) > 0 {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: strings.Join(system, "\n\n")},
		}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toBedrockToolConfig(req.Tools)
	}
	return input
}

// appendMerged joins consecutive same-role messages; Converse requires
// user and assistant turns to alternate.
func appendMerged(msgs []types.Message, m types.Message) []types.Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == m.Role {
		msgs[n-1].Content = append(msgs[n-1].Content, m.Content...)
		return msgs
	}
	return append(msgs, m)
}

func toBedrockMessage(m domain.Message) (types.Message, bool) {
	switch m.Role {
	case domain.RoleTool:
		return types.Message{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
				}},
			},
		}, true

	case domain.RoleAgent:
		msg := types.Message{Role: types.ConversationRoleAssistant}
		if m.Content != "" {
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &input)
			}
			if input == nil {
				input = map[string]any{}
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     document.NewLazyDocument(input),
			}})
		}
		return msg, len(msg.Content) > 0

	case domain.RoleUser:
		return types.Message{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		}, true
	}
	return types.Message{}, false
}

func toBedrockToolConfig(tools []domain.ToolSchema) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(t.Name),
			Description: aws.String(t.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func fromConverseOutput(output *bedrockruntime.ConverseOutput, model string) *domain.ChatResponse {
	now := time.Now()
	result := &domain.ChatResponse{Model: model, CreatedAt: now}
	if output.Usage != nil {
		in, out := int(aws.ToInt32(output.Usage.InputTokens)), int(aws.ToInt32(output.Usage.OutputTokens))
		result.Usage = domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}

	msg := domain.Message{Role: domain.RoleAgent, Timestamp: now}
	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		var text []string
		for _, block := range outMsg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				text = append(text, b.Value)
			case *types.ContentBlockMemberToolUse:
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: documentJSON(b.Value.Input),
				})
			}
		}
		msg.Content = strings.Join(text, "\n")
	}
	result.Message = msg
	return result
}

// documentJSON renders a Bedrock document as JSON, "{}" when it cannot.
func documentJSON(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// streamEventDelta maps one Converse stream event. Tool use blocks are
// placed at their content block index so start and input fragments meet in
// the same accumulator slot.
func streamEventDelta(evt types.ConverseStreamOutput) *domain.StreamDelta {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		return toolSlot(e.Value.ContentBlockIndex, domain.ToolCall{
			ID:   aws.ToString(start.Value.ToolUseId),
			Name: aws.ToString(start.Value.Name),
		})

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch d := e.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			return &domain.StreamDelta{Content: d.Value}
		case *types.ContentBlockDeltaMemberToolUse:
			return toolSlot(e.Value.ContentBlockIndex, domain.ToolCall{
				Arguments: json.RawMessage(aws.ToString(d.Value.Input)),
			})
		}
		return nil

	case *types.ConverseStreamOutputMemberMetadata:
		if e.Value.Usage == nil {
			return nil
		}
		in, out := int(aws.ToInt32(e.Value.Usage.InputTokens)), int(aws.ToInt32(e.Value.Usage.OutputTokens))
		return &domain.StreamDelta{Done: true, Usage: &domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}}
	}
	return nil
}

func toolSlot(index *int32, call domain.ToolCall) *domain.StreamDelta {
	idx := int(aws.ToInt32(index))
	if idx < 0 || idx >= maxStreamToolCalls {
		return nil
	}
	calls := make([]domain.ToolCall, idx+1)
	calls[idx] = call
	return &domain.StreamDelta{ToolCalls: calls}
}

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case code == "ValidationException" && strings.Contains(msg, "too long"):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
			code == "InternalServerException" || code == "ModelTimeoutException":
			return fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, msg)
		}
	}
	return domain.WrapOp("bedrock", err)
}
