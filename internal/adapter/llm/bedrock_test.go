//go:build bedrock

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

type mockBedrockClient struct {
	converseFunc func(ctx context.Context, params *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error)
}

func (m *mockBedrockClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return m.converseFunc(ctx, params)
}

func (m *mockBedrockClient) ConverseStream(context.Context, *bedrockruntime.ConverseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, errors.New("not used")
}

func TestBedrockProvider_Chat(t *testing.T) {
	var got *bedrockruntime.ConverseInput
	client := &mockBedrockClient{converseFunc: func(_ context.Context, in *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
		got = in
		return &bedrockruntime.ConverseOutput{
			Output: &types.ConverseOutputMemberMessage{Value: types.Message{
				Role: types.ConversationRoleAssistant,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: "looking"},
					&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
						ToolUseId: aws.String("t1"),
						Name:      aws.String("search"),
						Input:     document.NewLazyDocument(map[string]any{"q": "go"}),
					}},
				},
			}},
			Usage: &types.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(4)},
		}, nil
	}}
	p := newBedrockProviderWithClient("bedrock", "claude", client, nil)

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleAgent, ToolCalls: []domain.ToolCall{{ID: "t0", Name: "search", Arguments: json.RawMessage(`{"q":"x"}`)}}},
			{Role: domain.RoleTool, Content: "none", ToolCallID: "t0"},
			{Role: domain.RoleUser, Content: "again"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "claude", aws.ToString(got.ModelId))
	require.Len(t, got.System, 1)
	require.Len(t, got.Messages, 3, "tool result and the next user turn merge")
	assert.Equal(t, types.ConversationRoleAssistant, got.Messages[1].Role)
	result, ok := got.Messages[2].Content[0].(*types.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, "t0", aws.ToString(result.Value.ToolUseId))

	assert.Equal(t, domain.RoleAgent, resp.Message.Role)
	assert.Equal(t, "bedrock", resp.Provider)
	assert.Equal(t, "looking", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.JSONEq(t, `{"q":"go"}`, string(resp.Message.ToolCalls[0].Arguments))
	assert.Equal(t, 14, resp.Usage.TotalTokens)
}

func TestMapBedrockError(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"ThrottlingException", domain.ErrRateLimit},
		{"AccessDeniedException", domain.ErrAuthInvalid},
		{"ServiceUnavailableException", domain.ErrProviderUnavailable},
		{"ModelTimeoutException", domain.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapBedrockError(&smithy.GenericAPIError{Code: tt.code, Message: "x"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Nil(t, mapBedrockError(nil))
}

func TestStreamEventDelta_ToolSlots(t *testing.T) {
	start := streamEventDelta(&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
		ContentBlockIndex: aws.Int32(1),
		Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{
			ToolUseId: aws.String("t1"), Name: aws.String("search"),
		}},
	}})
	require.NotNil(t, start)
	require.Len(t, start.ToolCalls, 2)
	assert.Equal(t, "search", start.ToolCalls[1].Name)
	assert.Empty(t, start.Content)

	input := streamEventDelta(&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(1),
		Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`{"q":`)}},
	}})
	require.NotNil(t, input)
	assert.Equal(t, `{"q":`, string(input.ToolCalls[1].Arguments))
	assert.Empty(t, input.Content, "tool input never leaks into the text")

	text := streamEventDelta(&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(0),
		Delta:             &types.ContentBlockDeltaMemberText{Value: "hi"},
	}})
	require.NotNil(t, text)
	assert.Equal(t, "hi", text.Content)
}
