package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

func TestLLMSummarizer_CarriesDroppedKeepLines(t *testing.T) {
	llm := newScriptedLLM(answer("The user set up the project."))
	s := NewLLMSummarizer(llm, "m", newTestLogger())

	block := []domain.Message{
		{Role: domain.RoleUser, Content: "KEEP: deploy target is eu-west-1\nplease set things up"},
		{Role: domain.RoleAgent, Content: "done"},
	}
	got, err := s.Summarize(context.Background(), "Earlier work.\nKEEP: repo is agentd", block)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got, "The user set up the project."))
	assert.Contains(t, got, "KEEP: repo is agentd")
	assert.Contains(t, got, "KEEP: deploy target is eu-west-1")

	req := llm.Requests()[0]
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[1].Content, "## Existing summary")
	assert.Contains(t, req.Messages[1].Content, "agent: done")
}

func TestLLMSummarizer_Idempotent(t *testing.T) {
	llm := newScriptedLLM(
		answer("Summary.\nKEEP: a"),
		answer("Summary again."),
	)
	s := NewLLMSummarizer(llm, "m", newTestLogger())
	block := []domain.Message{{Role: domain.RoleUser, Content: "KEEP: a"}}

	first, err := s.Summarize(context.Background(), "", block)
	require.NoError(t, err)
	second, err := s.Summarize(context.Background(), first, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(first, "KEEP: a"))
	assert.Equal(t, 1, strings.Count(second, "KEEP: a"))
}

func TestLLMSummarizer_Errors(t *testing.T) {
	s := NewLLMSummarizer(newScriptedLLM(failure(errors.New("boom"))), "m", newTestLogger())
	_, err := s.Summarize(context.Background(), "", []domain.Message{{Role: domain.RoleUser, Content: "x"}})
	assert.Error(t, err)

	s = NewLLMSummarizer(newScriptedLLM(answer("  ")), "m", newTestLogger())
	_, err = s.Summarize(context.Background(), "", []domain.Message{{Role: domain.RoleUser, Content: "x"}})
	assert.Error(t, err)
}

func TestKeepLines(t *testing.T) {
	text := "intro\n  KEEP: one\nKEEP:two\nnot KEEP: three"
	assert.Equal(t, []string{"KEEP: one", "KEEP:two"}, keepLines(text))
}
