package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

func TestCurator_CurateTurn(t *testing.T) {
	mem := &mockMemory{}
	llm := newScriptedLLM(answer("POINT: preference: prefers short answers\nPOINT: the API lives at /v1\nnoise line"))
	c := NewCurator(mem, llm, "m", newTestLogger())

	n, err := c.CurateTurn(context.Background(), "a1", []domain.Message{
		{Role: domain.RoleSystem, Content: "ignored"},
		{Role: domain.RoleUser, Content: "keep it short, where is the API?"},
		{Role: domain.RoleAgent, Content: "At /v1."},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs := mem.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, domain.MemoryPreference, recs[0].Kind)
	assert.Equal(t, "prefers short answers", recs[0].Text)
	assert.Equal(t, domain.MemoryFact, recs[1].Kind)
	assert.Equal(t, "the API lives at /v1", recs[1].Text)
	assert.Equal(t, curatedConfidence, recs[1].Confidence)
	assert.Equal(t, "a1", recs[1].SourceAgentID)

	prompt := llm.Requests()[0].Messages[1].Content
	assert.NotContains(t, prompt, "ignored")
}

func TestCurator_NothingToCurate(t *testing.T) {
	llm := newScriptedLLM(answer("NONE"))
	c := NewCurator(&mockMemory{}, llm, "m", newTestLogger())

	n, err := c.CurateTurn(context.Background(), "a1", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, llm.Requests())

	n, err = c.CurateTurn(context.Background(), "a1", []domain.Message{{Role: domain.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCurator_ProviderError(t *testing.T) {
	c := NewCurator(&mockMemory{}, newScriptedLLM(failure(errors.New("down"))), "m", newTestLogger())
	_, err := c.CurateTurn(context.Background(), "a1", []domain.Message{{Role: domain.RoleUser, Content: "hi"}})
	assert.Error(t, err)
}

func TestParseCuratePoints(t *testing.T) {
	points := parseCuratePoints("POINT: solution: restart the worker\nPOINT: weird: text with: colon\nPOINT:   ")
	require.Len(t, points, 2)
	assert.Equal(t, domain.MemorySolution, points[0].kind)
	assert.Equal(t, domain.MemoryFact, points[1].kind)
	assert.Equal(t, "weird: text with: colon", points[1].text)

	assert.Nil(t, parseCuratePoints("NONE"))
}

func TestLastExchange(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "1"},
		{Role: domain.RoleAgent, Content: "a"},
		{Role: domain.RoleUser, Content: "2"},
		{Role: domain.RoleAgent, Content: "b"},
	}
	got := lastExchange(msgs)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].Content)
}
