package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

func seedMemory(t *testing.T, mem *mockMemory, texts ...string) []domain.MemoryRecord {
	t.Helper()
	for _, text := range texts {
		_, err := mem.Save(context.Background(), domain.NewMemory{Text: text, Kind: domain.MemoryFact, Confidence: 0.5})
		require.NoError(t, err)
	}
	return mem.Records()
}

func newTestConsolidator(t *testing.T, mem *mockMemory, llm domain.LLMProvider, locker *KeyedLocker, bus domain.EventBus) *Consolidator {
	t.Helper()
	c, err := NewConsolidator(ConsolidatorDeps{
		Store:  mem,
		LLM:    llm,
		Model:  "m",
		Locker: locker,
		Bus:    bus,
		Logger: newTestLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestConsolidator_MergesGroup(t *testing.T) {
	mem := &mockMemory{}
	recs := seedMemory(t, mem, "go 1.26 is used", "the project uses go 1.26", "unrelated")
	mem.groups = [][]domain.MemoryRecord{recs[:2]}
	llm := newScriptedLLM(answer("```json\n{\"text\": \"The project uses Go 1.26.\", \"kind\": \"fact\"}\n```"))
	bus := &recordingBus{}
	c := newTestConsolidator(t, mem, llm, nil, bus)

	merged, err := c.Consolidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	after := mem.Records()
	require.Len(t, after, 2)
	assert.Equal(t, "unrelated", after[0].Text)
	assert.Equal(t, "The project uses Go 1.26.", after[1].Text)
	assert.InDelta(t, 0.75, after[1].Confidence, 1e-9)
	assert.Equal(t, 1, bus.Count(domain.EventMemoryConsolidated))
}

func TestConsolidator_InvalidRewriteSkipsGroup(t *testing.T) {
	mem := &mockMemory{}
	recs := seedMemory(t, mem, "a", "b")
	mem.groups = [][]domain.MemoryRecord{recs}

	for _, out := range []string{`not json`, `{"kind":"fact"}`, `{"text":"x","kind":"opinion"}`} {
		c := newTestConsolidator(t, mem, newScriptedLLM(answer(out)), nil, nil)
		merged, err := c.Consolidate(context.Background())
		require.NoError(t, err, out)
		assert.Zero(t, merged, out)
	}
	assert.Len(t, mem.Records(), 2)
}

func TestConsolidator_SkipsLockedRecords(t *testing.T) {
	mem := &mockMemory{}
	recs := seedMemory(t, mem, "a", "b")
	mem.groups = [][]domain.MemoryRecord{recs}
	locker := NewKeyedLocker()
	unlock, ok := locker.TryLockAll([]string{recs[1].ID})
	require.True(t, ok)
	defer unlock()

	llm := newScriptedLLM(answer(`{"text":"ab"}`))
	c := newTestConsolidator(t, mem, llm, locker, nil)

	merged, err := c.Consolidate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, merged)
	assert.Empty(t, llm.Requests())
}

func TestConsolidator_ConflictIsSkipped(t *testing.T) {
	mem := &mockMemory{}
	recs := seedMemory(t, mem, "a", "b")
	mem.groups = [][]domain.MemoryRecord{recs}
	require.NoError(t, mem.Forget(context.Background(), recs[0].ID))

	c := newTestConsolidator(t, mem, newScriptedLLM(answer(`{"text":"ab"}`)), nil, nil)
	merged, err := c.Consolidate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, merged)
	assert.Len(t, mem.Records(), 1)
}

func TestConsolidator_ProviderErrorSkipsGroup(t *testing.T) {
	mem := &mockMemory{}
	mem.groups = [][]domain.MemoryRecord{seedMemory(t, mem, "a", "b")}
	c := newTestConsolidator(t, mem, newScriptedLLM(failure(errors.New("down"))), nil, nil)

	merged, err := c.Consolidate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, merged)
}

func TestConsolidator_Evict(t *testing.T) {
	mem := &mockMemory{}
	recs := seedMemory(t, mem, "stale", "fresh")
	mem.candidates = recs[:1]
	bus := &recordingBus{}
	c := newTestConsolidator(t, mem, newScriptedLLM(), nil, bus)

	n, err := c.Evict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, mem.Records(), 1)
	assert.Equal(t, "fresh", mem.Records()[0].Text)
	assert.Equal(t, 1, bus.Count(domain.EventMemoryEvicted))

	mem.candidates = nil
	n, err = c.Evict(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCombinedConfidence(t *testing.T) {
	tests := []struct {
		in   []float64
		want float64
	}{
		{[]float64{0.5}, 0.5},
		{[]float64{0.5, 0.5}, 0.75},
		{[]float64{0.9, 0.9, 0.9}, 0.999},
		{[]float64{1.0, 0.2}, 1.0},
		{[]float64{-1, 0}, 0},
	}
	for _, tt := range tests {
		group := make([]domain.MemoryRecord, len(tt.in))
		for i, c := range tt.in {
			group[i].Confidence = c
		}
		assert.InDelta(t, tt.want, CombinedConfidence(group), 1e-9)
	}
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences(`  {"a":1} `))
}
