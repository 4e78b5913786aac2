package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

// tableEmbedder maps known texts to fixed vectors; anything else points at
// the last axis.
type tableEmbedder struct {
	mu   sync.Mutex
	vecs map[string][]float32
	err  error
}

func (e *tableEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.vecs[t]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{0, 0, 0, 1}
	}
	return out, nil
}

func (e *tableEmbedder) Dimensions() int { return 4 }
func (e *tableEmbedder) Name() string    { return "table" }

func newTableEmbedder() *tableEmbedder {
	return &tableEmbedder{vecs: map[string][]float32{
		"the user prefers dark mode":      {1, 0, 0, 0},
		"user likes dark themes":          {0.98, 0.1, 0, 0},
		"dark mode please":                {0.97, 0, 0.1, 0},
		"restart nginx to fix 502":        {0, 1, 0, 0},
		"how do I fix a 502":              {0.05, 0.99, 0, 0},
		"the api key lives in vault":      {0, 0, 1, 0},
		"which theme does the user like?": {1, 0.02, 0, 0},
	}}
}

func newTestStore(t *testing.T, emb domain.EmbeddingProvider) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	s, err := New(context.Background(), dbPath, emb, slog.New(slog.DiscardHandler), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dbPath
}

func save(t *testing.T, s *Store, text string, conf float64) string {
	t.Helper()
	id, err := s.Save(context.Background(), domain.NewMemory{Text: text, Kind: domain.MemoryFact, Confidence: conf, SourceAgentID: "agent-1"})
	require.NoError(t, err)
	return id
}

func TestNewRequiresEmbedder(t *testing.T) {
	_, err := New(context.Background(), filepath.Join(t.TempDir(), "m.db"), nil, nil, Options{})
	assert.ErrorIs(t, err, domain.ErrVectorStore)
}

func TestSaveAndQueryTopOne(t *testing.T) {
	s, _ := newTestStore(t, newTableEmbedder())
	ctx := context.Background()

	pref := save(t, s, "the user prefers dark mode", 0.9)
	save(t, s, "restart nginx to fix 502", 0.8)
	save(t, s, "the api key lives in vault", 0.7)

	got, err := s.Query(ctx, "which theme does the user like?", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pref, got[0].ID)
	assert.Equal(t, "the user prefers dark mode", got[0].Text)
	assert.Equal(t, domain.MemoryFact, got[0].Kind)
	assert.Equal(t, "agent-1", got[0].SourceAgentID)
	assert.InDelta(t, 0.9, got[0].Confidence, 1e-9)
	assert.Greater(t, got[0].Score, 0.99)
	assert.Nil(t, got[0].Embedding)
}

func TestQueryRanksDescending(t *testing.T) {
	s, _ := newTestStore(t, newTableEmbedder())
	save(t, s, "the user prefers dark mode", 0.9)
	save(t, s, "restart nginx to fix 502", 0.8)
	save(t, s, "the api key lives in vault", 0.7)

	got, err := s.Query(context.Background(), "how do I fix a 502", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "restart nginx to fix 502", got[0].Text)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestSaveValidation(t *testing.T) {
	s, _ := newTestStore(t, newTableEmbedder())
	ctx := context.Background()

	_, err := s.Save(ctx, domain.NewMemory{Text: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = s.Save(ctx, domain.NewMemory{Text: "x", Kind: "rumour"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	id, err := s.Save(ctx, domain.NewMemory{Text: "defaults", Confidence: 3})
	require.NoError(t, err)
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MemoryFact, rec.Kind)
	assert.Equal(t, 1.0, rec.Confidence)
}

func TestSaveEmbeddingFailure(t *testing.T) {
	emb := newTableEmbedder()
	emb.err = errors.New("quota")
	s, _ := newTestStore(t, emb)

	_, err := s.Save(context.Background(), domain.NewMemory{Text: "anything"})
	assert.ErrorIs(t, err, domain.ErrEmbeddingFailed)
	assert.Zero(t, s.Count())

	_, err = s.Query(context.Background(), "anything", 3)
	assert.ErrorIs(t, err, domain.ErrEmbeddingFailed)
}

func TestConcurrentSaves(t *testing.T) {
	s, _ := newTestStore(t, newTableEmbedder())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Save(ctx, domain.NewMemory{Text: fmt.Sprintf("note %d", i), Kind: domain.MemorySolution, Confidence: 0.5})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 40, s.Count())

	n, err := s.ForgetAll(ctx, domain.MemoryFilter{Kind: domain.MemorySolution})
	require.NoError(t, err)
	assert.Equal(t, 40, n)
}

func TestQueryChargesMisses(t *testing.T) {
	s, _ := newTestStore(t, newTableEmbedder())
	ctx := context.Background()

	hit := save(t, s, "the user prefers dark mode", 0.9)
	near := save(t, s, "user likes dark themes", 0.9)
	far := save(t, s, "restart nginx to fix 502", 0.9)

	for range 3 {
		_, err := s.Query(ctx, "which theme does the user like?", 1)
		require.NoError(t, err)
	}

	rec, err := s.Get(ctx, near)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Misses, "a candidate outside the top-K is charged a miss")

	rec, err = s.Get(ctx, far)
	require.NoError(t, err)
	assert.Zero(t, rec.Misses, "records below the candidate threshold are not charged")

	rec, err = s.Get(ctx, hit)
	require.NoError(t, err)
	assert.Zero(t, rec.Misses)
	assert.False(t, rec.LastHitAt.IsZero())

	_, err = s.Query(ctx, "user likes dark themes", 1)
	require.NoError(t, err)
	rec, err = s.Get(ctx, near)
	require.NoError(t, err)
	assert.Zero(t, rec.Misses, "a hit resets the miss count")
}

func TestForget(t *testing.T) {
	s, _ := newTestStore(t, newTableEmbedder())
	ctx := context.Background()
	id := save(t, s, "the api key lives in vault", 0.7)

	require.NoError(t, s.Forget(ctx, id))
	assert.Zero(t, s.Count())

	err := s.Forget(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestForgetAllFilters(t *testing.T) {
	s, _ := newTestStore(t, newTableEmbedder())
	ctx := context.Background()

	a := save(t, s, "the user prefers dark mode", 0.9)
	b := save(t, s, "restart nginx to fix 502", 0.2)
	_, err := s.Save(ctx, domain.NewMemory{Text: "the api key lives in vault", Kind: domain.MemoryPreference, Confidence: 0.1, SourceAgentID: "agent-2"})
	require.NoError(t, err)

	n, err := s.ForgetAll(ctx, domain.MemoryFilter{SourceAgentID: "agent-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ForgetAll(ctx, domain.MemoryFilter{BelowConfidence: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, b)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err = s.ForgetAll(ctx, domain.MemoryFilter{IDs: []string{"missing"}})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.ForgetAll(ctx, domain.MemoryFilter{CreatedBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, a)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, s.Count())
}

func TestForgetAllEmptyFilterMatchesEverything(t *testing.T) {
	s, _ := newTestStore(t, newTableEmbedder())
	save(t, s, "one", 0.5)
	save(t, s, "two", 0.5)

	n, err := s.ForgetAll(context.Background(), domain.MemoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, s.Count())
}

func TestMerge(t *testing.T) {
	s, _ := newTestStore(t, newTableEmbedder())
	ctx := context.Background()

	a := save(t, s, "the user prefers dark mode", 0.5)
	b := save(t, s, "user likes dark themes", 0.5)
	c := save(t, s, "restart nginx to fix 502", 0.5)

	groups, err := s.SimilarGroups(ctx, 0.92, 5)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 2)
	assert.Equal(t, a, groups[0][0].ID)
	assert.Equal(t, b, groups[0][1].ID)

	merged, err := s.Merge(ctx, []string{a, b}, domain.NewMemory{Text: "dark mode please", Kind: domain.MemoryPreference, Confidence: 0.75})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count())

	rec, err := s.Get(ctx, merged)
	require.NoError(t, err)
	assert.Equal(t, domain.MemoryPreference, rec.Kind)
	assert.InDelta(t, 0.75, rec.Confidence, 1e-9)

	got, err := s.Query(ctx, "which theme does the user like?", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, merged, got[0].ID)

	_, err = s.Get(ctx, c)
	assert.NoError(t, err)
}

func TestMergeConflictRollsBack(t *testing.T) {
	s, _ := newTestStore(t, newTableEmbedder())
	ctx := context.Background()

	a := save(t, s, "the user prefers dark mode", 0.5)
	b := save(t, s, "user likes dark themes", 0.5)
	require.NoError(t, s.Forget(ctx, b))

	_, err := s.Merge(ctx, []string{a, b}, domain.NewMemory{Text: "dark mode please", Kind: domain.MemoryFact, Confidence: 0.75})
	assert.ErrorIs(t, err, domain.ErrMergeConflict)

	rec, err := s.Get(ctx, a)
	require.NoError(t, err, "the surviving original must be restored by the rollback")
	assert.Equal(t, a, rec.ID)
	assert.Equal(t, 1, s.Count())
}

func TestEvictionCandidates(t *testing.T) {
	s, _ := newTestStore(t, newTableEmbedder())
	ctx := context.Background()

	save(t, s, "the user prefers dark mode", 0.9)
	weak := save(t, s, "user likes dark themes", 0.2)
	save(t, s, "dark mode please", 0.2)

	for range 2 {
		_, err := s.Query(ctx, "the user prefers dark mode", 1)
		require.NoError(t, err)
	}

	got, err := s.EvictionCandidates(ctx, 0.3, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, weak, got[0].ID)
	for _, r := range got {
		assert.GreaterOrEqual(t, r.Misses, 2)
		assert.Less(t, r.Confidence, 0.3)
	}

	got, err = s.EvictionCandidates(ctx, 0.3, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReopenRestoresRecords(t *testing.T) {
	emb := newTableEmbedder()
	s, path := newTestStore(t, emb)
	ctx := context.Background()

	id := save(t, s, "restart nginx to fix 502", 0.8)
	save(t, s, "the api key lives in vault", 0.6)
	require.NoError(t, s.Close())

	reopened, err := New(ctx, path, emb, nil, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Count())
	got, err := reopened.Query(ctx, "how do I fix a 502", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.False(t, got[0].CreatedAt.IsZero())
}

type wideEmbedder struct{ tableEmbedder }

func (*wideEmbedder) Dimensions() int { return 8 }
func (*wideEmbedder) Name() string    { return "wide" }

func TestReopenRejectsDimensionChange(t *testing.T) {
	s, path := newTestStore(t, newTableEmbedder())
	save(t, s, "the api key lives in vault", 0.6)
	require.NoError(t, s.Close())

	_, err := New(context.Background(), path, &wideEmbedder{}, nil, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVectorStore)
	assert.Contains(t, err.Error(), "stored 4-dimensional vectors")
}

func TestFilterClause(t *testing.T) {
	where, args := filterClause(domain.MemoryFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = filterClause(domain.MemoryFilter{Kind: domain.MemoryFact, MinMisses: 2, IDs: []string{"a", "b"}})
	assert.Equal(t, " WHERE kind = ? AND misses >= ? AND id IN (?,?)", where)
	assert.Equal(t, []any{"fact", 2, "a", "b"}, args)
}
