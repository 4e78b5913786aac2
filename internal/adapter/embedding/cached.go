package embedding

import (
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/singleflight"

	"agentd/internal/domain"
)

type lruEntry struct {
	key uint64
	vec []float32
}

// CachedEmbedder wraps a domain.EmbeddingProvider with an LRU cache keyed by
// text. Batch calls embed only the texts that miss, and concurrent misses for
// the same single text share one upstream call.
type CachedEmbedder struct {
	inner   domain.EmbeddingProvider
	maxSize int
	group   singleflight.Group

	mu    sync.Mutex
	cache map[uint64]*list.Element
	order *list.List // most recently used at the back
}

var _ domain.EmbeddingProvider = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with a cache of maxSize vectors. A
// non-positive size returns inner unchanged.
func NewCachedEmbedder(inner domain.EmbeddingProvider, maxSize int) domain.EmbeddingProvider {
	if maxSize <= 0 {
		return inner
	}
	return &CachedEmbedder{
		inner:   inner,
		maxSize: maxSize,
		cache:   make(map[uint64]*list.Element, maxSize),
		order:   list.New(),
	}
}

// Embed implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) == 1 {
		vec, err := c.embedOne(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}

	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   []int
	)
	c.mu.Lock()
	for i, t := range texts {
		if vec, ok := c.get(hashText(t)); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		slots = append(slots, i)
	}
	c.mu.Unlock()
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("%w: %s returned %d vectors for %d texts",
			domain.ErrEmbeddingFailed, c.inner.Name(), len(vecs), len(missing))
	}

	c.mu.Lock()
	for j, vec := range vecs {
		out[slots[j]] = vec
		c.put(hashText(missing[j]), vec)
	}
	c.mu.Unlock()
	return out, nil
}

func (c *CachedEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)
	c.mu.Lock()
	vec, ok := c.get(key)
	c.mu.Unlock()
	if ok {
		return vec, nil
	}

	v, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		c.mu.Lock()
		vec, ok := c.get(key)
		c.mu.Unlock()
		if ok {
			return vec, nil
		}
		vecs, err := c.inner.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("%w: %s returned %d vectors for 1 text",
				domain.ErrEmbeddingFailed, c.inner.Name(), len(vecs))
		}
		c.mu.Lock()
		c.put(key, vecs[0])
		c.mu.Unlock()
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Dimensions implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Name implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Name() string { return c.inner.Name() }

// Len reports how many vectors are cached.
func (c *CachedEmbedder) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func hashText(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// get looks up key and promotes it. Caller holds c.mu.
func (c *CachedEmbedder) get(key uint64) ([]float32, bool) {
	elem, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToBack(elem)
	return elem.Value.(*lruEntry).vec, true
}

// put inserts or refreshes key, evicting the least recently used entry at
// capacity. Caller holds c.mu.
func (c *CachedEmbedder) put(key uint64, vec []float32) {
	if elem, exists := c.cache[key]; exists {
		c.order.MoveToBack(elem)
		elem.Value.(*lruEntry).vec = vec
		return
	}
	if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.cache, oldest.Value.(*lruEntry).key)
	}
	c.cache[key] = c.order.PushBack(&lruEntry{key: key, vec: vec})
}
