package domain

import (
	"context"
	"time"
)

// MemoryKind classifies a long-term memory record.
type MemoryKind string

const (
	MemoryFact       MemoryKind = "fact"
	MemorySolution   MemoryKind = "solution"
	MemoryPreference MemoryKind = "preference"
)

// Valid reports whether k is a known kind.
func (k MemoryKind) Valid() bool {
	switch k {
	case MemoryFact, MemorySolution, MemoryPreference:
		return true
	}
	return false
}

// MemoryRecord is a long-term record shared by every agent in a tree.
type MemoryRecord struct {
	ID            string     `json:"record_id"`
	Text          string     `json:"text"`
	Embedding     []float32  `json:"-"`
	Kind          MemoryKind `json:"kind"`
	Confidence    float64    `json:"confidence"`
	CreatedAt     time.Time  `json:"created_at"`
	SourceAgentID string     `json:"source_agent_id,omitempty"`

	// Eviction bookkeeping.
	Misses    int       `json:"misses"`
	LastHitAt time.Time `json:"last_hit_at,omitempty"`

	// Score is the cosine similarity to the query that returned the record.
	Score float64 `json:"score,omitempty"`
}

// NewMemory is the input of a save.
type NewMemory struct {
	Text          string
	Kind          MemoryKind
	Confidence    float64
	SourceAgentID string
}

// MemoryFilter selects records for ForgetAll. Zero fields match everything.
type MemoryFilter struct {
	Kind            MemoryKind
	SourceAgentID   string
	CreatedBefore   time.Time
	BelowConfidence float64
	MinMisses       int
	IDs             []string
}

// MemoryStore is the long-term semantic record store.
type MemoryStore interface {
	Save(ctx context.Context, in NewMemory) (string, error)
	// Query returns up to k records ranked by cosine similarity, descending.
	Query(ctx context.Context, text string, k int) ([]MemoryRecord, error)
	Forget(ctx context.Context, id string) error
	ForgetAll(ctx context.Context, filter MemoryFilter) (int, error)
}

// MemoryMaintainer exposes the multi-record operations used by consolidation
// and eviction.
type MemoryMaintainer interface {
	MemoryStore
	// SimilarGroups clusters records whose pairwise similarity to the group
	// seed is at least threshold. Singletons are omitted.
	SimilarGroups(ctx context.Context, threshold float64, maxGroup int) ([][]MemoryRecord, error)
	// Merge deletes originals and inserts merged in one transaction.
	// It fails with ErrMergeConflict if any original no longer exists.
	Merge(ctx context.Context, originals []string, merged NewMemory) (string, error)
	// EvictionCandidates lists records below minConfidence with at least minMisses misses.
	EvictionCandidates(ctx context.Context, minConfidence float64, minMisses int) ([]MemoryRecord, error)
}

// EmbeddingProvider turns record and query text into vectors. Every vector it
// returns has Dimensions() entries, and the store refuses a provider whose
// dimensions differ from the vectors already on disk.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}
