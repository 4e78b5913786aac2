package vector

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"agentd/internal/domain"
)

// vecIndex mirrors every record and its vector in memory. It is loaded once
// when the store opens and updated after each committed write.
type vecIndex struct {
	mu      sync.RWMutex
	records map[string]domain.MemoryRecord
}

func newVecIndex() *vecIndex {
	return &vecIndex{records: make(map[string]domain.MemoryRecord)}
}

// load replaces the index contents with the database rows.
func (idx *vecIndex) load(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT r.id, r.text, r.kind, r.confidence, r.source_agent_id, r.misses, r.last_hit_at, r.created_at, e.dims, e.vector
		 FROM records r JOIN embeddings e ON e.record_id = r.id`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	records := make(map[string]domain.MemoryRecord)
	for rows.Next() {
		var (
			dims int
			blob []byte
		)
		rec, err := scanRecord(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &dims, &blob)...)
		}))
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if rec.Embedding, err = decodeVector(blob, dims); err != nil {
			continue
		}
		records[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.records = records
	idx.mu.Unlock()
	return nil
}

// scanFunc adapts a closure to the row scanner interface.
type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

func (idx *vecIndex) put(rec domain.MemoryRecord) {
	if rec.Embedding == nil {
		return
	}
	idx.mu.Lock()
	idx.records[rec.ID] = rec
	idx.mu.Unlock()
}

func (idx *vecIndex) remove(id string) {
	idx.mu.Lock()
	delete(idx.records, id)
	idx.mu.Unlock()
}

// dims is the vector length of an arbitrary indexed record, 0 when empty.
func (idx *vecIndex) dims() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, rec := range idx.records {
		return len(rec.Embedding)
	}
	return 0
}

func (idx *vecIndex) size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

// rank scores every record against vec, highest first. Ties keep the older
// record first. Returned records carry Score and no embedding.
func (idx *vecIndex) rank(vec []float32) []domain.MemoryRecord {
	idx.mu.RLock()
	out := make([]domain.MemoryRecord, 0, len(idx.records))
	for _, rec := range idx.records {
		rec.Score = similarity(vec, rec.Embedding)
		rec.Embedding = nil
		out = append(out, rec)
	}
	idx.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.MemoryRecord) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// touch mirrors the usage bookkeeping of a committed query.
func (idx *vecIndex) touch(hits, missed []string, now time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range hits {
		if rec, ok := idx.records[id]; ok {
			rec.Misses = 0
			rec.LastHitAt = now
			idx.records[id] = rec
		}
	}
	for _, id := range missed {
		if rec, ok := idx.records[id]; ok {
			rec.Misses++
			idx.records[id] = rec
		}
	}
}

// groups clusters records greedily. Seeds are taken in creation order and a
// record joins the first seed it is at least threshold-similar to. Groups of
// one are dropped.
func (idx *vecIndex) groups(threshold float64, maxGroup int) [][]domain.MemoryRecord {
	idx.mu.RLock()
	all := make([]domain.MemoryRecord, 0, len(idx.records))
	for _, rec := range idx.records {
		all = append(all, rec)
	}
	idx.mu.RUnlock()

	slices.SortFunc(all, func(a, b domain.MemoryRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	used := make([]bool, len(all))
	var out [][]domain.MemoryRecord
	for i := range all {
		if used[i] {
			continue
		}
		seed := all[i]
		group := []domain.MemoryRecord{seed}
		for j := i + 1; j < len(all) && len(group) < maxGroup; j++ {
			if used[j] {
				continue
			}
			sim := similarity(seed.Embedding, all[j].Embedding)
			if sim >= threshold {
				rec := all[j]
				rec.Score = sim
				group = append(group, rec)
				used[j] = true
			}
		}
		if len(group) < 2 {
			continue
		}
		used[i] = true
		group[0].Score = 1
		for k := range group {
			group[k].Embedding = nil
		}
		out = append(out, group)
	}
	return out
}
