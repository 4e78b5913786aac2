package vector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"agentd/internal/domain"
	"agentd/internal/infra/tracer"
)

// Options tunes query bookkeeping. Zero values select the defaults.
type Options struct {
	// MissThreshold is the similarity at which a record counts as a
	// candidate for a query. Candidates left out of the top-K get a miss.
	MissThreshold float64
}

const defaultMissThreshold = 0.5

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements domain.MemoryMaintainer on SQLite. Records and their
// vectors live in parallel tables; an in-memory index mirrors the vectors so
// cosine ranking never scans the database.
type Store struct {
	db       *sql.DB
	embedder domain.EmbeddingProvider
	logger   *slog.Logger
	opts     Options
	idx      *vecIndex
}

// New opens (or creates) a SQLite database at dbPath, runs migrations and
// loads the vector index.
func New(ctx context.Context, dbPath string, embedder domain.EmbeddingProvider, logger *slog.Logger, opts Options) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", domain.ErrVectorStore)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.MissThreshold <= 0 {
		opts.MissThreshold = defaultMissThreshold
	}

	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		embedder: embedder,
		logger:   logger,
		opts:     opts,
		idx:      newVecIndex(),
	}
	if err := s.idx.load(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: load index: %v", domain.ErrVectorStore, err)
	}
	if have, want := s.idx.dims(), embedder.Dimensions(); have > 0 && want > 0 && have != want {
		db.Close()
		return nil, fmt.Errorf("%w: %s stored %d-dimensional vectors, embedder %s produces %d",
			domain.ErrVectorStore, dbPath, have, embedder.Name(), want)
	}
	return s, nil
}

func openDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrVectorStore, err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrVectorStore, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrVectorStore, err)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save embeds and appends a record. Safe for concurrent callers.
func (s *Store) Save(ctx context.Context, in domain.NewMemory) (string, error) {
	if strings.TrimSpace(in.Text) == "" {
		return "", domain.NewDomainError("MemoryStore.Save", domain.ErrInvalidInput, "empty text")
	}
	if in.Kind == "" {
		in.Kind = domain.MemoryFact
	}
	if !in.Kind.Valid() {
		return "", domain.NewDomainError("MemoryStore.Save", domain.ErrInvalidInput, "unknown kind "+string(in.Kind))
	}

	vec, err := s.embed(ctx, in.Text)
	if err != nil {
		return "", err
	}

	rec := domain.MemoryRecord{
		ID:            ulid.Make().String(),
		Text:          in.Text,
		Embedding:     vec,
		Kind:          in.Kind,
		Confidence:    clamp01(in.Confidence),
		CreatedAt:     time.Now().UTC(),
		SourceAgentID: in.SourceAgentID,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: begin tx: %v", domain.ErrVectorStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertRecord(ctx, tx, rec); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: commit: %v", domain.ErrVectorStore, err)
	}

	s.idx.put(rec)
	s.logger.Debug("memory saved", "record_id", rec.ID, "kind", rec.Kind)
	return rec.ID, nil
}

// Query ranks records by cosine similarity to text, descending, and returns
// up to k. Candidates outside the top-K are charged a miss; returned records
// have their misses reset.
func (s *Store) Query(ctx context.Context, text string, k int) (_ []domain.MemoryRecord, err error) {
	ctx, span := tracer.StartSpan(ctx, "vector.query",
		trace.WithAttributes(tracer.IntAttr("memory.k", k)))
	defer func() { tracer.FinishSpan(span, err) }()

	if k <= 0 {
		k = 5
	}
	vec, err := s.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	ranked := s.idx.rank(vec)
	top := ranked
	if len(top) > k {
		top = top[:k]
	}

	var missed []string
	for _, r := range ranked[len(top):] {
		if r.Score < s.opts.MissThreshold {
			break
		}
		missed = append(missed, r.ID)
	}
	hits := make([]string, len(top))
	for i, r := range top {
		hits[i] = r.ID
	}

	now := time.Now().UTC()
	if uerr := s.recordUsage(ctx, hits, missed, now); uerr != nil {
		// Bookkeeping only; the ranking is still valid.
		s.logger.Warn("memory usage update failed", "error", uerr)
	} else {
		s.idx.touch(hits, missed, now)
		for i := range top {
			top[i].Misses = 0
			top[i].LastHitAt = now
		}
	}

	span.SetAttributes(tracer.IntAttr("memory.results", len(top)))
	return top, nil
}

func (s *Store) recordUsage(ctx context.Context, hits, missed []string, now time.Time) error {
	if len(hits) == 0 && len(missed) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrVectorStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if len(hits) > 0 {
		q, args := inClause("UPDATE records SET misses = 0, last_hit_at = ? WHERE id", hits)
		if _, err := tx.ExecContext(ctx, q, append([]any{now.Format(timeLayout)}, args...)...); err != nil {
			return fmt.Errorf("%w: record hits: %v", domain.ErrVectorStore, err)
		}
	}
	if len(missed) > 0 {
		q, args := inClause("UPDATE records SET misses = misses + 1 WHERE id", missed)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("%w: record misses: %v", domain.ErrVectorStore, err)
		}
	}
	return tx.Commit()
}

// Forget deletes one record.
func (s *Store) Forget(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrVectorStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	n, err := deleteRecords(ctx, tx, []string{id})
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewDomainError("MemoryStore.Forget", domain.ErrNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrVectorStore, err)
	}
	s.idx.remove(id)
	return nil
}

// ForgetAll deletes every record matching filter and returns how many went.
func (s *Store) ForgetAll(ctx context.Context, filter domain.MemoryFilter) (int, error) {
	where, args := filterClause(filter)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin tx: %v", domain.ErrVectorStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	ids, err := selectIDs(ctx, tx, "SELECT id FROM records"+where, args...)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := deleteRecords(ctx, tx, ids)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", domain.ErrVectorStore, err)
	}
	for _, id := range ids {
		s.idx.remove(id)
	}
	return n, nil
}

// SimilarGroups clusters records around seeds in creation order. A record
// joins the first seed it is at least threshold-similar to.
func (s *Store) SimilarGroups(_ context.Context, threshold float64, maxGroup int) ([][]domain.MemoryRecord, error) {
	if maxGroup < 2 {
		maxGroup = 2
	}
	return s.idx.groups(threshold, maxGroup), nil
}

// Merge replaces originals with merged in one transaction. If any original
// has already gone the transaction is rolled back with ErrMergeConflict.
func (s *Store) Merge(ctx context.Context, originals []string, merged domain.NewMemory) (string, error) {
	if len(originals) == 0 {
		return "", domain.NewDomainError("MemoryStore.Merge", domain.ErrInvalidInput, "no originals")
	}
	if !merged.Kind.Valid() {
		return "", domain.NewDomainError("MemoryStore.Merge", domain.ErrInvalidInput, "unknown kind "+string(merged.Kind))
	}

	vec, err := s.embed(ctx, merged.Text)
	if err != nil {
		return "", err
	}
	rec := domain.MemoryRecord{
		ID:            ulid.Make().String(),
		Text:          merged.Text,
		Embedding:     vec,
		Kind:          merged.Kind,
		Confidence:    clamp01(merged.Confidence),
		CreatedAt:     time.Now().UTC(),
		SourceAgentID: merged.SourceAgentID,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: begin tx: %v", domain.ErrVectorStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	n, err := deleteRecords(ctx, tx, originals)
	if err != nil {
		return "", err
	}
	if n != len(originals) {
		return "", domain.NewDomainError("MemoryStore.Merge", domain.ErrMergeConflict,
			fmt.Sprintf("%d of %d originals present", n, len(originals)))
	}
	if err := insertRecord(ctx, tx, rec); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: commit: %v", domain.ErrVectorStore, err)
	}

	for _, id := range originals {
		s.idx.remove(id)
	}
	s.idx.put(rec)
	s.logger.Info("memory merged", "record_id", rec.ID, "originals", len(originals))
	return rec.ID, nil
}

// EvictionCandidates lists records below minConfidence with at least
// minMisses misses, oldest first.
func (s *Store) EvictionCandidates(ctx context.Context, minConfidence float64, minMisses int) ([]domain.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, kind, confidence, source_agent_id, misses, last_hit_at, created_at
		 FROM records WHERE confidence < ? AND misses >= ? ORDER BY created_at`,
		minConfidence, minMisses,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: eviction scan: %v", domain.ErrVectorStore, err)
	}
	defer rows.Close()

	var out []domain.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrVectorStore, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns one record by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, text, kind, confidence, source_agent_id, misses, last_hit_at, created_at
		 FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("MemoryStore.Get", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", domain.ErrVectorStore, err)
	}
	return &rec, nil
}

// Count returns the number of stored records.
func (s *Store) Count() int { return s.idx.size() }

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingFailed, err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: empty vector", domain.ErrEmbeddingFailed)
	}
	return vecs[0], nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec domain.MemoryRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO records (id, text, kind, confidence, source_agent_id, misses, last_hit_at, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, '', ?)`,
		rec.ID, rec.Text, string(rec.Kind), rec.Confidence, rec.SourceAgentID,
		rec.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("%w: insert record: %v", domain.ErrVectorStore, err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO embeddings (record_id, dims, vector) VALUES (?, ?, ?)",
		rec.ID, len(rec.Embedding), encodeVector(rec.Embedding),
	)
	if err != nil {
		return fmt.Errorf("%w: insert embedding: %v", domain.ErrVectorStore, err)
	}
	return nil
}

// deleteRecords removes records and their vectors and returns how many
// records existed.
func deleteRecords(ctx context.Context, tx *sql.Tx, ids []string) (int, error) {
	q, args := inClause("DELETE FROM embeddings WHERE record_id", ids)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return 0, fmt.Errorf("%w: delete embeddings: %v", domain.ErrVectorStore, err)
	}
	q, args = inClause("DELETE FROM records WHERE id", ids)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: delete records: %v", domain.ErrVectorStore, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func selectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: select: %v", domain.ErrVectorStore, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrVectorStore, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// filterClause renders a MemoryFilter as a WHERE clause. An empty filter
// renders as no clause and matches every record.
func filterClause(f domain.MemoryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.SourceAgentID != "" {
		conds = append(conds, "source_agent_id = ?")
		args = append(args, f.SourceAgentID)
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.CreatedBefore.UTC().Format(timeLayout))
	}
	if f.BelowConfidence > 0 {
		conds = append(conds, "confidence < ?")
		args = append(args, f.BelowConfidence)
	}
	if f.MinMisses > 0 {
		conds = append(conds, "misses >= ?")
		args = append(args, f.MinMisses)
	}
	if len(f.IDs) > 0 {
		q, idArgs := inClause("id", f.IDs)
		conds = append(conds, q)
		args = append(args, idArgs...)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// inClause appends "IN (?, ...)" for ids to prefix.
func inClause(prefix string, ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return prefix + " IN (" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}

// scanRecord reads one records row. The embedding is not part of the row.
func scanRecord(row interface{ Scan(dest ...any) error }) (domain.MemoryRecord, error) {
	var (
		rec       domain.MemoryRecord
		kind      string
		lastHitAt string
		createdAt string
	)
	if err := row.Scan(&rec.ID, &rec.Text, &kind, &rec.Confidence, &rec.SourceAgentID,
		&rec.Misses, &lastHitAt, &createdAt); err != nil {
		return rec, err
	}
	rec.Kind = domain.MemoryKind(kind)
	rec.CreatedAt = parseTime(rec.ID, createdAt)
	if lastHitAt != "" {
		rec.LastHitAt = parseTime(rec.ID, lastHitAt)
	}
	return rec, nil
}

// parseTime logs rather than fails: a corrupt timestamp is not a retrieval error.
func parseTime(id, value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		slog.Warn("memory store: corrupt timestamp", "record_id", id, "error", err)
	}
	return t
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
