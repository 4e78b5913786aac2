// Package history persists agent identities and their context histories in
// SQLite so root agents survive a restart.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentd/internal/domain"
)

// SQLiteStore implements domain.HistoryStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.HistoryStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrHistoryStore, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrHistoryStore, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrHistoryStore, err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			parent_id  TEXT NOT NULL DEFAULT '',
			profile    TEXT NOT NULL,
			depth      INTEGER NOT NULL,
			state      TEXT NOT NULL,
			task_id    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id     TEXT NOT NULL,
			id           TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			tool_calls   TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			timestamp    TEXT NOT NULL,
			token_count  INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS messages_agent ON messages (agent_id, seq);

		CREATE TABLE IF NOT EXISTS summaries (
			agent_id   TEXT PRIMARY KEY,
			summary    TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveAgent inserts or replaces an agent's identity row.
func (s *SQLiteStore) SaveAgent(ctx context.Context, node domain.AgentNode) error {
	profile, err := json.Marshal(node.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, parent_id, profile, depth, state, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			profile   = excluded.profile,
			depth     = excluded.depth,
			state     = excluded.state,
			task_id   = excluded.task_id`,
		node.ID, node.ParentID, string(profile), node.Depth, string(node.State), node.TaskID,
		node.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: save agent: %v", domain.ErrHistoryStore, err)
	}
	return nil
}

// LoadAgents returns every saved agent in creation order.
func (s *SQLiteStore) LoadAgents(ctx context.Context) ([]domain.AgentNode, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, parent_id, profile, depth, state, task_id, created_at FROM agents ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("%w: load agents: %v", domain.ErrHistoryStore, err)
	}
	defer rows.Close()

	var nodes []domain.AgentNode
	for rows.Next() {
		var (
			n          domain.AgentNode
			profile    string
			state      string
			createdStr string
		)
		if err := rows.Scan(&n.ID, &n.ParentID, &profile, &n.Depth, &state, &n.TaskID, &createdStr); err != nil {
			return nil, fmt.Errorf("%w: scan agent: %v", domain.ErrHistoryStore, err)
		}
		if err := json.Unmarshal([]byte(profile), &n.Profile); err != nil {
			return nil, fmt.Errorf("unmarshal profile of %s: %w", n.ID, err)
		}
		n.State = domain.AgentState(state)
		n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// AppendMessage adds msg to the end of the agent's log.
func (s *SQLiteStore) AppendMessage(ctx context.Context, agentID string, msg domain.Message) error {
	var calls string
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		calls = string(b)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (agent_id, id, role, content, name, tool_calls, tool_call_id, timestamp, token_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agentID, msg.ID, msg.Role, msg.Content, msg.Name, calls, msg.ToolCallID,
		msg.Timestamp.UTC().Format(time.RFC3339Nano), msg.TokenCount,
	)
	if err != nil {
		return fmt.Errorf("%w: append message: %v", domain.ErrHistoryStore, err)
	}
	return nil
}

// Compact stores the new summary and removes the summarized messages in one
// transaction.
func (s *SQLiteStore) Compact(ctx context.Context, agentID, summary string, removedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrHistoryStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO summaries (agent_id, summary, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		agentID, summary, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: save summary: %v", domain.ErrHistoryStore, err)
	}

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM messages WHERE agent_id = ? AND id = ?")
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", domain.ErrHistoryStore, err)
	}
	defer stmt.Close()
	for _, id := range removedIDs {
		if _, err := stmt.ExecContext(ctx, agentID, id); err != nil {
			return fmt.Errorf("%w: delete message %s: %v", domain.ErrHistoryStore, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrHistoryStore, err)
	}
	return nil
}

// LoadHistory returns the agent's summary and messages in append order.
// It returns domain.ErrNotFound when nothing was ever stored for the agent.
func (s *SQLiteStore) LoadHistory(ctx context.Context, agentID string) (*domain.HistorySnapshot, error) {
	snap := &domain.HistorySnapshot{AgentID: agentID}
	found := false

	var updatedStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT summary, updated_at FROM summaries WHERE agent_id = ?", agentID,
	).Scan(&snap.Summary, &updatedStr)
	switch {
	case err == nil:
		found = true
		snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: load summary: %v", domain.ErrHistoryStore, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, name, tool_calls, tool_call_id, timestamp, token_count
		FROM messages WHERE agent_id = ? ORDER BY seq`, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: load messages: %v", domain.ErrHistoryStore, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m     domain.Message
			calls string
			ts    string
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Name, &calls, &m.ToolCallID, &ts, &m.TokenCount); err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", domain.ErrHistoryStore, err)
		}
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls of %s: %w", m.ID, err)
			}
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if m.Timestamp.After(snap.UpdatedAt) {
			snap.UpdatedAt = m.Timestamp
		}
		snap.Messages = append(snap.Messages, m)
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load messages: %v", domain.ErrHistoryStore, err)
	}

	if !found {
		return nil, domain.NewDomainError("HistoryStore.LoadHistory", domain.ErrNotFound, agentID)
	}
	return snap, nil
}

// DeleteAgent removes the agent row, its messages and its summary.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrHistoryStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		"DELETE FROM messages WHERE agent_id = ?",
		"DELETE FROM summaries WHERE agent_id = ?",
		"DELETE FROM agents WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, agentID); err != nil {
			return fmt.Errorf("%w: delete agent: %v", domain.ErrHistoryStore, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrHistoryStore, err)
	}
	return nil
}
