package vector

import "database/sql"

// migrate creates the schema if it doesn't exist.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS records (
			id              TEXT PRIMARY KEY,
			text            TEXT NOT NULL,
			kind            TEXT NOT NULL,
			confidence      REAL NOT NULL,
			source_agent_id TEXT NOT NULL DEFAULT '',
			misses          INTEGER NOT NULL DEFAULT 0,
			last_hit_at     TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS records_eviction ON records (confidence, misses);

		-- One vector per record, kept apart so scans of records stay narrow.
		CREATE TABLE IF NOT EXISTS embeddings (
			record_id  TEXT PRIMARY KEY REFERENCES records(id),
			dims       INTEGER NOT NULL,
			vector     BLOB NOT NULL
		);
	`
	_, err := db.Exec(schema)
	return err
}
