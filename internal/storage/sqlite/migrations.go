package sqlite

import "database/sql"

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lessons (
    id            TEXT PRIMARY KEY,
    title         TEXT NOT NULL DEFAULT '',
    outline       TEXT NOT NULL,
    content       TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'generating'
                  CHECK(status IN ('generating','generated','failed')),
    error_message TEXT NOT NULL DEFAULT '',
    sandbox_id    TEXT NOT NULL DEFAULT '',
    sandbox_url   TEXT NOT NULL DEFAULT '',
    executed_at   TEXT,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lessons_status ON lessons(status);
CREATE INDEX IF NOT EXISTS idx_lessons_created ON lessons(created_at DESC);
`

// schemaV2 adds the generation audit columns.
const schemaV2 = `
ALTER TABLE lessons ADD COLUMN ai_prompt TEXT NOT NULL DEFAULT '';
ALTER TABLE lessons ADD COLUMN ai_response TEXT NOT NULL DEFAULT '';
ALTER TABLE lessons ADD COLUMN generation_trace TEXT NOT NULL DEFAULT '[]';
`

func runMigrations(db *sql.DB) error {
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist or is empty
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}
	if current < 2 {
		if _, err := db.Exec(schemaV2); err != nil {
			return err
		}
	}

	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
