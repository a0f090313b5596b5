package database

// migration represents a single database schema migration.
type migration struct {
	Version uint
	Query   string
}

// allMigrations holds all schema changes in order.
var allMigrations = []migration{
	{
		Version: 1,
		Query: `
-- Moderator edits
ALTER TABLE threads ADD COLUMN edited_at INTEGER;
ALTER TABLE replies ADD COLUMN edited_at INTEGER;
CREATE INDEX IF NOT EXISTS idx_mod_actions_time ON mod_actions(timestamp DESC);
		`,
	},
	{
		Version: 2,
		Query: `
-- Board-wide settings such as the posting lock
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
		`,
	},
}
