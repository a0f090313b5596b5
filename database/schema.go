package database

// Timestamps are INTEGER unix nanoseconds (UTC) so ordering in SQL is exact.
const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS threads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL CHECK (length(title) > 0),
	body TEXT NOT NULL CHECK (length(body) > 0),
	author_name TEXT NOT NULL DEFAULT 'Anonymous',
	media_path TEXT,
	media_thumb_path TEXT,
	media_mime TEXT,
	media_size INTEGER,
	created_at INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL,
	reply_count INTEGER NOT NULL DEFAULT 0 CHECK (reply_count >= 0),
	sticky BOOLEAN NOT NULL DEFAULT 0,
	locked BOOLEAN NOT NULL DEFAULT 0,
	deleted BOOLEAN NOT NULL DEFAULT 0,
	poster_fingerprint TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS replies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id INTEGER NOT NULL,
	body TEXT NOT NULL CHECK (length(body) > 0),
	author_name TEXT NOT NULL DEFAULT 'Anonymous',
	created_at INTEGER NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT 0,
	poster_fingerprint TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS mod_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	moderator_hash TEXT NOT NULL,
	action TEXT NOT NULL,
	target_id INTEGER,
	details TEXT
);

-- --- INDEXES ---
CREATE INDEX IF NOT EXISTS idx_threads_order ON threads(deleted, sticky DESC, last_activity_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_replies_thread ON replies(thread_id, deleted, id);
`
