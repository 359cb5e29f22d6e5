package durable

// SchemaVersion is bumped whenever the table layout changes.
const SchemaVersion = 1

// Schema creates the single item collection keyed by channel. The timestamp
// and ttl indexes back expiry sweeps.
const Schema = `
CREATE TABLE IF NOT EXISTS items (
    channel    TEXT PRIMARY KEY,
    data       BLOB NOT NULL,
    timestamp  INTEGER NOT NULL,
    ttl        INTEGER NOT NULL DEFAULT 0,
    compressed INTEGER NOT NULL DEFAULT 0,
    size       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_timestamp ON items(timestamp);
CREATE INDEX IF NOT EXISTS idx_items_ttl ON items(ttl);

CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`

const (
	insertSchemaVersion = `INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`
	getSchemaVersion    = `SELECT MAX(version) FROM schema_version`
)
