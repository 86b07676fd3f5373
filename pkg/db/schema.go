package db

// Schema defines the SQLite schema of the session index.
// The index mirrors the session records for listing and lookup;
// the JSON-lines record stays authoritative.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    alias TEXT,
    snapshot TEXT NOT NULL,
    provider TEXT NOT NULL,
    region TEXT NOT NULL,
    record_path TEXT NOT NULL,
    output_dir TEXT NOT NULL,
    status TEXT NOT NULL,
    error_message TEXT,
    created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_alias ON sessions(alias);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// Session is one row of the session index.
type Session struct {
	ID           string
	Alias        string
	Snapshot     string
	Provider     string
	Region       string
	RecordPath   string
	OutputDir    string
	Status       string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
