package db

// createTable creates the sessions table if it doesn't exist
func (s *PostgresSessionStore) createTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id VARCHAR(64) PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 0,
		state JSONB NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		owner_id VARCHAR(64) NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		saved_at TIMESTAMP WITH TIME ZONE,
		expires_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at) WHERE saved_at IS NULL;
	`

	_, err := s.db.Exec(query)
	return err
}
