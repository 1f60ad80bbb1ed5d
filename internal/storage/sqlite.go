package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers from the queue runners, the API and
	// the TUI; sqlite would otherwise answer SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_root TEXT NOT NULL,
		stage TEXT NOT NULL,
		rel_paths TEXT,
		extra_args TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		run_id TEXT,
		pid INTEGER,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		claimed_by INTEGER
	);

	CREATE TABLE IF NOT EXISTS runs (
		repo_root TEXT NOT NULL,
		run_id TEXT NOT NULL,
		stage TEXT,
		status TEXT,
		pid INTEGER,
		pack TEXT,
		profile TEXT,
		branch TEXT,
		head_sha TEXT,
		error TEXT,
		exit_code INTEGER,
		started_at TEXT,
		updated_at TEXT,
		ended_at TEXT,
		state_json TEXT NOT NULL,
		synced_at TIMESTAMP NOT NULL,
		PRIMARY KEY (repo_root, run_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		repo_root TEXT NOT NULL,
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		ts TEXT,
		type TEXT,
		payload_json TEXT NOT NULL,
		PRIMARY KEY (repo_root, run_id, idx)
	);

	CREATE TABLE IF NOT EXISTS approvals (
		repo_root TEXT NOT NULL,
		run_id TEXT NOT NULL,
		approval_id TEXT NOT NULL,
		created_at TEXT,
		payload_json TEXT NOT NULL,
		PRIMARY KEY (repo_root, run_id, approval_id)
	);

	CREATE TABLE IF NOT EXISTS decisions (
		repo_root TEXT NOT NULL,
		run_id TEXT NOT NULL,
		approval_id TEXT NOT NULL,
		approved INTEGER NOT NULL,
		reason TEXT,
		decided_at TEXT,
		decided_by TEXT,
		PRIMARY KEY (repo_root, run_id, approval_id)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_root_status ON jobs(repo_root, status, id);
	`

	if err := s.dropLegacyAudit(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	claimed, err := s.hasColumn("jobs", "claimed_by")
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	if !claimed {
		if _, err := s.db.Exec(`ALTER TABLE jobs ADD COLUMN claimed_by INTEGER`); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return nil
}

// dropLegacyAudit removes audit tables keyed by run id alone. They only
// mirror run files, so the next sync rebuilds them.
func (s *Storage) dropLegacyAudit() error {
	hasRunID, err := s.hasColumn("events", "run_id")
	if err != nil {
		return err
	}
	hasRoot, err := s.hasColumn("events", "repo_root")
	if err != nil {
		return err
	}
	if !hasRunID || hasRoot {
		return nil
	}
	_, err = s.db.Exec(`
	DROP TABLE IF EXISTS decisions;
	DROP TABLE IF EXISTS approvals;
	DROP TABLE IF EXISTS events;
	DROP TABLE IF EXISTS runs;
	`)
	return err
}

func (s *Storage) hasColumn(table, column string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	return n > 0, err
}
