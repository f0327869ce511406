// Package db records run reports in a SQLite database: one row per run plus
// one row per processed asset, for post-mortem of partial failures.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const DefaultDBName = "mindgrab-report.db"

type DB struct {
	*sql.DB
	path string
}

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS runs (
    run_id INTEGER PRIMARY KEY AUTOINCREMENT,
    library_url TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    pages INTEGER DEFAULT 0,
    assets INTEGER DEFAULT 0,
    bad_assets INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS asset_outcomes (
    outcome_id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL,
    path TEXT NOT NULL,
    source_url TEXT NOT NULL,
    outcome TEXT NOT NULL,          -- 'ok', 'failed', 'known_bad'
    size_bytes INTEGER DEFAULT 0,
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_outcomes_run ON asset_outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_outcome ON asset_outcomes(run_id, outcome);
`

// Open opens or creates the report database at dbPath.
func Open(dbPath string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &DB{DB: sqlDB, path: dbPath}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// CreateRun inserts a new run row and returns its id.
func (db *DB) CreateRun(libraryURL string) (int64, error) {
	result, err := db.Exec(
		"INSERT INTO runs (library_url, started_at) VALUES (?, ?)",
		libraryURL, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to create run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get run id: %w", err)
	}
	return id, nil
}

// FinishRun stamps the run with its final counters.
func (db *DB) FinishRun(runID int64, pages, assets, badAssets int) error {
	_, err := db.Exec(
		"UPDATE runs SET finished_at = ?, pages = ?, assets = ?, bad_assets = ? WHERE run_id = ?",
		time.Now().UTC(), pages, assets, badAssets, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// Asset outcome kinds.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeKnownBad = "known_bad"
)

// RecordAssetOutcome stores the result of resolving one asset.
func (db *DB) RecordAssetOutcome(runID int64, path, sourceURL, outcome string, sizeBytes int64, errMsg string) error {
	_, err := db.Exec(
		`INSERT INTO asset_outcomes (run_id, path, source_url, outcome, size_bytes, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, path, sourceURL, outcome, sizeBytes, errMsg)
	if err != nil {
		return fmt.Errorf("failed to record asset outcome: %w", err)
	}
	return nil
}

// CountOutcomes returns how many assets of the run ended with the given
// outcome.
func (db *DB) CountOutcomes(runID int64, outcome string) (int, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM asset_outcomes WHERE run_id = ? AND outcome = ?",
		runID, outcome).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return count, nil
}
