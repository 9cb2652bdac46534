package watch

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const stateDBFile = "watch.sqlite"

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS processed_uids (
	trigger_name TEXT NOT NULL,
	uidvalidity  INTEGER NOT NULL,
	uid          INTEGER NOT NULL,
	PRIMARY KEY (trigger_name, uidvalidity, uid)
);
`

// StateDB remembers which message UIDs were already processed, keyed by
// the mailbox's UIDVALIDITY. Marking a message \Seen on the server is
// the primary dedup mechanism; this DB covers the gap when a flag write
// fails or the mailbox resets its UIDs. Optional: a nil *StateDB is a
// no-op and the watcher relies on server flags alone.
type StateDB struct {
	db *sql.DB
}

// OpenStateDB opens or creates the watch state database under dataDir.
func OpenStateDB(dataDir string) (*StateDB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dataDir, stateDBFile)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open watch db: %w", err)
	}

	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init watch db: %w", err)
	}
	return &StateDB{db: db}, nil
}

// Close releases the database connection.
func (s *StateDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsProcessed reports whether a UID was already handled for a trigger.
func (s *StateDB) IsProcessed(trigger string, validity, uid uint32) bool {
	if s == nil {
		return false
	}
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM processed_uids WHERE trigger_name = ? AND uidvalidity = ? AND uid = ?`,
		trigger, validity, uid,
	).Scan(&n)
	return err == nil && n > 0
}

// MarkProcessed records a batch of handled UIDs in one transaction.
func (s *StateDB) MarkProcessed(trigger string, validity uint32, uids []uint32) error {
	if s == nil || len(uids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO processed_uids (trigger_name, uidvalidity, uid) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, uid := range uids {
		if _, err := stmt.Exec(trigger, validity, uid); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DropStale removes rows from earlier UIDVALIDITY generations: when the
// mailbox reassigns UIDs, old entries can only cause false skips.
func (s *StateDB) DropStale(trigger string, validity uint32) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(
		`DELETE FROM processed_uids WHERE trigger_name = ? AND uidvalidity != ?`,
		trigger, validity,
	)
	return err
}
