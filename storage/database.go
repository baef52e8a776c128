package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "messages.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS contacts (
  owner       TEXT NOT NULL,
  contact     TEXT NOT NULL,
  added_at    INTEGER NOT NULL,
  PRIMARY KEY (owner, contact)
);
`,
	`
CREATE TABLE IF NOT EXISTS chats (
  owner         TEXT NOT NULL,
  contact       TEXT NOT NULL,
  unread_count  INTEGER NOT NULL DEFAULT 0,
  created_at    INTEGER NOT NULL,
  PRIMARY KEY (owner, contact)
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id  TEXT PRIMARY KEY,
  owner       TEXT NOT NULL,
  contact     TEXT NOT NULL,
  author      TEXT NOT NULL CHECK(author IN ('user','contact')),
  body        TEXT NOT NULL DEFAULT '',
  status      TEXT NOT NULL CHECK(status IN ('created','sent','delivered','failed','received','read')),
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS attachments (
  message_id            TEXT PRIMARY KEY REFERENCES messages(message_id) ON DELETE CASCADE,
  attachment_id         TEXT NOT NULL,
  type                  TEXT NOT NULL CHECK(type IN ('file','picture')),
  display_name          TEXT NOT NULL DEFAULT '',
  local_path            TEXT NOT NULL DEFAULT '',
  remote_url            TEXT NOT NULL DEFAULT '',
  thumbnail_path        TEXT NOT NULL DEFAULT '',
  remote_thumbnail_url  TEXT NOT NULL DEFAULT '',
  thumbnail_width       INTEGER NOT NULL DEFAULT 0,
  thumbnail_height      INTEGER NOT NULL DEFAULT 0,
  bytes_total           INTEGER NOT NULL DEFAULT 0,
  status                TEXT NOT NULL CHECK(status IN ('created','loading','loaded','failed')) DEFAULT 'created'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_owner_time
ON messages (owner, timestamp);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_owner_status
ON messages (owner, author, status, timestamp);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  owner       TEXT NOT NULL,
  event_type  TEXT NOT NULL,
  contact     TEXT,
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (owner, timestamp DESC, id DESC);
`,
}

// Store is the SQLite persistence gateway for messages, chats and contacts.
// Every row is scoped to the owning local username so several accounts can
// share one data directory.
type Store struct {
	db *sql.DB

	walCheckpointInterval  time.Duration
	walCheckpointStop      chan struct{}
	walCheckpointWG        sync.WaitGroup
	securityEventRetention time.Duration
	closeOnce              sync.Once
}

// Open opens (or creates) messages.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		walCheckpointInterval:  DefaultWALCheckpointInterval,
		walCheckpointStop:      make(chan struct{}),
		securityEventRetention: DefaultSecurityEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// newWithDB wraps an already open handle without migrations or background work.
func newWithDB(db *sql.DB) *Store {
	return &Store{db: db, securityEventRetention: DefaultSecurityEventRetention}
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
