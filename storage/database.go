package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "messages.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  unique_id              TEXT PRIMARY KEY,
  account                TEXT NOT NULL,
  peer                   TEXT NOT NULL,
  resource               TEXT,
  body                   TEXT,
  action                 TEXT,
  incoming               INTEGER NOT NULL DEFAULT 0,
  encrypted              INTEGER NOT NULL DEFAULT 0,
  offline                INTEGER NOT NULL DEFAULT 0,
  timestamp              INTEGER NOT NULL,
  delay_timestamp        INTEGER,
  error                  INTEGER NOT NULL DEFAULT 0,
  error_description      TEXT,
  delivered              INTEGER NOT NULL DEFAULT 0,
  sent                   INTEGER NOT NULL DEFAULT 0,
  read                   INTEGER NOT NULL DEFAULT 0,
  stanza_id              TEXT,
  received_from_archive  INTEGER NOT NULL DEFAULT 0,
  forwarded              INTEGER NOT NULL DEFAULT 0,
  acknowledged           INTEGER NOT NULL DEFAULT 0,
  in_progress            INTEGER NOT NULL DEFAULT 0,
  superseded             INTEGER NOT NULL DEFAULT 0,
  CHECK ((body IS NULL) <> (action IS NULL)),
  CHECK (sent = 1 OR (delivered = 0 AND acknowledged = 0)),
  CHECK (error = 0 OR delivered = 0)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (account, peer, timestamp);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_outgoing_stanza
ON messages (account, stanza_id)
WHERE stanza_id IS NOT NULL AND incoming = 0;
`,
	`
CREATE TABLE IF NOT EXISTS attachments (
  attachment_id  TEXT PRIMARY KEY,
  message_id     TEXT NOT NULL REFERENCES messages(unique_id),
  position       INTEGER NOT NULL DEFAULT 0,
  file_url       TEXT NOT NULL,
  file_name      TEXT NOT NULL,
  file_path      TEXT,
  file_size      INTEGER NOT NULL DEFAULT 0,
  mime_type      TEXT,
  is_image       INTEGER NOT NULL DEFAULT 0,
  image_width    INTEGER,
  image_height   INTEGER,
  digest         TEXT
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_attachments_message_position
ON attachments (message_id, position);
`,
	`
CREATE TABLE IF NOT EXISTS seen_stanza_ids (
  account     TEXT NOT NULL,
  stanza_id   TEXT NOT NULL,
  received_at INTEGER NOT NULL,
  PRIMARY KEY (account, stanza_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_stanza_received_at
ON seen_stanza_ids (received_at);
`,
	`
CREATE TABLE IF NOT EXISTS trusted_certificates (
  account          TEXT NOT NULL,
  fingerprint      TEXT NOT NULL,
  subject          TEXT NOT NULL DEFAULT '',
  added_timestamp  INTEGER NOT NULL,
  PRIMARY KEY (account, fingerprint)
);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sqlx.DB

	// writeMu serializes write transactions inside this process.
	writeMu sync.Mutex

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
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
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
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
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.Get(&version, "PRAGMA user_version;"); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Beginx()
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
	if err := s.db.Get(&journalMode, "PRAGMA journal_mode=WAL;"); err != nil {
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
