// Package sqlite persists the lifecycle store and audit ledger to a single
// SQLite database as JSON snapshots, taken after every successful
// transaction or ledger append.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"crobridge/internal/core"
	"crobridge/internal/ledger"
	"crobridge/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Store wraps the in-memory lifecycle store with snapshot persistence.
type Store struct {
	*core.MemoryStore
	led  *ledger.Memory
	db   *sql.DB
	mu   sync.Mutex
	path string
}

var _ core.Store = (*Store)(nil)

// Open constructs a snapshotting SQLite-backed store and loads any prior
// state from path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "crobridge.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{
		MemoryStore: core.NewMemoryStore(),
		led:         ledger.NewMemory(),
		db:          db,
		path:        path,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

const (
	bucketSubmissions = "submissions"
	bucketDocuments   = "documents"
	bucketOffers      = "offers"
	bucketAudit       = "audit"
)

var sqliteBuckets = []string{bucketSubmissions, bucketDocuments, bucketOffers, bucketAudit}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := core.StoreSnapshot{}
	chains := map[string][]domain.AuditRecord{}
	seen := 0
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		seen++
		switch bucket {
		case bucketSubmissions:
			if err := json.Unmarshal(payload, &snapshot.Submissions); err != nil {
				return fmt.Errorf("decode submissions: %w", err)
			}
		case bucketDocuments:
			if err := json.Unmarshal(payload, &snapshot.Documents); err != nil {
				return fmt.Errorf("decode documents: %w", err)
			}
		case bucketOffers:
			if err := json.Unmarshal(payload, &snapshot.Offers); err != nil {
				return fmt.Errorf("decode offers: %w", err)
			}
		case bucketAudit:
			if err := json.Unmarshal(payload, &chains); err != nil {
				return fmt.Errorf("decode audit chains: %w", err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if seen == 0 {
		return nil
	}
	s.Restore(snapshot)
	s.led.Import(chains)
	for id := range chains {
		if err := s.led.Verify(context.Background(), id); err != nil {
			return fmt.Errorf("loaded audit chain: %w", err)
		}
	}
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.Snapshot()
	chains := s.led.Export()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range sqliteBuckets {
		var data []byte
		switch bucket {
		case bucketSubmissions:
			data, err = json.Marshal(snapshot.Submissions)
		case bucketDocuments:
			data, err = json.Marshal(snapshot.Documents)
		case bucketOffers:
			data, err = json.Marshal(snapshot.Offers)
		case bucketAudit:
			data, err = json.Marshal(chains)
		}
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err = tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

// RunInSubmission applies fn through the in-memory store, then snapshots
// state to SQLite when the transaction commits. If the snapshot cannot be
// written the in-memory commit is rolled back to the pre-transaction state,
// so a failed call leaves the visible state unchanged.
func (s *Store) RunInSubmission(ctx context.Context, submissionID string, fn func(tx *core.Tx) error) error {
	before := s.MemoryStore.Snapshot()
	if err := s.MemoryStore.RunInSubmission(ctx, submissionID, fn); err != nil {
		return err
	}
	if err := s.persist(); err != nil {
		s.MemoryStore.Restore(before)
		return err
	}
	return nil
}

// Ledger returns the audit ledger backed by this store. Appends snapshot
// to SQLite before they are acknowledged.
func (s *Store) Ledger() ledger.Ledger {
	return &persistingLedger{store: s}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

type persistingLedger struct {
	store *Store
}

func (l *persistingLedger) Append(ctx context.Context, entry ledger.Entry) (domain.AuditRecord, error) {
	before := l.store.led.Export()
	rec, err := l.store.led.Append(ctx, entry)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	if err := l.store.persist(); err != nil {
		// Drop the unpersisted record so the in-memory chain matches
		// what the next load would see.
		l.store.led.Import(before)
		return domain.AuditRecord{}, domain.NewLedgerAppendFailure(entry.SubmissionID, err)
	}
	return rec, nil
}

func (l *persistingLedger) History(ctx context.Context, submissionID string) iter.Seq[domain.AuditRecord] {
	return l.store.led.History(ctx, submissionID)
}

func (l *persistingLedger) Verify(ctx context.Context, submissionID string) error {
	return l.store.led.Verify(ctx, submissionID)
}

func (l *persistingLedger) Head(ctx context.Context, submissionID string) (domain.AuditRecord, bool, error) {
	return l.store.led.Head(ctx, submissionID)
}
