// Package ledger provides the append-only, per-submission hash-chained
// audit log every lifecycle transition writes through before its state
// change becomes visible.
package ledger

import (
	"context"
	"iter"
	"sync"
	"time"

	"crobridge/pkg/domain"
)

// Entry is the caller-supplied portion of an audit record; sequence,
// timestamp and hashes are assigned by the ledger.
type Entry struct {
	SubmissionID string
	Actor        domain.Actor
	Action       domain.Action
	Before       domain.Status
	After        domain.Status
}

// Ledger is the sole mutation path into audit storage. There is no update
// or delete entry point.
type Ledger interface {
	// Append writes the next record for the entry's submission. Appends on
	// the same submission are strictly ordered; unrelated submissions do
	// not contend.
	Append(ctx context.Context, entry Entry) (domain.AuditRecord, error)
	// History returns a lazy, finite, restartable sequence of the
	// submission's records ordered by sequence number.
	History(ctx context.Context, submissionID string) iter.Seq[domain.AuditRecord]
	// Verify recomputes the chain and reports the first broken link as an
	// IntegrityViolation error; nil means the chain is intact.
	Verify(ctx context.Context, submissionID string) error
	// Head returns the latest record for the submission, if any.
	Head(ctx context.Context, submissionID string) (domain.AuditRecord, bool, error)
}

// Memory is an arena-style in-memory ledger. Records are only ever
// appended; the slice for a submission is never truncated or reordered, so
// immutability is structural rather than convention-based.
type Memory struct {
	mu     sync.RWMutex
	chains map[string][]domain.AuditRecord
	locks  map[string]*sync.Mutex
	nowFn  func() time.Time
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		chains: make(map[string][]domain.AuditRecord),
		locks:  make(map[string]*sync.Mutex),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// submissionLock returns the per-submission ordering lock, creating it on
// first use. Appends for one submission serialize on this lock without
// blocking appends for any other submission.
func (m *Memory) submissionLock(submissionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[submissionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[submissionID] = lock
	}
	return lock
}

// Append implements Ledger.
func (m *Memory) Append(ctx context.Context, entry Entry) (domain.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditRecord{}, err
	}
	lock := m.submissionLock(entry.SubmissionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	chain := m.chains[entry.SubmissionID]
	m.mu.RUnlock()

	prevLink := GenesisLink
	if n := len(chain); n > 0 {
		prevLink = chain[n-1].ChainLink
	}

	rec := domain.AuditRecord{
		SubmissionID: entry.SubmissionID,
		Seq:          uint64(len(chain)) + 1,
		ActorID:      entry.Actor.ID,
		ActorRole:    entry.Actor.Role,
		Action:       entry.Action,
		BeforeStatus: entry.Before,
		AfterStatus:  entry.After,
		Timestamp:    m.nowFn(),
	}
	contentHash, err := ContentHash(rec)
	if err != nil {
		return domain.AuditRecord{}, domain.NewLedgerAppendFailure(entry.SubmissionID, err)
	}
	rec.ContentHash = contentHash
	rec.PrevChainLink = prevLink
	rec.ChainLink = ChainLink(contentHash, prevLink)

	m.mu.Lock()
	m.chains[entry.SubmissionID] = append(m.chains[entry.SubmissionID], rec)
	m.mu.Unlock()
	return rec, nil
}

// History implements Ledger. The returned sequence snapshots the chain at
// call time and may be ranged over repeatedly.
func (m *Memory) History(_ context.Context, submissionID string) iter.Seq[domain.AuditRecord] {
	m.mu.RLock()
	chain := m.chains[submissionID]
	snapshot := make([]domain.AuditRecord, len(chain))
	copy(snapshot, chain)
	m.mu.RUnlock()

	return func(yield func(domain.AuditRecord) bool) {
		for _, rec := range snapshot {
			if !yield(rec) {
				return
			}
		}
	}
}

// Verify implements Ledger.
func (m *Memory) Verify(_ context.Context, submissionID string) error {
	m.mu.RLock()
	chain := m.chains[submissionID]
	snapshot := make([]domain.AuditRecord, len(chain))
	copy(snapshot, chain)
	m.mu.RUnlock()
	return VerifyChain(submissionID, snapshot)
}

// Head implements Ledger.
func (m *Memory) Head(_ context.Context, submissionID string) (domain.AuditRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[submissionID]
	if len(chain) == 0 {
		return domain.AuditRecord{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

// Export returns a copy of every chain keyed by submission id, for
// durable persistence drivers.
func (m *Memory) Export() map[string][]domain.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]domain.AuditRecord, len(m.chains))
	for id, chain := range m.chains {
		cp := make([]domain.AuditRecord, len(chain))
		copy(cp, chain)
		out[id] = cp
	}
	return out
}

// Import replaces all chains with the given contents. Callers are expected
// to Verify afterwards; Import itself does not recompute hashes.
func (m *Memory) Import(chains map[string][]domain.AuditRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains = make(map[string][]domain.AuditRecord, len(chains))
	for id, chain := range chains {
		cp := make([]domain.AuditRecord, len(chain))
		copy(cp, chain)
		m.chains[id] = cp
	}
}

// Len reports the number of records held for a submission.
func (m *Memory) Len(submissionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chains[submissionID])
}

// Collect drains a history sequence into a slice.
func Collect(seq iter.Seq[domain.AuditRecord]) []domain.AuditRecord {
	var out []domain.AuditRecord
	for rec := range seq {
		out = append(out, rec)
	}
	return out
}
