package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"crobridge/internal/pricing"
	"crobridge/pkg/domain"
)

type memoryState struct {
	submissions map[string]Submission
	documents   map[string][]RequiredDocument
	offers      map[string][]PricingOffer
}

func newMemoryState() memoryState {
	return memoryState{
		submissions: make(map[string]Submission),
		documents:   make(map[string][]RequiredDocument),
		offers:      make(map[string][]PricingOffer),
	}
}

func cloneSubmission(s Submission) Submission {
	cp := s
	cp.MoleculeIDs = append([]string(nil), s.MoleculeIDs...)
	if s.Specification != nil {
		cp.Specification = append([]byte(nil), s.Specification...)
	}
	return cp
}

func cloneDocument(d RequiredDocument) RequiredDocument {
	cp := d
	cp.SignerRoles = append([]Role(nil), d.SignerRoles...)
	if d.SignedAt != nil {
		signedAt := *d.SignedAt
		cp.SignedAt = &signedAt
	}
	return cp
}

func cloneOffer(o PricingOffer) PricingOffer {
	cp := o
	if o.DecidedAt != nil {
		decidedAt := *o.DecidedAt
		cp.DecidedAt = &decidedAt
	}
	return cp
}

func cloneDocuments(docs []RequiredDocument) []RequiredDocument {
	if docs == nil {
		return nil
	}
	out := make([]RequiredDocument, len(docs))
	for i, d := range docs {
		out[i] = cloneDocument(d)
	}
	return out
}

func cloneOffers(offers []PricingOffer) []PricingOffer {
	if offers == nil {
		return nil
	}
	out := make([]PricingOffer, len(offers))
	for i, o := range offers {
		out[i] = cloneOffer(o)
	}
	return out
}

// Store is the transactional persistence boundary the lifecycle service
// runs on. Implementations must serialize transactions per submission and
// let unrelated submissions proceed in parallel.
type Store interface {
	RunInSubmission(ctx context.Context, submissionID string, fn func(tx *Tx) error) error
	GetSubmission(id string) (Submission, bool)
	ListSubmissions() []Submission
	Documents(submissionID string) ([]RequiredDocument, bool)
	Offers(submissionID string) ([]PricingOffer, bool)
	FindByEnvelope(envelopeID string) (string, bool)
}

// MemoryStore holds submissions and their guard inputs with per-submission
// serialization. Transactions on one submission are mutually exclusive;
// transactions on different submissions never contend.
type MemoryStore struct {
	mu    sync.RWMutex
	state memoryState
	locks map[string]*sync.Mutex
	nowFn func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: newMemoryState(),
		locks: make(map[string]*sync.Mutex),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) submissionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Tx is a transactional working copy of one submission and its guard
// inputs. Mutations become visible only when the transaction function
// returns nil.
type Tx struct {
	store  *MemoryStore
	id     string
	sub    Submission
	exists bool
	docs   []RequiredDocument
	offers []PricingOffer
	now    time.Time
}

// Submission returns the working copy, reporting whether it exists yet.
func (tx *Tx) Submission() (Submission, bool) {
	return cloneSubmission(tx.sub), tx.exists
}

// PutSubmission replaces the working copy.
func (tx *Tx) PutSubmission(sub Submission) {
	tx.sub = cloneSubmission(sub)
	tx.exists = true
}

// Documents returns the working document set.
func (tx *Tx) Documents() []RequiredDocument {
	return cloneDocuments(tx.docs)
}

// SetDocuments replaces the working document set.
func (tx *Tx) SetDocuments(docs []RequiredDocument) {
	tx.docs = cloneDocuments(docs)
}

// Offers returns the working offer list.
func (tx *Tx) Offers() []PricingOffer {
	return cloneOffers(tx.offers)
}

// SetOffers replaces the working offer list.
func (tx *Tx) SetOffers(offers []PricingOffer) {
	tx.offers = cloneOffers(offers)
}

// Now returns the transaction timestamp. All mutations within one
// transaction share it.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// View exposes the transaction state to guards. For the transaction's own
// submission it reflects uncommitted mutations; other submissions resolve
// against committed store state.
func (tx *Tx) View() GuardView {
	return txView{tx: tx}
}

type txView struct {
	tx *Tx
}

func (v txView) FindSubmission(id string) (Submission, bool) {
	if id == v.tx.id {
		return v.tx.Submission()
	}
	return v.tx.store.GetSubmission(id)
}

func (v txView) ListDocuments(submissionID string) []RequiredDocument {
	if submissionID == v.tx.id {
		return v.tx.Documents()
	}
	docs, _ := v.tx.store.Documents(submissionID)
	return docs
}

func (v txView) ListOffers(submissionID string) []PricingOffer {
	if submissionID == v.tx.id {
		return v.tx.Offers()
	}
	offers, _ := v.tx.store.Offers(submissionID)
	return offers
}

func (v txView) LatestOffer(submissionID string) (PricingOffer, bool) {
	return pricing.Latest(v.ListOffers(submissionID))
}

// RunInSubmission executes fn under the submission's ordering lock against
// a cloned working copy, committing on success. Returning an error leaves
// the committed state untouched.
func (s *MemoryStore) RunInSubmission(ctx context.Context, submissionID string, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.submissionLock(submissionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	sub, exists := s.state.submissions[submissionID]
	tx := &Tx{
		store:  s,
		id:     submissionID,
		sub:    cloneSubmission(sub),
		exists: exists,
		docs:   cloneDocuments(s.state.documents[submissionID]),
		offers: cloneOffers(s.state.offers[submissionID]),
		now:    s.nowFn(),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	if tx.exists {
		s.state.submissions[submissionID] = tx.sub
	}
	s.state.documents[submissionID] = tx.docs
	s.state.offers[submissionID] = tx.offers
	s.mu.Unlock()
	return nil
}

// GetSubmission returns the committed submission by id.
func (s *MemoryStore) GetSubmission(id string) (Submission, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.state.submissions[id]
	if !ok {
		return Submission{}, false
	}
	return cloneSubmission(sub), true
}

// ListSubmissions returns all committed submissions ordered by creation
// time, then id for a stable tiebreak.
func (s *MemoryStore) ListSubmissions() []Submission {
	s.mu.RLock()
	out := make([]Submission, 0, len(s.state.submissions))
	for _, sub := range s.state.submissions {
		out = append(out, cloneSubmission(sub))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Documents returns the committed document set for a submission.
func (s *MemoryStore) Documents(submissionID string) ([]RequiredDocument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs, ok := s.state.documents[submissionID]
	return cloneDocuments(docs), ok
}

// Offers returns the committed offer list for a submission.
func (s *MemoryStore) Offers(submissionID string) ([]PricingOffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offers, ok := s.state.offers[submissionID]
	return cloneOffers(offers), ok
}

// FindByEnvelope locates the submission whose document carries the given
// signature envelope. Webhook callbacks route through this.
func (s *MemoryStore) FindByEnvelope(envelopeID string) (string, bool) {
	if envelopeID == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for submissionID, docs := range s.state.documents {
		for _, doc := range docs {
			if doc.EnvelopeID == envelopeID {
				return submissionID, true
			}
		}
	}
	return "", false
}

// StoreSnapshot is a serializable copy of the committed store state, used
// by durable persistence drivers.
type StoreSnapshot struct {
	Submissions []domain.Submission                  `json:"submissions"`
	Documents   map[string][]domain.RequiredDocument `json:"documents"`
	Offers      map[string][]domain.PricingOffer     `json:"offers"`
}

// Snapshot captures the full committed state.
func (s *MemoryStore) Snapshot() StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := StoreSnapshot{
		Submissions: make([]domain.Submission, 0, len(s.state.submissions)),
		Documents:   make(map[string][]domain.RequiredDocument, len(s.state.documents)),
		Offers:      make(map[string][]domain.PricingOffer, len(s.state.offers)),
	}
	for _, sub := range s.state.submissions {
		snap.Submissions = append(snap.Submissions, cloneSubmission(sub))
	}
	sort.Slice(snap.Submissions, func(i, j int) bool { return snap.Submissions[i].ID < snap.Submissions[j].ID })
	for id, docs := range s.state.documents {
		if len(docs) > 0 {
			snap.Documents[id] = cloneDocuments(docs)
		}
	}
	for id, offers := range s.state.offers {
		if len(offers) > 0 {
			snap.Offers[id] = cloneOffers(offers)
		}
	}
	return snap
}

// Restore replaces the committed state with the snapshot contents.
func (s *MemoryStore) Restore(snap StoreSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = newMemoryState()
	for _, sub := range snap.Submissions {
		s.state.submissions[sub.ID] = cloneSubmission(sub)
	}
	for id, docs := range snap.Documents {
		s.state.documents[id] = cloneDocuments(docs)
	}
	for id, offers := range snap.Offers {
		s.state.offers[id] = cloneOffers(offers)
	}
}
