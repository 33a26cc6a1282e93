package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crobridge/pkg/domain"
)

func draftSubmission(id string, created time.Time) Submission {
	return Submission{
		Base:        Base{ID: id, CreatedAt: created, UpdatedAt: created},
		Name:        "submission " + id,
		PharmaOrgID: "org-1",
		CROID:       "cro-1",
		ServiceType: "adme",
		MoleculeIDs: []string{"mol-1"},
		Status:      StatusDraft,
		Version:     1,
	}
}

func seedSubmission(t *testing.T, store *MemoryStore, sub Submission) {
	t.Helper()
	err := store.RunInSubmission(context.Background(), sub.ID, func(tx *Tx) error {
		tx.PutSubmission(sub)
		return nil
	})
	if err != nil {
		t.Fatalf("seed submission: %v", err)
	}
}

func TestRunInSubmissionCommitsOnSuccess(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedSubmission(t, store, draftSubmission("sub-1", now))

	err := store.RunInSubmission(context.Background(), "sub-1", func(tx *Tx) error {
		sub, ok := tx.Submission()
		if !ok {
			t.Fatalf("expected submission in transaction")
		}
		sub.Status = StatusSubmitted
		sub.Version++
		tx.PutSubmission(sub)
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	got, ok := store.GetSubmission("sub-1")
	if !ok || got.Status != StatusSubmitted || got.Version != 2 {
		t.Fatalf("commit not visible: %+v", got)
	}
}

func TestRunInSubmissionAbortsOnError(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedSubmission(t, store, draftSubmission("sub-1", now))

	boom := errors.New("guard refused")
	err := store.RunInSubmission(context.Background(), "sub-1", func(tx *Tx) error {
		sub, _ := tx.Submission()
		sub.Status = StatusCancelled
		tx.PutSubmission(sub)
		tx.SetDocuments([]RequiredDocument{{Base: Base{ID: "doc-1"}, SubmissionID: "sub-1"}})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transaction error, got %v", err)
	}

	got, _ := store.GetSubmission("sub-1")
	if got.Status != StatusDraft {
		t.Fatalf("aborted transaction must not be visible: %+v", got)
	}
	if docs, _ := store.Documents("sub-1"); len(docs) != 0 {
		t.Fatalf("aborted document write leaked: %+v", docs)
	}
}

func TestTransactionSnapshotsAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	sub := draftSubmission("sub-1", now)
	sub.MoleculeIDs = []string{"mol-1", "mol-2"}
	seedSubmission(t, store, sub)

	got, _ := store.GetSubmission("sub-1")
	got.MoleculeIDs[0] = "tampered"
	fresh, _ := store.GetSubmission("sub-1")
	if fresh.MoleculeIDs[0] != "mol-1" {
		t.Fatalf("store state shared with caller slice")
	}

	err := store.RunInSubmission(context.Background(), "sub-1", func(tx *Tx) error {
		working, _ := tx.Submission()
		working.MoleculeIDs[0] = "tx-local"
		// Not put back: the mutation must stay private.
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	fresh, _ = store.GetSubmission("sub-1")
	if fresh.MoleculeIDs[0] != "mol-1" {
		t.Fatalf("transaction working copy leaked into store")
	}
}

func TestDistinctSubmissionsDoNotContend(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedSubmission(t, store, draftSubmission("sub-a", now))
	seedSubmission(t, store, draftSubmission("sub-b", now))

	aEntered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- store.RunInSubmission(context.Background(), "sub-a", func(tx *Tx) error {
			close(aEntered)
			<-release
			return nil
		})
	}()

	<-aEntered
	// While sub-a's transaction is held open, sub-b must stay writable.
	bDone := make(chan error, 1)
	go func() {
		bDone <- store.RunInSubmission(context.Background(), "sub-b", func(tx *Tx) error {
			sub, _ := tx.Submission()
			sub.Status = StatusCancelled
			tx.PutSubmission(sub)
			return nil
		})
	}()

	select {
	case err := <-bDone:
		if err != nil {
			t.Fatalf("sub-b transaction: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("transaction on unrelated submission blocked")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("sub-a transaction: %v", err)
	}
}

func TestSameSubmissionTransactionsSerialize(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedSubmission(t, store, draftSubmission("sub-1", now))

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.RunInSubmission(context.Background(), "sub-1", func(tx *Tx) error {
				sub, _ := tx.Submission()
				sub.Version++
				tx.PutSubmission(sub)
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := store.GetSubmission("sub-1")
	if got.Version != 1+n {
		t.Fatalf("lost update: expected version %d got %d", 1+n, got.Version)
	}
}

func TestListSubmissionsOrdersByCreation(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedSubmission(t, store, draftSubmission("sub-c", base.Add(2*time.Minute)))
	seedSubmission(t, store, draftSubmission("sub-a", base))
	seedSubmission(t, store, draftSubmission("sub-b", base.Add(time.Minute)))

	got := store.ListSubmissions()
	if len(got) != 3 || got[0].ID != "sub-a" || got[1].ID != "sub-b" || got[2].ID != "sub-c" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestFindByEnvelope(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedSubmission(t, store, draftSubmission("sub-1", now))
	err := store.RunInSubmission(context.Background(), "sub-1", func(tx *Tx) error {
		tx.SetDocuments([]RequiredDocument{{
			Base:         Base{ID: "doc-1", CreatedAt: now, UpdatedAt: now},
			SubmissionID: "sub-1",
			Type:         domain.DocumentTypeNDA,
			Status:       domain.DocumentStatusPendingSignature,
			EnvelopeID:   "env-1",
		}})
		return nil
	})
	if err != nil {
		t.Fatalf("seed documents: %v", err)
	}

	if id, ok := store.FindByEnvelope("env-1"); !ok || id != "sub-1" {
		t.Fatalf("expected sub-1 for env-1, got %q ok=%v", id, ok)
	}
	if _, ok := store.FindByEnvelope("env-missing"); ok {
		t.Fatalf("unknown envelope must not resolve")
	}
	if _, ok := store.FindByEnvelope(""); ok {
		t.Fatalf("empty envelope must not resolve")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	sub := draftSubmission("sub-1", now)
	sub.Status = StatusPricingProvided
	seedSubmission(t, store, sub)
	err := store.RunInSubmission(context.Background(), "sub-1", func(tx *Tx) error {
		tx.SetDocuments([]RequiredDocument{{
			Base:         Base{ID: "doc-1", CreatedAt: now, UpdatedAt: now},
			SubmissionID: "sub-1",
			Type:         domain.DocumentTypeMTA,
			Status:       domain.DocumentStatusSigned,
			ContentHash:  "h1",
			SignedHash:   "h1",
		}})
		tx.SetOffers([]PricingOffer{{
			Base:           Base{ID: "off-1", CreatedAt: now, UpdatedAt: now},
			SubmissionID:   "sub-1",
			CostMinorUnits: 500000,
			Currency:       "USD",
			TurnaroundDays: 14,
			Decision:       domain.OfferPending,
		}})
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	snap := store.Snapshot()
	restored := NewMemoryStore()
	restored.Restore(snap)

	got, ok := restored.GetSubmission("sub-1")
	if !ok || got.Status != StatusPricingProvided {
		t.Fatalf("submission not restored: %+v", got)
	}
	docs, _ := restored.Documents("sub-1")
	if len(docs) != 1 || docs[0].SignedHash != "h1" {
		t.Fatalf("documents not restored: %+v", docs)
	}
	offers, _ := restored.Offers("sub-1")
	if len(offers) != 1 || offers[0].CostMinorUnits != 500000 {
		t.Fatalf("offers not restored: %+v", offers)
	}
}

func TestRunInSubmissionHonoursContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.RunInSubmission(ctx, "sub-1", func(tx *Tx) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
