package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"crobridge/internal/core"
	"crobridge/internal/ledger"
	"crobridge/internal/signature"
	"crobridge/pkg/domain"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crobridge.db")
	store := openStore(t, path)
	if store.Path() != path {
		t.Fatalf("unexpected path %q", store.Path())
	}
	if got := store.ListSubmissions(); len(got) != 0 {
		t.Fatalf("fresh store must be empty, got %d submissions", len(got))
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crobridge.db")
	store := openStore(t, path)

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	sub := domain.Submission{
		Base:        domain.Base{ID: "sub-1", CreatedAt: now, UpdatedAt: now},
		Name:        "stability study",
		PharmaOrgID: "org-1",
		CROID:       "cro-1",
		ServiceType: "adme",
		MoleculeIDs: []string{"mol-1"},
		Status:      domain.StatusDraft,
		Version:     1,
	}
	err := store.RunInSubmission(context.Background(), sub.ID, func(tx *core.Tx) error {
		tx.PutSubmission(sub)
		tx.SetOffers([]domain.PricingOffer{{
			Base:           domain.Base{ID: "off-1", CreatedAt: now, UpdatedAt: now},
			SubmissionID:   sub.ID,
			CostMinorUnits: 500000,
			Currency:       "USD",
			TurnaroundDays: 14,
			Decision:       domain.OfferPending,
		}})
		return nil
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Ledger().Append(context.Background(), ledger.Entry{
		SubmissionID: sub.ID,
		Actor:        domain.Actor{ID: "user-1", Role: domain.RolePharma},
		Action:       domain.ActionCreate,
		Before:       "",
		After:        domain.StatusDraft,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = store.Close()

	reopened := openStore(t, path)
	got, ok := reopened.GetSubmission("sub-1")
	if !ok || got.Name != "stability study" {
		t.Fatalf("submission not recovered: %+v", got)
	}
	offers, _ := reopened.Offers("sub-1")
	if len(offers) != 1 || offers[0].CostMinorUnits != 500000 {
		t.Fatalf("offers not recovered: %+v", offers)
	}
	records := ledger.Collect(reopened.Ledger().History(context.Background(), "sub-1"))
	if len(records) != 1 || records[0].Action != domain.ActionCreate {
		t.Fatalf("audit chain not recovered: %+v", records)
	}
	if err := reopened.Ledger().Verify(context.Background(), "sub-1"); err != nil {
		t.Fatalf("recovered chain broken: %v", err)
	}
}

func TestFullLifecycleThroughSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crobridge.db")
	store := openStore(t, path)
	fake := signature.NewFake()
	svc := core.NewService(store, store.Ledger(), core.WithSignatureProvider(fake))
	ctx := context.Background()
	pharma := domain.Actor{ID: "user-pharma", Role: domain.RolePharma}

	sub, err := svc.CreateSubmission(ctx, pharma, core.CreateSubmissionInput{
		Name:        "permeability panel",
		PharmaOrgID: "org-1",
		CROID:       "cro-1",
		ServiceType: "adme",
		MoleculeIDs: []string{"mol-1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, docType := range []domain.DocumentType{domain.DocumentTypeMTA, domain.DocumentTypeNDA, domain.DocumentTypeExperimentSpec} {
		doc, err := svc.AttachDocument(ctx, sub.ID, pharma, docType, "blob://"+string(docType), "hash-"+string(docType))
		if err != nil {
			t.Fatalf("attach %s: %v", docType, err)
		}
		pending, err := svc.RequestSignature(ctx, sub.ID, doc.ID, pharma, time.Second)
		if err != nil {
			t.Fatalf("request signature: %v", err)
		}
		if _, _, err := svc.RecordSignatureEvent(ctx, signature.Event{EnvelopeID: pending.EnvelopeID, Outcome: signature.OutcomeSigned}); err != nil {
			t.Fatalf("record event: %v", err)
		}
	}

	updated, _, err := svc.Transition(ctx, sub.ID, pharma, core.TransitionInput{Action: domain.ActionSubmit})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if updated.Status != domain.StatusSubmitted {
		t.Fatalf("expected SUBMITTED got %s", updated.Status)
	}
	_ = store.Close()

	// A restarted process sees the committed lifecycle state, and the
	// recovered audit chain replays to the same status.
	reopened := openStore(t, path)
	svc2 := core.NewService(reopened, reopened.Ledger())
	got, err := svc2.GetSubmission(ctx, sub.ID)
	if err != nil || got.Status != domain.StatusSubmitted {
		t.Fatalf("state lost across restart: %+v (err %v)", got, err)
	}
	replayed, err := svc2.ReplayStatus(ctx, sub.ID)
	if err != nil || replayed != domain.StatusSubmitted {
		t.Fatalf("replay after restart: %s (err %v)", replayed, err)
	}
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crobridge.db")
	store := openStore(t, path)
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	sub := domain.Submission{
		Base:        domain.Base{ID: "sub-1", CreatedAt: now, UpdatedAt: now},
		Name:        "stability study",
		PharmaOrgID: "org-1",
		CROID:       "cro-1",
		ServiceType: "adme",
		MoleculeIDs: []string{"mol-1"},
		Status:      domain.StatusDraft,
		Version:     1,
	}
	err := store.RunInSubmission(ctx, sub.ID, func(tx *core.Tx) error {
		tx.PutSubmission(sub)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Break persistence underneath the store.
	if err := store.DB().Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	mutated := sub
	mutated.Status = domain.StatusSubmitted
	mutated.Version = 2
	err = store.RunInSubmission(ctx, sub.ID, func(tx *core.Tx) error {
		tx.PutSubmission(mutated)
		return nil
	})
	if err == nil {
		t.Fatalf("expected snapshot write to fail")
	}
	got, ok := store.GetSubmission(sub.ID)
	if !ok || got.Status != domain.StatusDraft || got.Version != 1 {
		t.Fatalf("failed commit must leave visible state unchanged: %+v", got)
	}
}

func TestPersistFailureDropsUnpersistedAuditRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crobridge.db")
	store := openStore(t, path)
	ctx := context.Background()

	entry := ledger.Entry{
		SubmissionID: "sub-1",
		Actor:        domain.Actor{ID: "user-1", Role: domain.RolePharma},
		Action:       domain.ActionCreate,
		After:        domain.StatusDraft,
	}
	if _, err := store.Ledger().Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.DB().Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	second := entry
	second.Action = domain.ActionSubmit
	second.Before = domain.StatusDraft
	second.After = domain.StatusSubmitted
	if _, err := store.Ledger().Append(ctx, second); err == nil {
		t.Fatalf("expected append to fail once snapshots cannot be written")
	}
	records := ledger.Collect(store.Ledger().History(ctx, "sub-1"))
	if len(records) != 1 || records[0].Action != domain.ActionCreate {
		t.Fatalf("in-memory chain must match the persisted chain: %+v", records)
	}
}

func TestLoadRejectsTamperedChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crobridge.db")
	store := openStore(t, path)
	if _, err := store.Ledger().Append(context.Background(), ledger.Entry{
		SubmissionID: "sub-1",
		Actor:        domain.Actor{ID: "user-1", Role: domain.RolePharma},
		Action:       domain.ActionCreate,
		After:        domain.StatusDraft,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Corrupt the stored content hash directly in the database.
	if _, err := store.DB().Exec(
		`UPDATE state SET payload = replace(payload, ?, ?) WHERE bucket = 'audit'`,
		`"content_hash"`, `"content_hasX"`,
	); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	if _, err := Open(path); err == nil {
		t.Fatalf("expected load failure on tampered audit payload")
	}
}
