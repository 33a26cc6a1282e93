package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"crobridge/internal/ledger"
	"crobridge/pkg/domain"

	"github.com/google/uuid"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping postgres ledger tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	led, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(led.Close)
	return led
}

func testEntry(submissionID string, action domain.Action, before, after domain.Status) ledger.Entry {
	return ledger.Entry{
		SubmissionID: submissionID,
		Actor:        domain.Actor{ID: "user-1", Role: domain.RolePharma},
		Action:       action,
		Before:       before,
		After:        after,
	}
}

func TestAppendBuildsVerifiableChain(t *testing.T) {
	led := openTestLedger(t)
	ctx := context.Background()
	submissionID := "sub_" + uuid.NewString()

	steps := []struct {
		action        domain.Action
		before, after domain.Status
	}{
		{domain.ActionCreate, "", domain.StatusDraft},
		{domain.ActionSubmit, domain.StatusDraft, domain.StatusSubmitted},
		{domain.ActionBeginReview, domain.StatusSubmitted, domain.StatusPendingReview},
	}
	for i, st := range steps {
		rec, err := led.Append(ctx, testEntry(submissionID, st.action, st.before, st.after))
		if err != nil {
			t.Fatalf("append %s: %v", st.action, err)
		}
		if rec.Seq != uint64(i+1) {
			t.Fatalf("expected seq %d got %d", i+1, rec.Seq)
		}
	}

	if err := led.Verify(ctx, submissionID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	records := ledger.Collect(led.History(ctx, submissionID))
	if len(records) != 3 {
		t.Fatalf("expected 3 records got %d", len(records))
	}
	if records[0].PrevChainLink != ledger.GenesisLink {
		t.Fatalf("first record must chain to genesis")
	}
	head, ok, err := led.Head(ctx, submissionID)
	if err != nil || !ok || head.Seq != 3 {
		t.Fatalf("unexpected head: %+v ok=%v err=%v", head, ok, err)
	}
}

func TestRewriteRejectedBySchema(t *testing.T) {
	led := openTestLedger(t)
	ctx := context.Background()
	submissionID := "sub_" + uuid.NewString()

	if _, err := led.Append(ctx, testEntry(submissionID, domain.ActionCreate, "", domain.StatusDraft)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := led.pool.Exec(ctx,
		`UPDATE audit_records SET content_hash = 'tampered' WHERE submission_id = $1`, submissionID); err == nil {
		t.Fatalf("expected update to be rejected by trigger")
	}
	if _, err := led.pool.Exec(ctx,
		`DELETE FROM audit_records WHERE submission_id = $1`, submissionID); err == nil {
		t.Fatalf("expected delete to be rejected by trigger")
	}
	if err := led.Verify(ctx, submissionID); err != nil {
		t.Fatalf("chain must remain intact: %v", err)
	}
}

func TestHistoryAfterPoolCloseDoesNotPanic(t *testing.T) {
	led := openTestLedger(t)
	ctx := context.Background()
	submissionID := "sub_" + uuid.NewString()

	if _, err := led.Append(ctx, testEntry(submissionID, domain.ActionCreate, "", domain.StatusDraft)); err != nil {
		t.Fatalf("append: %v", err)
	}
	led.pool.Close()

	// History degrades to an empty sequence when the chain cannot be
	// loaded; Verify and Head report the underlying error.
	records := ledger.Collect(led.History(ctx, submissionID))
	if len(records) != 0 {
		t.Fatalf("expected no records after close, got %d", len(records))
	}
	if err := led.Verify(ctx, submissionID); err == nil {
		t.Fatalf("expected verify to surface the load error")
	}
	if _, _, err := led.Head(ctx, submissionID); err == nil {
		t.Fatalf("expected head to surface the load error")
	}
}

func TestConcurrentAppendsKeepPerSubmissionOrder(t *testing.T) {
	led := openTestLedger(t)
	ctx := context.Background()

	submissions := []string{"sub_" + uuid.NewString(), "sub_" + uuid.NewString()}
	const perSubmission = 5

	var wg sync.WaitGroup
	failures := make(chan error, len(submissions)*perSubmission)
	for _, id := range submissions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perSubmission; i++ {
				if _, err := led.Append(ctx, testEntry(id, domain.ActionSubmit, domain.StatusDraft, domain.StatusSubmitted)); err != nil {
					failures <- fmt.Errorf("append on %s: %w", id, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		t.Fatalf("concurrent append failed: %v", err)
	}

	for _, id := range submissions {
		records := ledger.Collect(led.History(ctx, id))
		if len(records) != perSubmission {
			t.Fatalf("expected %d records for %s got %d", perSubmission, id, len(records))
		}
		for i, rec := range records {
			if rec.Seq != uint64(i+1) {
				t.Fatalf("gap in sequence for %s: %+v", id, records)
			}
		}
		if err := led.Verify(ctx, id); err != nil {
			t.Fatalf("chain for %s broken: %v", id, err)
		}
	}
}
