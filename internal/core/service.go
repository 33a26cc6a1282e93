package core

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"time"

	"crobridge/internal/docgate"
	"crobridge/internal/ledger"
	"crobridge/internal/notify"
	"crobridge/internal/pricing"
	"crobridge/internal/signature"
	"crobridge/pkg/domain"

	"github.com/google/uuid"
)

const (
	defaultSignatureTimeout = 30 * time.Second
	defaultRetryBudget      = 3
	retryBackoffBase        = 10 * time.Millisecond
)

// Service orchestrates the submission lifecycle: it resolves transitions
// against the table, evaluates guards inside the store's serialization
// boundary, appends to the audit ledger before any status write, and
// publishes events after commit.
type Service struct {
	store       Store
	ledger      ledger.Ledger
	guards      *domain.GuardEngine
	gate        docgate.Config
	signer      signature.Provider
	dispatcher  notify.Dispatcher
	logger      Logger
	metrics     MetricsRecorder
	tracer      Tracer
	retryBudget int
}

// ServiceOption customizes a Service at construction.
type ServiceOption func(*Service)

// WithLogger installs a structured logger.
func WithLogger(l Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(m MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer installs an operation tracer.
func WithTracer(t Tracer) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithGateConfig replaces the document requirement configuration.
func WithGateConfig(cfg docgate.Config) ServiceOption {
	return func(s *Service) { s.gate = cfg }
}

// WithSignatureProvider installs the e-signature provider client.
func WithSignatureProvider(p signature.Provider) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.signer = p
		}
	}
}

// WithDispatcher installs the post-commit event dispatcher.
func WithDispatcher(d notify.Dispatcher) ServiceOption {
	return func(s *Service) {
		if d != nil {
			s.dispatcher = d
		}
	}
}

// WithRetryBudget bounds internal retries on concurrent-modification
// conflicts before the error surfaces to the caller.
func WithRetryBudget(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.retryBudget = n
		}
	}
}

// NewService constructs a lifecycle service over the given store and
// ledger. Guards for the document gate, pricing and results payloads are
// always registered.
func NewService(store Store, led ledger.Ledger, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		ledger:      led,
		gate:        docgate.DefaultConfig(),
		signer:      signature.NewFake(),
		dispatcher:  notify.Noop(),
		logger:      noopLogger{},
		metrics:     noopMetricsRecorder{},
		tracer:      noopTracer{},
		retryBudget: defaultRetryBudget,
	}
	for _, opt := range opts {
		opt(s)
	}
	engine := domain.NewGuardEngine()
	engine.Register(DocumentGateGuard(s.gate))
	engine.Register(PricingGuard())
	engine.Register(ResultsGuard())
	s.guards = engine
	return s
}

// Store exposes the underlying store for read paths and persistence.
func (s *Service) Store() Store {
	return s.store
}

// GateConfig returns the active document requirement configuration.
func (s *Service) GateConfig() docgate.Config {
	return s.gate
}

func (s *Service) instrument(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, operation)
	err := fn(ctx)
	span.End(err)
	s.metrics.Observe(ctx, operation, err == nil, time.Since(start))
	return err
}

// CreateSubmissionInput carries the sponsor-supplied fields of a new
// submission.
type CreateSubmissionInput struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	PharmaOrgID   string          `json:"pharma_org_id"`
	CROID         string          `json:"cro_id"`
	ServiceType   string          `json:"service_type"`
	MoleculeIDs   []string        `json:"molecule_ids"`
	Specification json.RawMessage `json:"specification,omitempty"`
}

func (in CreateSubmissionInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return domain.NewValidation("submission name is required")
	}
	if strings.TrimSpace(in.PharmaOrgID) == "" {
		return domain.NewValidation("pharma organization id is required")
	}
	if strings.TrimSpace(in.CROID) == "" {
		return domain.NewValidation("cro id is required")
	}
	if strings.TrimSpace(in.ServiceType) == "" {
		return domain.NewValidation("service type is required")
	}
	if len(in.MoleculeIDs) == 0 {
		return domain.NewValidation("at least one molecule id is required")
	}
	return nil
}

// CreateSubmission creates a DRAFT submission and writes its genesis audit
// record. Only pharma actors create submissions.
func (s *Service) CreateSubmission(ctx context.Context, actor Actor, in CreateSubmissionInput) (Submission, error) {
	var created Submission
	err := s.instrument(ctx, "create_submission", func(ctx context.Context) error {
		if actor.Role != RolePharma {
			return domain.NewUnauthorized("", actor.Role, ActionCreate)
		}
		if err := in.validate(); err != nil {
			return err
		}
		id := "sub_" + uuid.NewString()
		return s.store.RunInSubmission(ctx, id, func(tx *Tx) error {
			now := tx.Now()
			sub := Submission{
				Base:          Base{ID: id, CreatedAt: now, UpdatedAt: now},
				Name:          in.Name,
				Description:   in.Description,
				PharmaOrgID:   in.PharmaOrgID,
				CROID:         in.CROID,
				ServiceType:   in.ServiceType,
				MoleculeIDs:   append([]string(nil), in.MoleculeIDs...),
				Specification: in.Specification,
				Status:        StatusDraft,
				Version:       1,
			}
			rec, err := s.ledger.Append(ctx, ledger.Entry{
				SubmissionID: id,
				Actor:        actor,
				Action:       ActionCreate,
				Before:       "",
				After:        StatusDraft,
			})
			if err != nil {
				return asLedgerFailure(id, err)
			}
			sub.LatestChainLink = rec.ChainLink
			tx.PutSubmission(sub)
			created = sub
			return nil
		})
	})
	if err != nil {
		return Submission{}, err
	}
	s.logger.Info("submission created", "submission_id", created.ID, "pharma_org", created.PharmaOrgID, "cro", created.CROID)
	return created, nil
}

// OfferTerms carries the CRO quote accompanying provide_pricing.
type OfferTerms struct {
	CostMinorUnits int64  `json:"cost_minor_units"`
	Currency       string `json:"currency"`
	TurnaroundDays int    `json:"turnaround_days"`
}

// TransitionInput carries a transition request and its action-specific
// payload.
type TransitionInput struct {
	Action Action `json:"action"`
	// ExpectedVersion, when positive, must match the submission's current
	// version or the transition fails with ConcurrentModification.
	ExpectedVersion int64       `json:"expected_version,omitempty"`
	Offer           *OfferTerms `json:"offer,omitempty"`
	ResultsRef      string      `json:"results_ref,omitempty"`
	ResultsHash     string      `json:"results_hash,omitempty"`
}

// Transition applies one lifecycle action. Guard evaluation, the audit
// append and the status write happen inside the submission's serialization
// boundary; the append strictly precedes the visible status change.
// Concurrent-modification conflicts are retried with bounded backoff.
func (s *Service) Transition(ctx context.Context, submissionID string, actor Actor, in TransitionInput) (Submission, AuditRecord, error) {
	var (
		updated Submission
		rec     AuditRecord
	)
	err := s.instrument(ctx, "transition_"+string(in.Action), func(ctx context.Context) error {
		var err error
		for attempt := 0; ; attempt++ {
			updated, rec, err = s.transitionOnce(ctx, submissionID, actor, in)
			if !domain.IsKind(err, domain.KindConcurrentModification) || attempt >= s.retryBudget {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoffBase * time.Duration(attempt+1)):
			}
		}
	})
	if err != nil {
		return Submission{}, AuditRecord{}, err
	}

	event := TransitionEvent{
		SubmissionID: updated.ID,
		From:         rec.BeforeStatus,
		To:           rec.AfterStatus,
		Action:       rec.Action,
		Actor:        actor,
		Timestamp:    rec.Timestamp,
	}
	if err := s.dispatcher.Notify(ctx, event); err != nil {
		// Delivery is at-least-once and off the commit path.
		s.logger.Warn("event dispatch failed", "submission_id", updated.ID, "action", rec.Action, "error", err)
	}
	s.logger.Info("transition applied", "submission_id", updated.ID, "action", rec.Action, "from", rec.BeforeStatus, "to", rec.AfterStatus, "seq", rec.Seq)
	return updated, rec, nil
}

func (s *Service) transitionOnce(ctx context.Context, submissionID string, actor Actor, in TransitionInput) (Submission, AuditRecord, error) {
	var (
		updated Submission
		rec     AuditRecord
	)
	err := s.store.RunInSubmission(ctx, submissionID, func(tx *Tx) error {
		sub, ok := tx.Submission()
		if !ok {
			return domain.NewNotFound(EntitySubmission, submissionID)
		}
		if in.ExpectedVersion > 0 && in.ExpectedVersion != sub.Version {
			return domain.NewConcurrentModification(submissionID)
		}
		spec, ok := domain.Lookup(sub.Status, in.Action)
		if !ok {
			return domain.NewInvalidTransition(submissionID, sub.Status, in.Action)
		}
		if !spec.RoleAllowed(actor.Role) {
			return domain.NewUnauthorized(submissionID, actor.Role, in.Action)
		}

		now := tx.Now()
		from := sub.Status
		switch in.Action {
		case ActionProvidePricing:
			if in.Offer == nil {
				return domain.NewGuardNotSatisfied(submissionID, in.Action, "no pricing offer supplied")
			}
			offers, _, err := pricing.Offer(tx.Offers(), submissionID, in.Offer.CostMinorUnits, in.Offer.Currency, in.Offer.TurnaroundDays, actor, now)
			if err != nil {
				return err
			}
			tx.SetOffers(offers)
		case ActionApprove:
			offers, err := pricing.Decide(tx.Offers(), submissionID, domain.OfferApproved, actor, now)
			if err != nil {
				return err
			}
			tx.SetOffers(offers)
		case ActionReject:
			offers, err := pricing.Decide(tx.Offers(), submissionID, domain.OfferRejected, actor, now)
			if err != nil {
				return err
			}
			tx.SetOffers(offers)
		case ActionRequestChanges:
			offers, err := pricing.Supersede(tx.Offers(), submissionID, now)
			if err != nil {
				return err
			}
			tx.SetOffers(offers)
		case ActionUploadResults:
			if in.ResultsRef == "" || in.ResultsHash == "" {
				return domain.NewGuardNotSatisfied(submissionID, in.Action, "results reference and content hash are required")
			}
			sub.ResultsRef = in.ResultsRef
			sub.ResultsHash = in.ResultsHash
			tx.PutSubmission(sub)
		}

		res, err := s.guards.Evaluate(ctx, tx.View(), domain.Transition{
			Submission: sub,
			Action:     in.Action,
			Actor:      actor,
			From:       from,
			To:         spec.To,
		})
		if err != nil {
			return err
		}
		if v, blocked := res.FirstBlocking(); blocked {
			return domain.NewGuardNotSatisfied(submissionID, in.Action, v.Message)
		}
		for _, v := range res.Violations {
			if v.Severity == SeverityWarn {
				s.logger.Warn("guard warning", "submission_id", submissionID, "guard", v.Guard, "message", v.Message)
			}
		}

		appended, err := s.ledger.Append(ctx, ledger.Entry{
			SubmissionID: submissionID,
			Actor:        actor,
			Action:       in.Action,
			Before:       from,
			After:        spec.To,
		})
		if err != nil {
			return asLedgerFailure(submissionID, err)
		}

		sub.Status = spec.To
		sub.Version++
		sub.LatestChainLink = appended.ChainLink
		sub.UpdatedAt = now
		tx.PutSubmission(sub)
		updated, rec = sub, appended
		return nil
	})
	if err != nil {
		return Submission{}, AuditRecord{}, err
	}
	return updated, rec, nil
}

func asLedgerFailure(submissionID string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) && de.Kind == domain.KindLedgerAppendFailure {
		return err
	}
	return domain.NewLedgerAppendFailure(submissionID, err)
}

// AttachDocument binds document content to a submission, archiving any
// prior version of the same type. Attachments are rejected once the
// submission reaches a terminal state.
func (s *Service) AttachDocument(ctx context.Context, submissionID string, actor Actor, docType DocumentType, contentRef, contentHash string) (RequiredDocument, error) {
	var doc RequiredDocument
	err := s.instrument(ctx, "attach_document", func(ctx context.Context) error {
		return s.store.RunInSubmission(ctx, submissionID, func(tx *Tx) error {
			sub, ok := tx.Submission()
			if !ok {
				return domain.NewNotFound(EntitySubmission, submissionID)
			}
			if sub.Status.Terminal() {
				return domain.NewValidation("submission %s is %s; documents can no longer be attached", submissionID, sub.Status)
			}
			docs, attached, err := docgate.Attach(s.gate, tx.Documents(), sub, docType, contentRef, contentHash, tx.Now())
			if err != nil {
				return err
			}
			tx.SetDocuments(docs)
			doc = attached
			return nil
		})
	})
	if err != nil {
		return RequiredDocument{}, err
	}
	s.logger.Info("document attached", "submission_id", submissionID, "document_id", doc.ID, "type", doc.Type, "actor", actor.ID)
	return doc, nil
}

// RequestSignature routes a document to the e-signature provider and marks
// it pending. The provider call is bounded by timeout; on expiry the
// document still moves to PENDING_SIGNATURE with the envelope unresolved,
// and a later re-request refreshes it.
func (s *Service) RequestSignature(ctx context.Context, submissionID, documentID string, actor Actor, timeout time.Duration) (RequiredDocument, error) {
	if timeout <= 0 {
		timeout = defaultSignatureTimeout
	}
	var doc RequiredDocument
	err := s.instrument(ctx, "request_signature", func(ctx context.Context) error {
		docs, ok := s.store.Documents(submissionID)
		if !ok {
			return domain.NewNotFound(EntitySubmission, submissionID)
		}
		var target RequiredDocument
		found := false
		for _, d := range docs {
			if d.ID == documentID {
				target, found = d, true
				break
			}
		}
		if !found {
			return domain.NewNotFound(EntityDocument, documentID)
		}
		if target.Status != domain.DocumentStatusDraft && target.Status != domain.DocumentStatusPendingSignature {
			return domain.NewValidation("document %s is %s, not awaiting signature", documentID, target.Status)
		}

		// The provider call runs outside the submission lock; only the
		// resulting envelope binding is applied transactionally.
		cctx, cancel := context.WithTimeout(ctx, timeout)
		envelopeID, err := s.signer.RequestSignature(cctx, signature.Request{
			SubmissionID: submissionID,
			DocumentID:   documentID,
			ContentRef:   target.ContentRef,
			ContentHash:  target.ContentHash,
			SignerRoles:  target.SignerRoles,
		})
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				return domain.NewValidation("signature request for document %s failed: %v", documentID, err)
			}
			s.logger.Warn("signature request timed out; envelope pending", "submission_id", submissionID, "document_id", documentID)
			envelopeID = ""
		}

		return s.store.RunInSubmission(ctx, submissionID, func(tx *Tx) error {
			updated, err := docgate.MarkPendingSignature(tx.Documents(), documentID, envelopeID, tx.Now())
			if err != nil {
				return err
			}
			tx.SetDocuments(updated)
			for _, d := range updated {
				if d.ID == documentID {
					doc = d
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return RequiredDocument{}, err
	}
	s.logger.Info("signature requested", "submission_id", submissionID, "document_id", documentID, "envelope_id", doc.EnvelopeID, "actor", actor.ID)
	return doc, nil
}

// RecordSignatureEvent applies a provider webhook callback. Replays of an
// already-applied envelope outcome are no-ops; the returned flag reports
// whether the document changed.
func (s *Service) RecordSignatureEvent(ctx context.Context, event signature.Event) (RequiredDocument, bool, error) {
	var (
		doc     RequiredDocument
		changed bool
	)
	err := s.instrument(ctx, "record_signature_event", func(ctx context.Context) error {
		submissionID, ok := s.store.FindByEnvelope(event.EnvelopeID)
		if !ok {
			return domain.NewNotFound(EntityDocument, "envelope "+event.EnvelopeID)
		}
		return s.store.RunInSubmission(ctx, submissionID, func(tx *Tx) error {
			updated, applied, err := docgate.ApplySignatureEvent(tx.Documents(), event.EnvelopeID, outcomeStatus(event.Outcome), tx.Now())
			if err != nil {
				return err
			}
			tx.SetDocuments(updated)
			changed = applied
			for _, d := range updated {
				if d.EnvelopeID == event.EnvelopeID {
					doc = d
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return RequiredDocument{}, false, err
	}
	if changed {
		s.logger.Info("signature event applied", "envelope_id", event.EnvelopeID, "outcome", event.Outcome, "document_id", doc.ID)
	}
	return doc, changed, nil
}

func outcomeStatus(o signature.Outcome) DocumentStatus {
	switch o {
	case signature.OutcomeSigned:
		return domain.DocumentStatusSigned
	case signature.OutcomeRejected:
		return domain.DocumentStatusRejected
	case signature.OutcomeExpired:
		return domain.DocumentStatusExpired
	}
	return DocumentStatus(o)
}

// ExpireStaleDocuments applies the operator timeout policy across all
// submissions: documents pending signature since before cutoff become
// EXPIRED. It returns the number of documents expired.
func (s *Service) ExpireStaleDocuments(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	err := s.instrument(ctx, "expire_stale_documents", func(ctx context.Context) error {
		for _, sub := range s.store.ListSubmissions() {
			submissionID := sub.ID
			err := s.store.RunInSubmission(ctx, submissionID, func(tx *Tx) error {
				updated, n := docgate.ExpireStale(tx.Documents(), cutoff, tx.Now())
				if n > 0 {
					tx.SetDocuments(updated)
					total += n
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if total > 0 {
		s.logger.Info("stale signature requests expired", "count", total)
	}
	return total, nil
}

// GetSubmission returns a submission by id.
func (s *Service) GetSubmission(_ context.Context, id string) (Submission, error) {
	sub, ok := s.store.GetSubmission(id)
	if !ok {
		return Submission{}, domain.NewNotFound(EntitySubmission, id)
	}
	return sub, nil
}

// ListSubmissions returns all submissions in creation order.
func (s *Service) ListSubmissions(_ context.Context) []Submission {
	return s.store.ListSubmissions()
}

// Documents returns the document set for a submission.
func (s *Service) Documents(_ context.Context, submissionID string) ([]RequiredDocument, error) {
	if _, ok := s.store.GetSubmission(submissionID); !ok {
		return nil, domain.NewNotFound(EntitySubmission, submissionID)
	}
	docs, _ := s.store.Documents(submissionID)
	return docs, nil
}

// Offers returns the pricing offer history for a submission.
func (s *Service) Offers(_ context.Context, submissionID string) ([]PricingOffer, error) {
	if _, ok := s.store.GetSubmission(submissionID); !ok {
		return nil, domain.NewNotFound(EntitySubmission, submissionID)
	}
	offers, _ := s.store.Offers(submissionID)
	return offers, nil
}

// History returns the submission's audit records in sequence order.
func (s *Service) History(ctx context.Context, submissionID string) iter.Seq[AuditRecord] {
	return s.ledger.History(ctx, submissionID)
}

// VerifyAudit recomputes the submission's hash chain. Violations are
// surfaced on the operator alert path, never auto-corrected.
func (s *Service) VerifyAudit(ctx context.Context, submissionID string) error {
	err := s.ledger.Verify(ctx, submissionID)
	if err != nil {
		s.logger.Error("audit chain verification failed", "submission_id", submissionID, "error", err)
	}
	return err
}

// ReplayStatus folds the audit history and reports the status it
// reproduces. A mismatch against the stored submission means the ledger
// and the store have diverged.
func (s *Service) ReplayStatus(ctx context.Context, submissionID string) (Status, error) {
	sub, ok := s.store.GetSubmission(submissionID)
	if !ok {
		return "", domain.NewNotFound(EntitySubmission, submissionID)
	}
	var replayed Status
	seen := false
	for rec := range s.ledger.History(ctx, submissionID) {
		replayed = rec.AfterStatus
		seen = true
	}
	if !seen {
		return "", domain.NewIntegrityViolation(submissionID, 0)
	}
	if replayed != sub.Status {
		s.logger.Error("replayed status diverges from store", "submission_id", submissionID, "replayed", replayed, "stored", sub.Status)
		return replayed, domain.NewIntegrityViolation(submissionID, 0)
	}
	return replayed, nil
}
