// Package domain defines the core persistent entities, value types, and
// guard evaluation primitives used by crobridge.
package domain

import (
	"encoding/json"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in audit records and persistence buckets.
const (
	// EntitySubmission identifies a submission record.
	EntitySubmission EntityType = "submission"
	// EntityDocument identifies a required document record.
	EntityDocument EntityType = "required_document"
	// EntityPricingOffer identifies a pricing offer record.
	EntityPricingOffer EntityType = "pricing_offer"
	// EntityAuditRecord identifies an audit ledger record.
	EntityAuditRecord EntityType = "audit_record"
)

// Role identifies the organization class an actor belongs to.
type Role string

// Actor roles recognised by transition authorization.
const (
	// RolePharma is the sponsoring pharma organization.
	RolePharma Role = "pharma"
	// RoleCRO is the contract research organization executing the work.
	RoleCRO Role = "cro"
)

// Actor is the authenticated identity requesting a transition.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Status enumerates the canonical submission lifecycle states.
type Status string

// Submission lifecycle states. DRAFT is initial; COMPLETED, CANCELLED and
// REJECTED are terminal and retained indefinitely for audit purposes.
const (
	StatusDraft           Status = "DRAFT"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPendingReview   Status = "PENDING_REVIEW"
	StatusPricingProvided Status = "PRICING_PROVIDED"
	StatusApproved        Status = "APPROVED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusResultsUploaded Status = "RESULTS_UPLOADED"
	StatusResultsReviewed Status = "RESULTS_REVIEWED"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
)

// DocumentStatus enumerates required-document signature states.
type DocumentStatus string

// Document signature states tracked by the document gate.
const (
	DocumentStatusDraft            DocumentStatus = "DRAFT"
	DocumentStatusPendingSignature DocumentStatus = "PENDING_SIGNATURE"
	DocumentStatusSigned           DocumentStatus = "SIGNED"
	DocumentStatusRejected         DocumentStatus = "REJECTED"
	DocumentStatusExpired          DocumentStatus = "EXPIRED"
	DocumentStatusArchived         DocumentStatus = "ARCHIVED"
)

// DocumentType identifies a legal or scientific document class required
// before a submission stage may proceed.
type DocumentType string

// Document classes in the default requirement configuration.
const (
	DocumentTypeMTA              DocumentType = "MTA"
	DocumentTypeNDA              DocumentType = "NDA"
	DocumentTypeExperimentSpec   DocumentType = "EXPERIMENT_SPECIFICATION"
	DocumentTypeServiceAgreement DocumentType = "SERVICE_AGREEMENT"
	DocumentTypeResultsCert      DocumentType = "RESULTS_CERTIFICATION"
)

// OfferDecision enumerates pharma decisions on a pricing offer.
type OfferDecision string

// Pricing offer decisions. Only the latest non-superseded offer is authoritative.
const (
	OfferPending    OfferDecision = "PENDING"
	OfferApproved   OfferDecision = "APPROVED"
	OfferRejected   OfferDecision = "REJECTED"
	OfferSuperseded OfferDecision = "SUPERSEDED"
)

// Severity captures guard outcomes.
type Severity string

// Guard evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks the transition.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows the transition.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Submission is a request from a pharma organization to a CRO for
// experimental testing of selected molecules. Status mutates only through
// the state machine; every transition is ledgered before it is visible.
type Submission struct {
	Base
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	PharmaOrgID     string          `json:"pharma_org_id"`
	CROID           string          `json:"cro_id"`
	ServiceType     string          `json:"service_type"`
	Status          Status          `json:"status"`
	MoleculeIDs     []string        `json:"molecule_ids"`
	Specification   json.RawMessage `json:"specification,omitempty"`
	ResultsRef      string          `json:"results_ref,omitempty"`
	ResultsHash     string          `json:"results_hash,omitempty"`
	Version         int64           `json:"version"`
	LatestChainLink string          `json:"latest_chain_link,omitempty"`
}

// RequiredDocument tracks a single document the gate demands for a
// submission. A SIGNED document is bound to an immutable content hash;
// resubmission creates a new record and archives this one.
type RequiredDocument struct {
	Base
	SubmissionID string         `json:"submission_id"`
	Type         DocumentType   `json:"type"`
	Required     bool           `json:"required"`
	SignerRoles  []Role         `json:"signer_roles"`
	Status       DocumentStatus `json:"status"`
	ContentRef   string         `json:"content_ref,omitempty"`
	ContentHash  string         `json:"content_hash,omitempty"`
	SignedHash   string         `json:"signed_hash,omitempty"`
	EnvelopeID   string         `json:"envelope_id,omitempty"`
	SignedAt     *time.Time     `json:"signed_at,omitempty"`
}

// PricingOffer records a CRO cost/timeline quote for a submission. Cost is
// stored in integer minor currency units to avoid floating-point drift.
type PricingOffer struct {
	Base
	SubmissionID   string        `json:"submission_id"`
	CostMinorUnits int64         `json:"cost_minor_units"`
	Currency       string        `json:"currency"`
	TurnaroundDays int           `json:"turnaround_days"`
	OfferedBy      string        `json:"offered_by"`
	OfferedAt      time.Time     `json:"offered_at"`
	Decision       OfferDecision `json:"decision"`
	DecidedBy      string        `json:"decided_by,omitempty"`
	DecidedAt      *time.Time    `json:"decided_at,omitempty"`
}

// AuditRecord is one immutable entry in a submission's hash chain. Seq is
// monotonic per submission; ContentHash covers every field except the
// hashes themselves; ChainLink chains to the prior record.
type AuditRecord struct {
	SubmissionID  string    `json:"submission_id"`
	Seq           uint64    `json:"seq"`
	ActorID       string    `json:"actor_id"`
	ActorRole     Role      `json:"actor_role"`
	Action        Action    `json:"action"`
	BeforeStatus  Status    `json:"before_status"`
	AfterStatus   Status    `json:"after_status"`
	Timestamp     time.Time `json:"timestamp"`
	ContentHash   string    `json:"content_hash"`
	PrevChainLink string    `json:"prev_chain_link"`
	ChainLink     string    `json:"chain_link"`
}

// TransitionEvent is published to the notification dispatcher after a
// transition commits. Delivery is fire-and-forget, at-least-once.
type TransitionEvent struct {
	SubmissionID string    `json:"submission_id"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	Action       Action    `json:"action"`
	Actor        Actor     `json:"actor"`
	Timestamp    time.Time `json:"timestamp"`
}

// Violation reports a failed guard evaluation.
type Violation struct {
	Guard        string
	Severity     Severity
	Message      string
	SubmissionID string
}

// Result aggregates violations from the guard engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// FirstBlocking returns the first blocking violation, if any.
func (r Result) FirstBlocking() (Violation, bool) {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return v, true
		}
	}
	return Violation{}, false
}
