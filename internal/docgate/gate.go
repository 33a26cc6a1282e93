// Package docgate tracks which documents a (CRO, service type) pair
// requires, their signature state, and whether the gate is satisfied.
// Document lists are owned by the core store; the functions here run
// inside the same serialization boundary as lifecycle transitions.
package docgate

import (
	"fmt"
	"time"

	"crobridge/pkg/domain"

	"github.com/google/uuid"
)

// Stage separates pre-submission paperwork from result certification.
type Stage string

// Gate stages checked by lifecycle guards.
const (
	// StagePreSubmission documents gate DRAFT -> SUBMITTED.
	StagePreSubmission Stage = "pre_submission"
	// StageResultCertification documents gate IN_PROGRESS -> RESULTS_UPLOADED.
	StageResultCertification Stage = "result_certification"
)

// Requirement is one document class a submission must carry.
type Requirement struct {
	Type        domain.DocumentType
	Required    bool
	SignerRoles []domain.Role
	Stage       Stage
}

// Config maps (CRO, service type) pairs to their requirement sets. It is
// injected at construction so tests can substitute fixtures; there is no
// global mutable requirement state.
type Config struct {
	// Defaults apply when no override matches.
	Defaults []Requirement
	// Overrides is keyed by croID + "/" + serviceType.
	Overrides map[string][]Requirement
}

// DefaultConfig returns the stock requirement set: MTA, NDA, experiment
// specification and service agreement before submission, and a results
// certification before result upload.
func DefaultConfig() Config {
	return Config{
		Defaults: []Requirement{
			{Type: domain.DocumentTypeMTA, Required: true, SignerRoles: []domain.Role{domain.RolePharma, domain.RoleCRO}, Stage: StagePreSubmission},
			{Type: domain.DocumentTypeNDA, Required: true, SignerRoles: []domain.Role{domain.RolePharma, domain.RoleCRO}, Stage: StagePreSubmission},
			{Type: domain.DocumentTypeExperimentSpec, Required: true, SignerRoles: []domain.Role{domain.RolePharma}, Stage: StagePreSubmission},
			{Type: domain.DocumentTypeServiceAgreement, Required: false, SignerRoles: []domain.Role{domain.RolePharma, domain.RoleCRO}, Stage: StagePreSubmission},
			{Type: domain.DocumentTypeResultsCert, Required: true, SignerRoles: []domain.Role{domain.RoleCRO}, Stage: StageResultCertification},
		},
	}
}

// RequirementsFor resolves the requirement set for a (CRO, service type)
// pair, falling back to the defaults.
func (c Config) RequirementsFor(croID, serviceType string) []Requirement {
	if reqs, ok := c.Overrides[croID+"/"+serviceType]; ok {
		return reqs
	}
	return c.Defaults
}

// requirement looks up the configured requirement for a document type.
func (c Config) requirement(croID, serviceType string, docType domain.DocumentType) (Requirement, bool) {
	for _, req := range c.RequirementsFor(croID, serviceType) {
		if req.Type == docType {
			return req, true
		}
	}
	return Requirement{}, false
}

// active returns the current (non-archived) document of a type, if any.
func active(docs []domain.RequiredDocument, docType domain.DocumentType) (domain.RequiredDocument, bool) {
	for i := len(docs) - 1; i >= 0; i-- {
		if docs[i].Type == docType && docs[i].Status != domain.DocumentStatusArchived {
			return docs[i], true
		}
	}
	return domain.RequiredDocument{}, false
}

// Attach creates a DRAFT RequiredDocument bound to the given content. Any
// previous non-archived document of the same type is archived; a SIGNED
// document is never mutated beyond that marker.
func Attach(cfg Config, docs []domain.RequiredDocument, sub domain.Submission, docType domain.DocumentType, contentRef, contentHash string, now time.Time) ([]domain.RequiredDocument, domain.RequiredDocument, error) {
	if contentRef == "" || contentHash == "" {
		return docs, domain.RequiredDocument{}, domain.NewValidation("document content ref and hash are required")
	}

	out := make([]domain.RequiredDocument, len(docs))
	copy(out, docs)
	for i := range out {
		if out[i].Type == docType && out[i].Status != domain.DocumentStatusArchived {
			out[i].Status = domain.DocumentStatusArchived
			out[i].UpdatedAt = now
		}
	}

	req, configured := cfg.requirement(sub.CROID, sub.ServiceType, docType)
	doc := domain.RequiredDocument{
		Base: domain.Base{
			ID:        "doc_" + uuid.NewString(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		SubmissionID: sub.ID,
		Type:         docType,
		Required:     configured && req.Required,
		SignerRoles:  req.SignerRoles,
		Status:       domain.DocumentStatusDraft,
		ContentRef:   contentRef,
		ContentHash:  contentHash,
	}
	return append(out, doc), doc, nil
}

// MarkPendingSignature records the provider envelope for a DRAFT document
// and moves it to PENDING_SIGNATURE. An empty envelope id is permitted:
// the provider call may have timed out with the envelope still en route.
func MarkPendingSignature(docs []domain.RequiredDocument, documentID, envelopeID string, now time.Time) ([]domain.RequiredDocument, error) {
	idx := -1
	for i := range docs {
		if docs[i].ID == documentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return docs, domain.NewNotFound(domain.EntityDocument, documentID)
	}
	switch docs[idx].Status {
	case domain.DocumentStatusDraft:
	case domain.DocumentStatusPendingSignature:
		// Re-request after a provider timeout; refresh the envelope only.
	default:
		return docs, domain.NewValidation("document %s is %s, not awaiting signature", documentID, docs[idx].Status)
	}

	out := make([]domain.RequiredDocument, len(docs))
	copy(out, docs)
	out[idx].Status = domain.DocumentStatusPendingSignature
	out[idx].EnvelopeID = envelopeID
	out[idx].UpdatedAt = now
	return out, nil
}

// ApplySignatureEvent applies a provider callback to the document holding
// the envelope. Replays are idempotent: once a document has left
// PENDING_SIGNATURE, further events for its envelope change nothing.
func ApplySignatureEvent(docs []domain.RequiredDocument, envelopeID string, outcome domain.DocumentStatus, now time.Time) ([]domain.RequiredDocument, bool, error) {
	switch outcome {
	case domain.DocumentStatusSigned, domain.DocumentStatusRejected, domain.DocumentStatusExpired:
	default:
		return docs, false, domain.NewValidation("signature outcome %s is not terminal", outcome)
	}
	idx := -1
	for i := range docs {
		if docs[i].EnvelopeID == envelopeID && docs[i].EnvelopeID != "" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return docs, false, domain.NewNotFound(domain.EntityDocument, "envelope "+envelopeID)
	}
	if docs[idx].Status != domain.DocumentStatusPendingSignature {
		return docs, false, nil
	}

	out := make([]domain.RequiredDocument, len(docs))
	copy(out, docs)
	out[idx].Status = outcome
	out[idx].UpdatedAt = now
	if outcome == domain.DocumentStatusSigned {
		signedAt := now
		out[idx].SignedAt = &signedAt
		out[idx].SignedHash = out[idx].ContentHash
	}
	return out, true, nil
}

// ExpireStale applies the operator timeout policy: documents pending
// signature since before the cutoff are marked EXPIRED.
func ExpireStale(docs []domain.RequiredDocument, cutoff, now time.Time) ([]domain.RequiredDocument, int) {
	expired := 0
	out := make([]domain.RequiredDocument, len(docs))
	copy(out, docs)
	for i := range out {
		if out[i].Status == domain.DocumentStatusPendingSignature && out[i].UpdatedAt.Before(cutoff) {
			out[i].Status = domain.DocumentStatusExpired
			out[i].UpdatedAt = now
			expired++
		}
	}
	return out, expired
}

// Satisfied reports whether every required document for the stage is
// SIGNED with its signature binding matching the currently attached
// content. The condition string names the unmet requirement.
func Satisfied(cfg Config, sub domain.Submission, docs []domain.RequiredDocument, stage Stage) (bool, string) {
	required := 0
	unsigned := 0
	for _, req := range cfg.RequirementsFor(sub.CROID, sub.ServiceType) {
		if req.Stage != stage || !req.Required {
			continue
		}
		required++
		doc, ok := active(docs, req.Type)
		if !ok || doc.Status != domain.DocumentStatusSigned || doc.SignedHash == "" || doc.SignedHash != doc.ContentHash {
			unsigned++
		}
	}
	if unsigned > 0 {
		return false, fmt.Sprintf("%d of %d required documents unsigned", unsigned, required)
	}
	return true, ""
}
