// Package signature defines the narrow interface to the external
// e-signature provider and the verification of its webhook callbacks.
package signature

import (
	"context"
	"fmt"
	"sync"

	"crobridge/pkg/domain"

	"github.com/google/uuid"
)

// Outcome is a provider-reported terminal signature state.
type Outcome string

// Signature envelope outcomes delivered via webhook.
const (
	OutcomeSigned   Outcome = "SIGNED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeExpired  Outcome = "EXPIRED"
)

// KnownOutcome reports whether the value is a recognised outcome.
func KnownOutcome(o Outcome) bool {
	switch o {
	case OutcomeSigned, OutcomeRejected, OutcomeExpired:
		return true
	}
	return false
}

// Request describes a document to be routed for signature.
type Request struct {
	SubmissionID string        `json:"submission_id"`
	DocumentID   string        `json:"document_id"`
	ContentRef   string        `json:"content_ref"`
	ContentHash  string        `json:"content_hash"`
	SignerRoles  []domain.Role `json:"signer_roles"`
}

// Event is a parsed webhook callback from the provider.
type Event struct {
	EnvelopeID string  `json:"envelope_id"`
	Outcome    Outcome `json:"outcome"`
}

// Provider is the external e-signature service. Implementations must honour
// the caller's context deadline; the signing ceremony itself is long-lived
// and completes via webhook, not via this call.
type Provider interface {
	RequestSignature(ctx context.Context, req Request) (envelopeID string, err error)
}

// Fake is an in-memory provider for tests and local runs. Envelope ids are
// recorded so tests can replay callbacks.
type Fake struct {
	mu        sync.Mutex
	requests  map[string]Request
	failNext  error
	blockNext bool
}

// NewFake constructs an empty fake provider.
func NewFake() *Fake {
	return &Fake{requests: make(map[string]Request)}
}

// FailNext makes the next RequestSignature call return err.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

// BlockNext makes the next RequestSignature call block until the caller's
// context expires, simulating a slow provider.
func (f *Fake) BlockNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockNext = true
}

// RequestSignature implements Provider.
func (f *Fake) RequestSignature(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	failNext, blockNext := f.failNext, f.blockNext
	f.failNext, f.blockNext = nil, false
	f.mu.Unlock()

	if blockNext {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if failNext != nil {
		return "", failNext
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	envelopeID := "env_" + uuid.NewString()
	f.mu.Lock()
	f.requests[envelopeID] = req
	f.mu.Unlock()
	return envelopeID, nil
}

// Request returns the recorded request for an envelope id.
func (f *Fake) Request(envelopeID string) (Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[envelopeID]
	return req, ok
}

// Envelopes lists all issued envelope ids.
func (f *Fake) Envelopes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for id := range f.requests {
		out = append(out, id)
	}
	return out
}

// ParseOutcome converts a wire string to an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if !KnownOutcome(o) {
		return "", fmt.Errorf("unknown signature outcome %q", s)
	}
	return o, nil
}
