// Package pricing implements the offer/approve/reject negotiation between
// the CRO and the sponsoring pharma organization. Offer lists are owned by
// the core store; this package holds the negotiation logic so it can be
// evaluated inside the same serialization boundary as transitions.
package pricing

import (
	"regexp"
	"time"

	"crobridge/pkg/domain"

	"github.com/google/uuid"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidateOffer checks offer economics before any state change. Cost is in
// integer minor currency units; turnaround must be a positive day count.
func ValidateOffer(costMinorUnits int64, currency string, turnaroundDays int) error {
	if costMinorUnits < 0 {
		return domain.NewValidation("cost must be non-negative minor currency units, got %d", costMinorUnits)
	}
	if !currencyPattern.MatchString(currency) {
		return domain.NewValidation("currency must be a 3-letter ISO code, got %q", currency)
	}
	if turnaroundDays <= 0 {
		return domain.NewValidation("turnaround days must be positive, got %d", turnaroundDays)
	}
	return nil
}

// Offer appends a new PENDING offer for the submission, superseding any
// prior offer that has not been decided. Only CRO actors may offer.
func Offer(offers []domain.PricingOffer, submissionID string, costMinorUnits int64, currency string, turnaroundDays int, actor domain.Actor, now time.Time) ([]domain.PricingOffer, domain.PricingOffer, error) {
	if actor.Role != domain.RoleCRO {
		return offers, domain.PricingOffer{}, domain.NewUnauthorized(submissionID, actor.Role, domain.ActionProvidePricing)
	}
	if err := ValidateOffer(costMinorUnits, currency, turnaroundDays); err != nil {
		return offers, domain.PricingOffer{}, err
	}

	out := make([]domain.PricingOffer, len(offers))
	copy(out, offers)
	for i := range out {
		if out[i].Decision == domain.OfferPending {
			out[i].Decision = domain.OfferSuperseded
			out[i].UpdatedAt = now
		}
	}

	offer := domain.PricingOffer{
		Base: domain.Base{
			ID:        "off_" + uuid.NewString(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		SubmissionID:   submissionID,
		CostMinorUnits: costMinorUnits,
		Currency:       currency,
		TurnaroundDays: turnaroundDays,
		OfferedBy:      actor.ID,
		OfferedAt:      now,
		Decision:       domain.OfferPending,
	}
	return append(out, offer), offer, nil
}

// Latest returns the most recent non-superseded offer, which is the
// authoritative one when multiple renegotiation rounds exist.
func Latest(offers []domain.PricingOffer) (domain.PricingOffer, bool) {
	for i := len(offers) - 1; i >= 0; i-- {
		if offers[i].Decision != domain.OfferSuperseded {
			return offers[i], true
		}
	}
	return domain.PricingOffer{}, false
}

// Decide records a pharma approve or reject on the PENDING offer. Fails
// with NoPendingOffer when the latest offer was already decided or
// superseded.
func Decide(offers []domain.PricingOffer, submissionID string, decision domain.OfferDecision, actor domain.Actor, now time.Time) ([]domain.PricingOffer, error) {
	if decision != domain.OfferApproved && decision != domain.OfferRejected {
		return offers, domain.NewValidation("decision must be APPROVED or REJECTED, got %s", decision)
	}
	action := domain.ActionApprove
	if decision == domain.OfferRejected {
		action = domain.ActionReject
	}
	if actor.Role != domain.RolePharma {
		return offers, domain.NewUnauthorized(submissionID, actor.Role, action)
	}

	idx := -1
	for i := len(offers) - 1; i >= 0; i-- {
		if offers[i].Decision == domain.OfferPending {
			idx = i
			break
		}
	}
	if idx < 0 {
		return offers, domain.NewNoPendingOffer(submissionID)
	}

	out := make([]domain.PricingOffer, len(offers))
	copy(out, offers)
	out[idx].Decision = decision
	out[idx].DecidedBy = actor.ID
	decidedAt := now
	out[idx].DecidedAt = &decidedAt
	out[idx].UpdatedAt = now
	return out, nil
}

// Supersede marks the PENDING offer superseded without a decision, used
// when pharma requests changes and the CRO must re-quote.
func Supersede(offers []domain.PricingOffer, submissionID string, now time.Time) ([]domain.PricingOffer, error) {
	found := false
	out := make([]domain.PricingOffer, len(offers))
	copy(out, offers)
	for i := range out {
		if out[i].Decision == domain.OfferPending {
			out[i].Decision = domain.OfferSuperseded
			out[i].UpdatedAt = now
			found = true
		}
	}
	if !found {
		return offers, domain.NewNoPendingOffer(submissionID)
	}
	return out, nil
}
