package core

import (
	"context"

	"crobridge/pkg/domain"
)

// PricingGuard enforces offer presence around pricing transitions: a quote
// must exist and be pending when pricing is provided, and an approval must
// leave an approved quote behind.
func PricingGuard() Guard {
	return pricingGuard{}
}

type pricingGuard struct{}

func (pricingGuard) Name() string { return "pricing_offer" }

func (pricingGuard) Evaluate(_ context.Context, view GuardView, t domain.Transition) (Result, error) {
	block := func(message string) (Result, error) {
		return Result{Violations: []Violation{{
			Guard:        "pricing_offer",
			Severity:     SeverityBlock,
			Message:      message,
			SubmissionID: t.Submission.ID,
		}}}, nil
	}

	switch t.Action {
	case ActionProvidePricing:
		offer, ok := view.LatestOffer(t.Submission.ID)
		if !ok || offer.Decision != domain.OfferPending {
			return block("no pricing offer supplied")
		}
	case ActionApprove:
		offer, ok := view.LatestOffer(t.Submission.ID)
		if !ok || offer.Decision != domain.OfferApproved {
			return block("no approved pricing offer on record")
		}
	case ActionStartWork:
		offer, ok := view.LatestOffer(t.Submission.ID)
		if !ok || offer.Decision != domain.OfferApproved {
			return block("work may not start without an approved pricing offer")
		}
	}
	return Result{}, nil
}
