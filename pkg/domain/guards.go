package domain

import "context"

// GuardView provides read-only access to a submission's guard inputs within
// the same serialization boundary as the transition being evaluated.
type GuardView interface {
	FindSubmission(id string) (Submission, bool)
	ListDocuments(submissionID string) []RequiredDocument
	ListOffers(submissionID string) []PricingOffer
	LatestOffer(submissionID string) (PricingOffer, bool)
}

// Transition carries the full context of a requested lifecycle change for
// guard evaluation.
type Transition struct {
	Submission Submission
	Action     Action
	Actor      Actor
	From       Status
	To         Status
}

// Guard defines a transition precondition evaluated inside the transaction
// boundary before the audit append.
type Guard interface {
	Name() string
	Evaluate(ctx context.Context, view GuardView, t Transition) (Result, error)
}

// GuardEngine orchestrates guard evaluation.
type GuardEngine struct {
	guards []Guard
}

// NewGuardEngine constructs an engine instance.
func NewGuardEngine() *GuardEngine {
	return &GuardEngine{}
}

// Register appends a guard to the engine.
func (e *GuardEngine) Register(guard Guard) {
	e.guards = append(e.guards, guard)
}

// Evaluate executes all registered guards and aggregates their results.
func (e *GuardEngine) Evaluate(ctx context.Context, view GuardView, t Transition) (Result, error) {
	var combined Result
	for _, guard := range e.guards {
		res, err := guard.Evaluate(ctx, view, t)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
