package domain

// Action identifies a lifecycle operation requested on a submission.
type Action string

// Lifecycle actions. ActionCreate is the genesis audit action written when a
// submission is created; it is not itself a transition.
const (
	ActionCreate         Action = "create"
	ActionSubmit         Action = "submit"
	ActionBeginReview    Action = "begin_review"
	ActionProvidePricing Action = "provide_pricing"
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionRequestChanges Action = "request_changes"
	ActionStartWork      Action = "start_work"
	ActionUploadResults  Action = "upload_results"
	ActionMarkReviewed   Action = "mark_reviewed"
	ActionComplete       Action = "complete"
	ActionCancel         Action = "cancel"
)

// TransitionSpec describes one row of the lifecycle transition table: the
// target state and the capability set of roles permitted to request it.
type TransitionSpec struct {
	To    Status
	Roles []Role
}

var (
	pharmaOnly = []Role{RolePharma}
	croOnly    = []Role{RoleCRO}
	eitherRole = []Role{RolePharma, RoleCRO}
)

// transitionTable is the fixed domain lifecycle. Any (state, action) pair
// absent from the table is an invalid transition. Cancellation is not
// permitted from RESULTS_REVIEWED: the only forward path there is complete.
var transitionTable = map[Status]map[Action]TransitionSpec{
	StatusDraft: {
		ActionSubmit: {To: StatusSubmitted, Roles: pharmaOnly},
		ActionCancel: {To: StatusCancelled, Roles: eitherRole},
	},
	StatusSubmitted: {
		ActionBeginReview: {To: StatusPendingReview, Roles: croOnly},
		ActionCancel:      {To: StatusCancelled, Roles: eitherRole},
	},
	StatusPendingReview: {
		ActionProvidePricing: {To: StatusPricingProvided, Roles: croOnly},
		ActionCancel:         {To: StatusCancelled, Roles: eitherRole},
	},
	StatusPricingProvided: {
		ActionApprove:        {To: StatusApproved, Roles: pharmaOnly},
		ActionReject:         {To: StatusRejected, Roles: pharmaOnly},
		ActionRequestChanges: {To: StatusPendingReview, Roles: pharmaOnly},
		ActionCancel:         {To: StatusCancelled, Roles: eitherRole},
	},
	StatusApproved: {
		ActionStartWork: {To: StatusInProgress, Roles: croOnly},
		ActionCancel:    {To: StatusCancelled, Roles: eitherRole},
	},
	StatusInProgress: {
		ActionUploadResults: {To: StatusResultsUploaded, Roles: croOnly},
		ActionCancel:        {To: StatusCancelled, Roles: eitherRole},
	},
	StatusResultsUploaded: {
		ActionMarkReviewed: {To: StatusResultsReviewed, Roles: pharmaOnly},
		ActionCancel:       {To: StatusCancelled, Roles: eitherRole},
	},
	StatusResultsReviewed: {
		ActionComplete: {To: StatusCompleted, Roles: pharmaOnly},
	},
}

// Lookup returns the transition spec for the (from, action) pair, or false
// when the pair is not in the table.
func Lookup(from Status, action Action) (TransitionSpec, bool) {
	actions, ok := transitionTable[from]
	if !ok {
		return TransitionSpec{}, false
	}
	spec, ok := actions[action]
	return spec, ok
}

// ActionsFrom lists the actions defined for a state. The result is a copy;
// mutating it does not affect the table.
func ActionsFrom(from Status) []Action {
	actions, ok := transitionTable[from]
	if !ok {
		return nil
	}
	out := make([]Action, 0, len(actions))
	for a := range actions {
		out = append(out, a)
	}
	return out
}

// RoleAllowed reports whether the role is in the transition's capability set.
func (s TransitionSpec) RoleAllowed(role Role) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// KnownStatus reports whether the value is one of the canonical states.
func KnownStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusPendingReview, StatusPricingProvided,
		StatusApproved, StatusInProgress, StatusResultsUploaded, StatusResultsReviewed,
		StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}
