package core

import (
	"context"

	"crobridge/pkg/domain"
)

// ResultsGuard requires a results payload reference and content hash before
// results may be uploaded or the submission completed.
func ResultsGuard() Guard {
	return resultsGuard{}
}

type resultsGuard struct{}

func (resultsGuard) Name() string { return "results_payload" }

func (resultsGuard) Evaluate(_ context.Context, _ GuardView, t domain.Transition) (Result, error) {
	switch t.Action {
	case ActionUploadResults, ActionComplete:
	default:
		return Result{}, nil
	}
	if t.Submission.ResultsRef != "" && t.Submission.ResultsHash != "" {
		return Result{}, nil
	}
	return Result{Violations: []Violation{{
		Guard:        "results_payload",
		Severity:     SeverityBlock,
		Message:      "results reference and content hash are required",
		SubmissionID: t.Submission.ID,
	}}}, nil
}
