package core

import (
	"context"

	"crobridge/internal/docgate"
	"crobridge/pkg/domain"
)

// DocumentGateGuard blocks submit and upload_results until every required
// document for the stage is signed against the currently attached content.
func DocumentGateGuard(cfg docgate.Config) Guard {
	return documentGateGuard{cfg: cfg}
}

type documentGateGuard struct {
	cfg docgate.Config
}

func (documentGateGuard) Name() string { return "document_gate" }

func (g documentGateGuard) Evaluate(_ context.Context, view GuardView, t domain.Transition) (Result, error) {
	var stage docgate.Stage
	switch t.Action {
	case ActionSubmit:
		stage = docgate.StagePreSubmission
	case ActionUploadResults:
		stage = docgate.StageResultCertification
	default:
		return Result{}, nil
	}

	docs := view.ListDocuments(t.Submission.ID)
	ok, condition := docgate.Satisfied(g.cfg, t.Submission, docs, stage)
	if ok {
		return Result{}, nil
	}
	return Result{Violations: []Violation{{
		Guard:        "document_gate",
		Severity:     SeverityBlock,
		Message:      condition,
		SubmissionID: t.Submission.ID,
	}}}, nil
}
