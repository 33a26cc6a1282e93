package core

import "crobridge/pkg/domain"

type (
	EntityType       = domain.EntityType
	Role             = domain.Role
	Actor            = domain.Actor
	Status           = domain.Status
	Action           = domain.Action
	DocumentStatus   = domain.DocumentStatus
	DocumentType     = domain.DocumentType
	OfferDecision    = domain.OfferDecision
	Severity         = domain.Severity
	Base             = domain.Base
	Submission       = domain.Submission
	RequiredDocument = domain.RequiredDocument
	PricingOffer     = domain.PricingOffer
	AuditRecord      = domain.AuditRecord
	TransitionEvent  = domain.TransitionEvent
	Violation        = domain.Violation
	Result           = domain.Result
	Guard            = domain.Guard
	GuardView        = domain.GuardView
)

const (
	EntitySubmission   = domain.EntitySubmission
	EntityDocument     = domain.EntityDocument
	EntityPricingOffer = domain.EntityPricingOffer
	EntityAuditRecord  = domain.EntityAuditRecord
)

const (
	RolePharma = domain.RolePharma
	RoleCRO    = domain.RoleCRO
)

const (
	StatusDraft           = domain.StatusDraft
	StatusSubmitted       = domain.StatusSubmitted
	StatusPendingReview   = domain.StatusPendingReview
	StatusPricingProvided = domain.StatusPricingProvided
	StatusApproved        = domain.StatusApproved
	StatusInProgress      = domain.StatusInProgress
	StatusResultsUploaded = domain.StatusResultsUploaded
	StatusResultsReviewed = domain.StatusResultsReviewed
	StatusCompleted       = domain.StatusCompleted
	StatusCancelled       = domain.StatusCancelled
	StatusRejected        = domain.StatusRejected
)

const (
	ActionCreate         = domain.ActionCreate
	ActionSubmit         = domain.ActionSubmit
	ActionBeginReview    = domain.ActionBeginReview
	ActionProvidePricing = domain.ActionProvidePricing
	ActionApprove        = domain.ActionApprove
	ActionReject         = domain.ActionReject
	ActionRequestChanges = domain.ActionRequestChanges
	ActionStartWork      = domain.ActionStartWork
	ActionUploadResults  = domain.ActionUploadResults
	ActionMarkReviewed   = domain.ActionMarkReviewed
	ActionComplete       = domain.ActionComplete
	ActionCancel         = domain.ActionCancel
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)
