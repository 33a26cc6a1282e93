// Package httpapi exposes the submission lifecycle over HTTP. Handlers are
// a thin translation layer: request decoding, actor extraction and error
// kind to status mapping; all semantics live in the core service.
package httpapi

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crobridge/internal/blob"
	"crobridge/internal/core"
	"crobridge/internal/ledger"
	"crobridge/internal/signature"
	"crobridge/pkg/domain"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 5 << 20 // 5MB

const (
	actorIDHeader   = "X-Actor-Id"
	actorRoleHeader = "X-Actor-Role"
)

// Handler serves the lifecycle API.
type Handler struct {
	svc           *core.Service
	blobs         blob.Store
	webhookSecret string
	logger        core.Logger
}

// Option customizes a Handler.
type Option func(*Handler)

// WithBlobStore sets the payload store backing document and result uploads.
func WithBlobStore(store blob.Store) Option {
	return func(h *Handler) { h.blobs = store }
}

// WithWebhookSecret sets the shared secret for signature provider
// callbacks. Without it the webhook route rejects all deliveries.
func WithWebhookSecret(secret string) Option {
	return func(h *Handler) { h.webhookSecret = secret }
}

// WithLogger sets the request logger.
func WithLogger(logger core.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler wires the service behind the HTTP surface.
func NewHandler(svc *core.Service, opts ...Option) *Handler {
	h := &Handler{svc: svc, blobs: blob.NewMemory(), logger: core.NopLogger()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/v1/submissions", func(api chi.Router) {
		api.Post("/", h.createSubmission)
		api.Get("/", h.listSubmissions)
		api.Route("/{id}", func(sub chi.Router) {
			sub.Get("/", h.getSubmission)
			sub.Post("/transition", h.transition)
			sub.Get("/documents", h.listDocuments)
			sub.Post("/documents", h.attachDocument)
			sub.Post("/documents/{docID}/request-signature", h.requestSignature)
			sub.Get("/offers", h.listOffers)
			sub.Get("/history", h.history)
			sub.Get("/verify", h.verify)
			sub.Post("/results", h.uploadResults)
		})
	})
	r.Post("/webhooks/signature", h.signatureWebhook)
	return r
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidTransition, domain.KindConcurrentModification:
		return http.StatusConflict
	case domain.KindGuardNotSatisfied, domain.KindNoPendingOffer:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		h.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}
	var details any
	if de.Condition != "" {
		details = map[string]any{"condition": de.Condition}
	}
	writeError(w, statusForKind(de.Kind), string(de.Kind), de.Error(), details)
}

func actorFrom(r *http.Request) (domain.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(actorIDHeader))
	role := domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(actorRoleHeader))))
	if id == "" {
		return domain.Actor{}, fmt.Errorf("missing %s header", actorIDHeader)
	}
	if role != domain.RolePharma && role != domain.RoleCRO {
		return domain.Actor{}, fmt.Errorf("%s must be %q or %q", actorRoleHeader, domain.RolePharma, domain.RoleCRO)
	}
	return domain.Actor{ID: id, Role: role}, nil
}

func (h *Handler) createSubmission(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_ACTOR", err.Error(), nil)
		return
	}
	var in core.CreateSubmissionInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_BODY", err.Error(), nil)
		return
	}
	sub, err := h.svc.CreateSubmission(r.Context(), actor, in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) listSubmissions(w http.ResponseWriter, r *http.Request) {
	subs := h.svc.ListSubmissions(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

func (h *Handler) getSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_ACTOR", err.Error(), nil)
		return
	}
	var in core.TransitionInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_BODY", err.Error(), nil)
		return
	}
	sub, rec, err := h.svc.Transition(r.Context(), chi.URLParam(r, "id"), actor, in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submission": sub, "audit_record": rec})
}

type attachDocumentRequest struct {
	Type        domain.DocumentType `json:"type"`
	ContentType string              `json:"content_type,omitempty"`
	// PayloadBase64 carries the document body; the server stores it and
	// derives the content reference and hash. Alternatively a caller that
	// staged the payload elsewhere supplies ContentRef and ContentHash.
	PayloadBase64 string `json:"payload_base64,omitempty"`
	ContentRef    string `json:"content_ref,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
}

func (h *Handler) attachDocument(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_ACTOR", err.Error(), nil)
		return
	}
	submissionID := chi.URLParam(r, "id")
	var req attachDocumentRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_BODY", err.Error(), nil)
		return
	}
	contentRef, contentHash := req.ContentRef, req.ContentHash
	if req.PayloadBase64 != "" {
		payload, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_BODY", "payload_base64 is not valid base64", nil)
			return
		}
		key := fmt.Sprintf("%s/docs/%s/%s", submissionID, req.Type, uuid.NewString())
		obj, err := h.blobs.Put(r.Context(), key, bytes.NewReader(payload), req.ContentType)
		if err != nil {
			h.logger.Error("store document payload", "submission_id", submissionID, "error", err)
			writeError(w, http.StatusInternalServerError, "BLOB_ERROR", "storing document payload failed", nil)
			return
		}
		contentRef, contentHash = obj.Ref, obj.SHA256
	}
	doc, err := h.svc.AttachDocument(r.Context(), submissionID, actor, req.Type, contentRef, contentHash)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *Handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.Documents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *Handler) requestSignature(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_ACTOR", err.Error(), nil)
		return
	}
	doc, err := h.svc.RequestSignature(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "docID"), actor, 0)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) listOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.svc.Offers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.GetSubmission(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	records := ledger.Collect(h.svc.History(r.Context(), id))
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.GetSubmission(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp := map[string]any{"ok": true}
	if err := h.svc.VerifyAudit(r.Context(), id); err != nil {
		var de *domain.Error
		resp["ok"] = false
		if errors.As(err, &de) {
			resp["violation"] = map[string]any{"kind": de.Kind, "seq": de.Seq, "message": de.Error()}
		} else {
			resp["violation"] = map[string]any{"message": err.Error()}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	status, err := h.svc.ReplayStatus(r.Context(), id)
	if err != nil {
		resp["ok"] = false
		resp["violation"] = map[string]any{"message": err.Error()}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp["replayed_status"] = status
	writeJSON(w, http.StatusOK, resp)
}

type uploadResultsRequest struct {
	ContentType     string `json:"content_type,omitempty"`
	PayloadBase64   string `json:"payload_base64"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

// uploadResults stores the result payload and applies the upload_results
// transition in one request, so the recorded reference and hash always
// describe a payload the server actually holds.
func (h *Handler) uploadResults(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_ACTOR", err.Error(), nil)
		return
	}
	submissionID := chi.URLParam(r, "id")
	var req uploadResultsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_BODY", err.Error(), nil)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
	if err != nil || len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "BAD_BODY", "payload_base64 must be non-empty base64", nil)
		return
	}
	key := fmt.Sprintf("%s/results/%s", submissionID, uuid.NewString())
	obj, err := h.blobs.Put(r.Context(), key, bytes.NewReader(payload), req.ContentType)
	if err != nil {
		h.logger.Error("store result payload", "submission_id", submissionID, "error", err)
		writeError(w, http.StatusInternalServerError, "BLOB_ERROR", "storing result payload failed", nil)
		return
	}
	sub, rec, err := h.svc.Transition(r.Context(), submissionID, actor, core.TransitionInput{
		Action:          domain.ActionUploadResults,
		ExpectedVersion: req.ExpectedVersion,
		ResultsRef:      obj.Ref,
		ResultsHash:     obj.SHA256,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submission": sub, "audit_record": rec, "results": obj})
}

func (h *Handler) signatureWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "payload exceeds limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "BAD_BODY", err.Error(), nil)
		return
	}
	result, err := signature.VerifyWebhook(r.Header, rawBody, h.webhookSecret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "VERIFIER_ERROR", err.Error(), nil)
		return
	}
	if !result.Valid {
		writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "webhook signature verification failed", nil)
		return
	}
	event, err := signature.ParseEvent(rawBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_EVENT", err.Error(), nil)
		return
	}
	doc, changed, err := h.svc.RecordSignatureEvent(r.Context(), event)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":  newRequestID(),
		"event_id":    result.ProviderEventID,
		"document":    doc,
		"changed":     changed,
		"received_at": time.Now().UTC(),
	})
}
