package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"crobridge/pkg/domain"
)

// GenesisLink anchors the first record of every submission chain.
var GenesisLink = HashString("crobridge-audit-genesis-v1")

// HashString returns the SHA-256 hex digest of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// CanonicalSHA256 hashes a value as its canonical JSON encoding: the
// json.Marshal bytes digested with SHA-256 hex.
func CanonicalSHA256(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// recordContent is the hashed portion of an audit record: every field
// except the hashes themselves. Field order is fixed by the struct.
type recordContent struct {
	SubmissionID string        `json:"submission_id"`
	Seq          uint64        `json:"seq"`
	ActorID      string        `json:"actor_id"`
	ActorRole    domain.Role   `json:"actor_role"`
	Action       domain.Action `json:"action"`
	BeforeStatus domain.Status `json:"before_status"`
	AfterStatus  domain.Status `json:"after_status"`
	Timestamp    time.Time     `json:"timestamp"`
}

// ContentHash computes the content hash covering all record fields except
// content_hash, prev_chain_link and chain_link.
func ContentHash(rec domain.AuditRecord) (string, error) {
	hash, _, err := CanonicalSHA256(recordContent{
		SubmissionID: rec.SubmissionID,
		Seq:          rec.Seq,
		ActorID:      rec.ActorID,
		ActorRole:    rec.ActorRole,
		Action:       rec.Action,
		BeforeStatus: rec.BeforeStatus,
		AfterStatus:  rec.AfterStatus,
		Timestamp:    rec.Timestamp,
	})
	return hash, err
}

// ChainLink derives a record's chain link from its content hash and the
// previous record's link: H(content_hash || prev_link).
func ChainLink(contentHash, prevLink string) string {
	return HashString(contentHash + prevLink)
}

// VerifyChain recomputes hashes over an ordered record list and reports the
// first broken link as an IntegrityViolation. A third party holding only
// the final chain link plus the record list can run the same check.
func VerifyChain(submissionID string, records []domain.AuditRecord) error {
	prevLink := GenesisLink
	for i, rec := range records {
		if rec.Seq != uint64(i)+1 {
			return domain.NewIntegrityViolation(submissionID, rec.Seq)
		}
		contentHash, err := ContentHash(rec)
		if err != nil {
			return err
		}
		if contentHash != rec.ContentHash {
			return domain.NewIntegrityViolation(submissionID, rec.Seq)
		}
		if rec.PrevChainLink != prevLink || ChainLink(contentHash, prevLink) != rec.ChainLink {
			return domain.NewIntegrityViolation(submissionID, rec.Seq)
		}
		prevLink = rec.ChainLink
	}
	return nil
}
