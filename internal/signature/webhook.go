package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	webhookSignatureHeader = "X-Signature"
	webhookEventIDHeader   = "X-Event-Id"
)

// VerificationResult reports the outcome of webhook signature verification.
type VerificationResult struct {
	Valid           bool
	ProviderEventID string
}

// VerifyWebhook checks the generic HMAC-SHA256 signature the provider
// attaches to callbacks: hex(HMAC-SHA256(secret, rawBody)) in X-Signature.
func VerifyWebhook(headers http.Header, rawBody []byte, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook secret is empty")
	}
	res := VerificationResult{
		ProviderEventID: strings.TrimSpace(headers.Get(webhookEventIDHeader)),
	}
	sigHex := strings.TrimSpace(headers.Get(webhookSignatureHeader))
	if sigHex == "" {
		return res, nil
	}
	providedSig, err := hex.DecodeString(sigHex)
	if err != nil {
		return res, nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	res.Valid = hmac.Equal(mac.Sum(nil), providedSig)
	return res, nil
}

// SignPayload produces the hex HMAC a well-behaved provider would attach.
// Used by tests and the fake provider.
func SignPayload(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseEvent decodes a webhook body into an Event, validating the outcome.
func ParseEvent(rawBody []byte) (Event, error) {
	var wire struct {
		EnvelopeID string `json:"envelope_id"`
		Outcome    string `json:"outcome"`
	}
	if err := json.Unmarshal(rawBody, &wire); err != nil {
		return Event{}, fmt.Errorf("decode signature event: %w", err)
	}
	if strings.TrimSpace(wire.EnvelopeID) == "" {
		return Event{}, fmt.Errorf("signature event missing envelope id")
	}
	outcome, err := ParseOutcome(wire.Outcome)
	if err != nil {
		return Event{}, err
	}
	return Event{EnvelopeID: wire.EnvelopeID, Outcome: outcome}, nil
}
