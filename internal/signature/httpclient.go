package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPProvider talks to an e-signature service over its JSON API. The
// service's signing ceremony completes asynchronously via webhook; this
// client only creates envelopes.
type HTTPProvider struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewHTTPProvider constructs a client for the given base URL.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{BaseURL: baseURL, APIKey: apiKey, HTTP: &http.Client{}}
}

// RequestSignature implements Provider. The caller's context bounds the
// request; a deadline expiry is returned as-is so callers can distinguish
// "provider slow" from "provider refused".
func (c *HTTPProvider) RequestSignature(ctx context.Context, req Request) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/envelopes", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("signature provider returned %d", resp.StatusCode)
	}
	var out struct {
		EnvelopeID string `json:"envelope_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.EnvelopeID == "" {
		return "", fmt.Errorf("signature provider returned empty envelope id")
	}
	return out.EnvelopeID, nil
}
