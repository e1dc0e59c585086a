// Package identity calls the external identity/auth service. The settlement
// core treats credential verification as a boolean capability check; account
// onboarding, KYC and OTP flows live entirely upstream.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config defines the HTTP client settings for the identity service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client verifies party credentials against the identity service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("identity: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// VerifyCredential checks the reauthentication credential presented for a
// party-restricted action. Returns false without error when the service
// rejects the credential.
func (c *Client) VerifyCredential(ctx context.Context, partyID, credential string) (bool, error) {
	if c == nil {
		return false, fmt.Errorf("identity: client not configured")
	}
	body, err := json.Marshal(map[string]string{
		"party":      partyID,
		"credential": credential,
	})
	if err != nil {
		return false, fmt.Errorf("identity: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/credentials/verify", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("identity: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("identity: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("identity: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("identity: decode: %w", err)
	}
	return payload.Verified, nil
}
