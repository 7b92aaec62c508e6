// Package billing consumes "payment succeeded" facts from the external
// checkout processor. The processor owns pricing and the checkout UI; this
// package only re-fetches sessions by id and applies their metadata.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"atelier/internal/domain"
)

// Session is the processor's view of one checkout, trimmed to the fields
// the confirmation flow needs.
type Session struct {
	ID            string            `json:"id"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

// Paid reports whether the processor considers the session settled.
func (s *Session) Paid() bool {
	switch strings.ToLower(s.PaymentStatus) {
	case "paid", "complete", "completed", "no_payment_required":
		return true
	}
	return false
}

// SessionMetadata is the parsed metadata the checkout flow attached when it
// created the session.
type SessionMetadata struct {
	PrincipalID   string
	Purpose       domain.PaymentPurpose
	GeneralAmount int
	AuxAmount     int
	WorkspaceID   string
}

// ParseMetadata validates the free-form metadata map.
func (s *Session) ParseMetadata() (*SessionMetadata, error) {
	principal := strings.TrimSpace(s.Metadata["principal_id"])
	if principal == "" {
		return nil, errors.New("billing: session metadata missing principal_id")
	}
	purpose := domain.PaymentPurpose(strings.TrimSpace(s.Metadata["purpose"]))
	switch purpose {
	case domain.PaymentPurposeTopUp, domain.PaymentPurposeWorkspaceUnlock:
	default:
		return nil, fmt.Errorf("billing: session metadata has unknown purpose %q", s.Metadata["purpose"])
	}

	meta := &SessionMetadata{PrincipalID: principal, Purpose: purpose}
	var err error
	if meta.GeneralAmount, err = parseAmount(s.Metadata["general_credits"]); err != nil {
		return nil, err
	}
	if meta.AuxAmount, err = parseAmount(s.Metadata["aux_credits"]); err != nil {
		return nil, err
	}

	switch purpose {
	case domain.PaymentPurposeTopUp:
		if meta.GeneralAmount <= 0 && meta.AuxAmount <= 0 {
			return nil, errors.New("billing: top_up session grants no credits")
		}
	case domain.PaymentPurposeWorkspaceUnlock:
		meta.WorkspaceID = strings.TrimSpace(s.Metadata["workspace_id"])
		if meta.WorkspaceID == "" {
			return nil, errors.New("billing: workspace_unlock session missing workspace_id")
		}
	}
	return meta, nil
}

func parseAmount(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("billing: invalid credit amount %q", raw)
	}
	return n, nil
}

// SessionClientOptions configures the checkout-session fetcher.
type SessionClientOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// SessionClient fetches checkout sessions from the payment processor.
type SessionClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// SessionFetcher is what the Confirmer needs from the processor.
type SessionFetcher interface {
	FetchSession(ctx context.Context, sessionID string) (*Session, error)
}

func NewSessionClient(opts SessionClientOptions) (*SessionClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("billing: payment api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com/v1"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &SessionClient{apiKey: opts.APIKey, baseURL: baseURL, client: client}, nil
}

// FetchSession re-reads a checkout session by id. The id is caller-supplied
// and untrusted, so the session's own metadata is the authority on who the
// payment belongs to.
func (c *SessionClient) FetchSession(ctx context.Context, sessionID string) (*Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("billing: session id is required")
	}
	endpoint := c.baseURL + "/checkout/sessions/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch session: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: checkout session %s", domain.ErrNotFound, sessionID)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: payment processor returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("billing: fetch session %s: status %d: %s", sessionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("billing: decode session: %w", err)
	}
	if session.ID == "" {
		session.ID = sessionID
	}
	return &session, nil
}

var _ SessionFetcher = (*SessionClient)(nil)
