// Package identity consumes lifecycle events from the external identity
// provider. Principals are created there; this service only learns about
// them through signed webhook deliveries and materializes or tears down the
// state it owns for them.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"atelier/internal/domain"
)

const webhookTolerance = 5 * time.Minute

// Event kinds emitted by the identity provider.
const (
	EventPrincipalCreated = "principal.created"
	EventPrincipalUpdated = "principal.updated"
	EventPrincipalDeleted = "principal.deleted"
)

// Event is one identity lifecycle delivery.
type Event struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// WebhookHeaders carries the signature envelope of a delivery.
type WebhookHeaders struct {
	ID        string
	Timestamp string
	Signature string
}

// Verifier authenticates identity webhook deliveries. The provider signs
// HMAC-SHA256 over "<id>.<timestamp>.<body>" with the base64 key carried
// after the secret's "whsec_" prefix.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

func (v *Verifier) Verify(headers WebhookHeaders, body []byte) error {
	if v.secret == "" {
		return fmt.Errorf("%w: no webhook secret configured", domain.ErrInvalidSignature)
	}
	if headers.ID == "" || headers.Timestamp == "" || headers.Signature == "" {
		return fmt.Errorf("%w: missing signature headers", domain.ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(headers.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", domain.ErrInvalidSignature)
	}
	if delta := time.Since(time.Unix(ts, 0)); delta > webhookTolerance || delta < -webhookTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrInvalidSignature)
	}

	secret := v.secret
	if idx := strings.Index(secret, "_"); idx >= 0 {
		secret = secret[idx+1:]
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		key = []byte(v.secret)
	}

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", headers.ID, headers.Timestamp)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, entry := range strings.Fields(headers.Signature) {
		candidate := entry
		if idx := strings.Index(entry, ","); idx >= 0 {
			candidate = entry[idx+1:]
		}
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

// ParseEvent decodes a verified delivery body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("identity: decode event: %w", err)
	}
	if ev.Type == "" || ev.Data.ID == "" {
		return nil, fmt.Errorf("identity: event missing type or principal id")
	}
	return &ev, nil
}
