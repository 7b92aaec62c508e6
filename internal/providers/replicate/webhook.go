package replicate

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

// webhookTolerance bounds how stale a signed timestamp may be. Replayed
// envelopes older than this are rejected even with a valid signature.
const webhookTolerance = 5 * time.Minute

// WebhookHeaders carries the signature envelope of a delivery.
type WebhookHeaders struct {
	ID        string
	Timestamp string
	Signature string
}

// VerifyWebhook authenticates a webhook delivery. The signed content is
// "<id>.<timestamp>.<body>" and the signature header carries one or more
// space-separated "v1,<base64 hmac>" entries.
func (c *Client) VerifyWebhook(headers WebhookHeaders, body []byte) error {
	if c.webhookSecret == "" {
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

	secret := c.webhookSecret
	if idx := strings.Index(secret, "_"); idx >= 0 {
		// Secrets are issued with a "whsec_" style prefix; the key is the
		// base64 payload after it.
		secret = secret[idx+1:]
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		key = []byte(c.webhookSecret)
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

// ParseWebhook decodes a verified webhook body into the prediction it
// describes.
func ParseWebhook(body []byte) (*Prediction, error) {
	var pred Prediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return nil, fmt.Errorf("replicate: decode webhook: %w", err)
	}
	if pred.ID == "" {
		return nil, fmt.Errorf("replicate: webhook without prediction id")
	}
	return &pred, nil
}
