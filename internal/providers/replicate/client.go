// Package replicate talks to the asynchronous prediction API that performs
// the actual model inference. Predictions and trainings are created with a
// model identifier and an input map; completion is observed by polling or
// through signed webhooks.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
	"atelier/internal/infra"
)

// ErrMissingAPIToken indicates the client was configured without credentials.
var ErrMissingAPIToken = errors.New("replicate: api token is required")

// Status is the provider-reported lifecycle state of a prediction.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the provider will not change this status again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Prediction is the provider's view of one submitted unit of work. The
// same shape is used for trainings.
type Prediction struct {
	ID     string          `json:"id"`
	Model  string          `json:"model"`
	Status Status          `json:"status"`
	Input  map[string]any  `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Logs   string          `json:"logs,omitempty"`
}

// Options configures the client.
type Options struct {
	APIToken      string
	BaseURL       string
	WebhookSecret string
	HTTPClient    *http.Client
	Logger        *infra.Logger
	PollInterval  time.Duration
}

// Client performs HTTP calls against the prediction API.
type Client struct {
	apiToken      string
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	logger        *infra.Logger
	pollInterval  time.Duration
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiToken:      strings.TrimSpace(opts.APIToken),
		baseURL:       baseURL,
		webhookSecret: strings.TrimSpace(opts.WebhookSecret),
		httpClient:    httpClient,
		logger:        logger,
		pollInterval:  pollInterval,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiToken != ""
}

type createRequest struct {
	Version     string         `json:"version,omitempty"`
	Model       string         `json:"model,omitempty"`
	Input       map[string]any `json:"input"`
	Webhook     string         `json:"webhook,omitempty"`
	Destination string         `json:"destination,omitempty"`
}

// CreatePrediction submits a long-running prediction. webhookURL may be
// empty for poll-only consumers.
func (c *Client) CreatePrediction(ctx context.Context, model string, input map[string]any, webhookURL string) (*Prediction, error) {
	return c.create(ctx, "/predictions", createRequest{Model: model, Input: input, Webhook: webhookURL})
}

// GetPrediction fetches the current status of a prediction.
func (c *Client) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	return c.get(ctx, "/predictions/"+id)
}

// CreateTraining submits a fine-tuning run producing destination as the
// trained model reference.
func (c *Client) CreateTraining(ctx context.Context, model, destination string, input map[string]any, webhookURL string) (*Prediction, error) {
	return c.create(ctx, "/trainings", createRequest{Model: model, Destination: destination, Input: input, Webhook: webhookURL})
}

// GetTraining fetches the current status of a training run.
func (c *Client) GetTraining(ctx context.Context, id string) (*Prediction, error) {
	return c.get(ctx, "/trainings/"+id)
}

// Run submits a prediction and blocks until it reaches a terminal state or
// ctx expires. On success the decoded output is returned for the
// normalizer; file references resolve lazily via File.
func (c *Client) Run(ctx context.Context, model string, input map[string]any) (any, error) {
	pred, err := c.CreatePrediction(ctx, model, input, "")
	if err != nil {
		return nil, err
	}
	for !pred.Status.Terminal() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, ctx.Err())
		case <-time.After(c.pollInterval):
		}
		pred, err = c.GetPrediction(ctx, pred.ID)
		if err != nil {
			return nil, err
		}
	}
	switch pred.Status {
	case StatusSucceeded:
		return c.DecodeOutput(pred.Output), nil
	case StatusCanceled:
		return nil, fmt.Errorf("%w: prediction %s canceled", domain.ErrProviderUnavailable, pred.ID)
	default:
		return nil, classifyFailure(pred.Error)
	}
}

// DecodeOutput converts raw prediction output into the value shape the
// normalizer consumes. Provider file references become lazy handles.
func (c *Client) DecodeOutput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	return c.wrapFiles(decoded)
}

// wrapFiles replaces provider file-endpoint references with lazy handles.
func (c *Client) wrapFiles(v any) any {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, c.baseURL+"/files/") {
			return &File{client: c, ref: t}
		}
		return t
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = c.wrapFiles(item)
		}
		return out
	default:
		return v
	}
}

// File is a lazy handle for output hosted behind the provider's file
// endpoint; the serving URL is resolved on demand.
type File struct {
	client *Client
	ref    string
}

// URL resolves the file reference to its downloadable URL.
func (f *File) URL(ctx context.Context) (string, error) {
	var meta struct {
		URLs struct {
			Get string `json:"get"`
		} `json:"urls"`
	}
	if err := f.client.do(ctx, http.MethodGet, f.ref, nil, &meta); err != nil {
		return "", err
	}
	if meta.URLs.Get == "" {
		return "", fmt.Errorf("replicate: file %s has no serving url", f.ref)
	}
	return meta.URLs.Get, nil
}

func (c *Client) create(ctx context.Context, path string, req createRequest) (*Prediction, error) {
	var pred Prediction
	if err := c.do(ctx, http.MethodPost, c.baseURL+path, req, &pred); err != nil {
		return nil, err
	}
	return &pred, nil
}

func (c *Client) get(ctx context.Context, path string) (*Prediction, error) {
	var pred Prediction
	if err := c.do(ctx, http.MethodGet, c.baseURL+path, nil, &pred); err != nil {
		return nil, err
	}
	return &pred, nil
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	if !c.HasCredentials() {
		return ErrMissingAPIToken
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("replicate: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("replicate: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures and timeouts are retryable; no deduction has
		// happened when submission fails.
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	default:
		var apiErr struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &apiErr)
		c.logger.Warn().Int("status", resp.StatusCode).Str("detail", apiErr.Detail).Msg("replicate: request rejected")
		return classifyFailure(apiErr.Detail)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("replicate: decode response: %w", err)
		}
	}
	return nil
}

// rejectionMarkers are substrings the provider uses when input was refused
// rather than the infrastructure failing.
var rejectionMarkers = []string{
	"nsfw",
	"flagged",
	"content policy",
	"sensitive",
	"invalid input",
	"validation",
}

func classifyFailure(detail string) error {
	lower := strings.ToLower(detail)
	for _, marker := range rejectionMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %s", domain.ErrProviderRejected, detail)
		}
	}
	if detail == "" {
		detail = "provider reported failure"
	}
	return fmt.Errorf("provider failure: %s", detail)
}
