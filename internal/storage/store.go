package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BlobStore is the durable object-storage contract: put bytes at a key and
// get a long-lived URL back, read them again later, delete them. Owns
// reports whether a URL points into this store, which is how callers decide
// whether a result still needs rehoming.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Owns(url string) bool
}

// ErrFetchFailed wraps any failure to download a provider-hosted URL.
var ErrFetchFailed = errors.New("storage: fetch failed")

const maxFetchBytes = 256 << 20

var fetchClient = &http.Client{Timeout: 60 * time.Second}

// Fetch downloads a non-owned URL with a plain HTTP GET and returns the
// bytes together with the reported content type.
func Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%w: unexpected status %d", ErrFetchFailed, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// ExtensionForContentType maps common generated-media content types to a
// file extension for storage keys.
func ExtensionForContentType(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "application/zip":
		return ".zip"
	default:
		return ".bin"
	}
}
