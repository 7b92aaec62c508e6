// Package normalizer reduces the provider's heterogeneous output shapes to
// one canonical artifact URL. The provider SDK returns different shapes per
// model family (single object, array, lazy file handle, bare string), so
// every variant is matched explicitly; anything else is an error carrying
// the serialized payload for diagnosis. Re-validate this contract whenever
// a new model family is integrated.
package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"atelier/internal/domain"
)

// URLResolver is implemented by lazy file handles that resolve their URL
// on demand (the provider client's File type).
type URLResolver interface {
	URL(ctx context.Context) (string, error)
}

// Normalize reduces raw provider output to a single artifact URL.
// Match order: lazy URL resolver, object with a string URL field, sequence
// whose first element matches recursively, bare string.
func Normalize(ctx context.Context, raw any) (string, error) {
	switch v := raw.(type) {
	case URLResolver:
		u, err := v.URL(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve output url: %w", err)
		}
		return validated(u, raw)
	case map[string]any:
		if u, ok := urlField(v); ok {
			return validated(u, raw)
		}
		return "", unrecognized(raw)
	case []any:
		if len(v) == 0 {
			return "", unrecognized(raw)
		}
		return Normalize(ctx, v[0])
	case string:
		return validated(v, raw)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return "", unrecognized(raw)
		}
		return Normalize(ctx, decoded)
	default:
		return "", unrecognized(raw)
	}
}

// urlFieldKeys is the fixed lookup order for object outputs. "url" is the
// documented field; the aliases cover older model families.
var urlFieldKeys = []string{"url", "image", "video", "output"}

func urlField(obj map[string]any) (string, bool) {
	for _, key := range urlFieldKeys {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

func validated(u string, raw any) (string, error) {
	u = strings.TrimSpace(u)
	if u == "" {
		return "", unrecognized(raw)
	}
	return u, nil
}

func unrecognized(raw any) error {
	serialized, err := json.Marshal(raw)
	if err != nil {
		serialized = []byte(fmt.Sprintf("%#v", raw))
	}
	return fmt.Errorf("%w: %s", domain.ErrUnrecognizedOutput, serialized)
}
