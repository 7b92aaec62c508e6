// Package prompt rewrites terse user prompts into richer generation prompts.
// The assistant is metered through auxiliary credits by the execution engine;
// this package only produces text.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// AssistRequest carries the raw prompt plus optional styling hints.
type AssistRequest struct {
	Prompt string
	Style  string
	Locale string
}

// AssistResponse is the rewritten prompt together with derived keywords.
type AssistResponse struct {
	Prompt   string   `json:"prompt"`
	Keywords []string `json:"keywords"`
	Provider string   `json:"-"`
}

// Assistant turns an AssistRequest into a richer prompt.
type Assistant interface {
	Assist(ctx context.Context, req AssistRequest) (*AssistResponse, error)
}

const staticProviderName = "static"

// StaticAssistant rewrites prompts with local heuristics only. It is the
// fallback when no model-backed assistant is configured and keeps the
// endpoint functional in development.
type StaticAssistant struct{}

func NewStaticAssistant() *StaticAssistant {
	return &StaticAssistant{}
}

func (s *StaticAssistant) Assist(ctx context.Context, req AssistRequest) (*AssistResponse, error) {
	subject := strings.TrimSpace(req.Prompt)
	if subject == "" {
		subject = "an abstract composition"
	}
	style := strings.TrimSpace(req.Style)
	if style == "" {
		style = "cinematic"
	}

	c := cases.Title(language.Und)
	rewritten := fmt.Sprintf(
		"%s, %s lighting, highly detailed, sharp focus, professional composition",
		c.String(subject), strings.ToLower(style),
	)

	return &AssistResponse{
		Prompt:   rewritten,
		Keywords: extractKeywords(subject, style),
		Provider: staticProviderName,
	}, nil
}

var _ Assistant = (*StaticAssistant)(nil)

// extractKeywords derives deduplicated lowercase keywords from the subject
// and style, skipping short filler words.
func extractKeywords(subject, style string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(word string) {
		word = strings.ToLower(strings.Trim(word, ".,!?\"'"))
		if len(word) < 3 {
			return
		}
		if _, ok := seen[word]; ok {
			return
		}
		seen[word] = struct{}{}
		out = append(out, word)
	}
	for _, w := range strings.Fields(subject) {
		add(w)
	}
	add(style)
	return out
}
