// Package catalog maps public tool names to provider model identifiers and
// credit costs. The catalog ships with built-in defaults and can be replaced
// wholesale by a YAML file so new tools roll out without a deploy.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tool describes a single invocable tool.
type Tool struct {
	Name string `yaml:"name"`
	// Model is the provider model identifier, e.g. "owner/model" or a
	// pinned "owner/model:version".
	Model string `yaml:"model"`
	// Cost is the number of general credits one invocation consumes.
	Cost int `yaml:"cost"`
	// Async tools are submitted as background jobs; sync tools block the
	// caller until the provider returns.
	Async bool `yaml:"async"`
	// Kind selects the job lifecycle for async tools: "generation" or
	// "training". Empty means generation.
	Kind string `yaml:"kind"`
	// Defaults are merged under the caller's input; caller keys win.
	Defaults map[string]any `yaml:"defaults"`
}

// Catalog is an immutable name -> tool index.
type Catalog struct {
	tools map[string]Tool
}

type catalogFile struct {
	Tools []Tool `yaml:"tools"`
}

// Default returns the built-in catalog used when no YAML override is
// configured.
func Default() *Catalog {
	return build([]Tool{
		{
			Name:  "image",
			Model: "black-forest-labs/flux-schnell",
			Cost:  1,
			Defaults: map[string]any{
				"num_outputs":    1,
				"output_format":  "png",
				"aspect_ratio":   "1:1",
				"output_quality": 90,
			},
		},
		{
			Name:  "video",
			Model: "minimax/video-01",
			Cost:  5,
			Async: true,
		},
		{
			Name:  "upscale",
			Model: "nightmareai/real-esrgan",
			Cost:  1,
			Async: true,
			Defaults: map[string]any{
				"scale": 2,
			},
		},
		{
			Name:  "train",
			Model: "ostris/flux-dev-lora-trainer",
			Cost:  20,
			Async: true,
			Kind:  "training",
			Defaults: map[string]any{
				"steps": 1000,
			},
		},
	})
}

// Load parses a YAML catalog file. The file replaces the built-in defaults
// entirely rather than merging with them.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	if len(file.Tools) == 0 {
		return nil, fmt.Errorf("catalog: %s declares no tools", path)
	}
	for i, t := range file.Tools {
		if t.Name == "" || t.Model == "" {
			return nil, fmt.Errorf("catalog: tool %d is missing name or model", i)
		}
		if t.Cost <= 0 {
			return nil, fmt.Errorf("catalog: tool %q has non-positive cost", t.Name)
		}
	}
	return build(file.Tools), nil
}

func build(tools []Tool) *Catalog {
	idx := make(map[string]Tool, len(tools))
	for _, t := range tools {
		idx[t.Name] = t
	}
	return &Catalog{tools: idx}
}

// Lookup returns the tool registered under name.
func (c *Catalog) Lookup(name string) (Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Names lists the registered tool names in no particular order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.tools))
	for name := range c.tools {
		out = append(out, name)
	}
	return out
}

// BuildInput merges the tool's defaults under the caller-supplied input.
// Caller keys always win; defaults only fill gaps.
func (t Tool) BuildInput(input map[string]any) map[string]any {
	merged := make(map[string]any, len(t.Defaults)+len(input))
	for k, v := range t.Defaults {
		merged[k] = v
	}
	for k, v := range input {
		merged[k] = v
	}
	return merged
}
