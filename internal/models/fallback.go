package models

import (
	"fmt"
	"strings"
)

// ModelCandidate represents a provider/model pair to try
type ModelCandidate struct {
	Provider string
	Model    string
}

// String returns a string representation of the candidate
func (c ModelCandidate) String() string {
	return ModelKey(c.Provider, c.Model)
}

// FallbackConfig describes a primary target and its ordered fallbacks.
// The router consumes the expanded candidate list; this type only shapes
// configuration.
type FallbackConfig struct {
	PrimaryProvider string
	PrimaryModel    string
	Fallbacks       []string        // "provider/model" strings
	AllowedModels   map[string]bool // Optional allowlist, keyed by ModelKey
}

// ModelKey creates a unique key for a provider/model pair
func ModelKey(provider, model string) string {
	return fmt.Sprintf("%s/%s", strings.ToLower(provider), strings.ToLower(model))
}

// ParseModelRef parses a "provider/model" string
func ParseModelRef(ref, defaultProvider string) *ModelCandidate {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}

	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 1 {
		// Just model name, use default provider
		return &ModelCandidate{
			Provider: defaultProvider,
			Model:    parts[0],
		}
	}

	return &ModelCandidate{
		Provider: parts[0],
		Model:    parts[1],
	}
}

// BuildFallbackCandidates expands a FallbackConfig into the ordered,
// deduplicated candidate list: primary first, then each fallback ref that
// survives the allowlist.
func BuildFallbackCandidates(config *FallbackConfig) []ModelCandidate {
	if config == nil {
		return nil
	}

	candidates := make([]ModelCandidate, 0, 1+len(config.Fallbacks))
	seen := make(map[string]struct{}, 1+len(config.Fallbacks))

	allowed := func(c ModelCandidate) bool {
		if len(config.AllowedModels) == 0 {
			return true
		}
		return config.AllowedModels[c.String()]
	}

	add := func(c ModelCandidate) {
		key := c.String()
		if _, dup := seen[key]; dup {
			return
		}
		if !allowed(c) {
			return
		}
		seen[key] = struct{}{}
		candidates = append(candidates, c)
	}

	if config.PrimaryProvider != "" && config.PrimaryModel != "" {
		add(ModelCandidate{Provider: config.PrimaryProvider, Model: config.PrimaryModel})
	}

	for _, ref := range config.Fallbacks {
		if candidate := ParseModelRef(ref, config.PrimaryProvider); candidate != nil {
			add(*candidate)
		}
	}

	return candidates
}
