package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/jgarzik/brainpro/internal/agent"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in          string
		model, back string
	}{
		{"", "", ""},
		{"gpt-4o", "gpt-4o", ""},
		{"gpt-4o@openai", "gpt-4o", "openai"},
		{"@anthropic", "", "anthropic"},
	}
	for _, c := range cases {
		model, backend := ParseTarget(c.in)
		if model != c.model || backend != c.back {
			t.Errorf("ParseTarget(%q) = (%q, %q), want (%q, %q)", c.in, model, backend, c.model, c.back)
		}
	}
}

func TestFilterByPrivacyStrictRejectsNonZDR(t *testing.T) {
	backends := map[string]BackendInfo{"openai": {Name: "openai", ZeroDataRetention: false}}
	_, _, err := FilterByPrivacy(PrivacyStrict, []string{"openai"}, backends)
	var violation *PrivacyViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected PrivacyViolation, got %v", err)
	}
}

func TestFilterByPrivacySensitivePrefersZDRButFallsBackWithWarning(t *testing.T) {
	backends := map[string]BackendInfo{"openai": {Name: "openai", ZeroDataRetention: false}}
	allowed, event, err := FilterByPrivacy(PrivacySensitive, []string{"openai"}, backends)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(allowed) != 1 || allowed[0] != "openai" {
		t.Fatalf("expected fallback to non-ZDR backend, got %v", allowed)
	}
	if event == nil {
		t.Fatal("expected a warning event when forced off-ZDR")
	}
}

func TestEscalateLevelIsSticky(t *testing.T) {
	level := EscalateLevel(PrivacySensitive, "my password is hunter2", DefaultSensitivePatterns)
	if level != PrivacyStrict {
		t.Fatalf("expected escalation to strict, got %s", level)
	}
	level = EscalateLevel(level, "totally normal message", DefaultSensitivePatterns)
	if level != PrivacyStrict {
		t.Fatalf("expected strict to be sticky, got %s", level)
	}
}

func TestRouterPrivacyViolationAbortsTurn(t *testing.T) {
	openai := &stubProvider{name: "openai"}
	providers := map[string]agent.LLMProvider{"openai": openai}

	router := NewRouter(Config{
		DefaultProvider: "openai",
		Backends:        map[string]BackendInfo{"openai": {Name: "openai", ZeroDataRetention: false}},
	}, providers)

	req := &agent.CompletionRequest{
		Messages:     []agent.CompletionMessage{{Role: "user", Content: "hi"}},
		PrivacyLevel: "strict",
	}
	_, err := router.Complete(context.Background(), req)
	var violation *PrivacyViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected PrivacyViolation, got %v", err)
	}
	if openai.calls != 0 {
		t.Fatal("provider should never be called when privacy is violated")
	}
}
