package commands

import (
	"context"
	"fmt"
	"strings"
)

// Actions a command result can carry under Data["action"]. The surface
// that owns the registry interprets them: "display" results are printed
// verbatim, "undo" rewinds the session history, "prompt" (user-defined
// commands) is submitted as a user turn.
const (
	ActionDisplay = "display"
	ActionUndo    = "undo"
	ActionPrompt  = "prompt"
)

// Invocation context keys the owning surface populates for builtins.
const (
	CtxSessionID = "session_id"
	CtxStatus    = "status"
	CtxTurnCount = "turn_count"
	CtxTokens    = "tokens"
	CtxCost      = "cost"
	CtxTarget    = "target"
	CtxMode      = "mode"
	CtxVersion   = "version"
)

// RegisterBuiltins registers the built-in commands. Builtins render from
// the invocation context rather than reaching into the session directly,
// and never submit a model turn themselves.
func RegisterBuiltins(r *Registry) error {
	builtins := []*Command{
		{
			Name:        "status",
			Aliases:     []string{"info"},
			Description: "Show session id, state, and turn count",
			Category:    "session",
			Source:      "builtin",
			Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
				lines := []string{
					fmt.Sprintf("session: %s", ctxString(inv, CtxSessionID, "(none)")),
					fmt.Sprintf("status:  %s", ctxString(inv, CtxStatus, "active")),
					fmt.Sprintf("turns:   %s", ctxString(inv, CtxTurnCount, "0")),
				}
				if target := ctxString(inv, CtxTarget, ""); target != "" {
					lines = append(lines, fmt.Sprintf("target:  %s", target))
				}
				if mode := ctxString(inv, CtxMode, ""); mode != "" {
					lines = append(lines, fmt.Sprintf("mode:    %s", mode))
				}
				return &Result{
					Text: strings.Join(lines, "\n"),
					Data: map[string]any{"action": ActionDisplay},
				}, nil
			},
		},
		{
			Name:        "usage",
			Aliases:     []string{"cost"},
			Description: "Show cumulative token and cost totals",
			Category:    "session",
			Source:      "builtin",
			Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
				return &Result{
					Text: fmt.Sprintf("tokens: %s\ncost:   %s",
						ctxString(inv, CtxTokens, "0"),
						ctxString(inv, CtxCost, "$0.00")),
					Data: map[string]any{"action": ActionDisplay},
				}, nil
			},
		},
		{
			Name:        "version",
			Description: "Show the brainpro build version",
			Category:    "system",
			Source:      "builtin",
			Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
				return &Result{
					Text: "brainpro " + ctxString(inv, CtxVersion, "dev"),
					Data: map[string]any{"action": ActionDisplay},
				}, nil
			},
		},
		{
			Name:        "undo",
			Description: "Remove the last user/assistant exchange from the history",
			Category:    "session",
			Source:      "builtin",
			Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
				return &Result{
					Data: map[string]any{"action": ActionUndo},
				}, nil
			},
		},
	}
	for _, cmd := range builtins {
		if err := r.Register(cmd); err != nil {
			return fmt.Errorf("register builtin %q: %w", cmd.Name, err)
		}
	}
	return nil
}

// ctxString reads a string value from the invocation context, falling
// back when the key is absent or not a string.
func ctxString(inv *Invocation, key, fallback string) string {
	if inv.Context == nil {
		return fallback
	}
	if v, ok := inv.Context[key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

// ResultAction extracts the action tag from a result, defaulting to
// display so surfaces print unknown results rather than submitting them.
func ResultAction(res *Result) string {
	if res == nil || res.Data == nil {
		return ActionDisplay
	}
	if a, ok := res.Data["action"].(string); ok && a != "" {
		return a
	}
	return ActionDisplay
}
