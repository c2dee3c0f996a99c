// Package policy evaluates (agent-id, tool, arguments) triples against a set
// of rules and a permission mode, producing an Allow / Ask / Deny decision
// with rule attribution. It is adapted from the tools/policy resolver
// and agent approval checker, unified into the single three-way decision
// the runtime requires instead of their separate allow/deny and
// allow/deny/pending mechanisms.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jgarzik/brainpro/pkg/models"
)

// Mode is the permission mode that supplies a default decision when no rule
// matches an invocation.
type Mode string

const (
	ModeDefault           Mode = "default"
	ModeAcceptEdits       Mode = "acceptEdits"
	ModeBypassPermissions Mode = "bypassPermissions"
)

// Class classifies a tool for the purpose of mode-default resolution.
type Class string

const (
	ClassReadOnly     Class = "read_only"
	ClassMutating     Class = "mutating"
	ClassShell        Class = "shell"
	ClassAgentControl Class = "agent_control"
)

// toolClasses is the fixed classification table for the core tool set.
// Unknown tools (MCP, aliases) default to ClassMutating, the conservative
// choice under the default mode.
var toolClasses = map[string]Class{
	"read":            ClassReadOnly,
	"glob":            ClassReadOnly,
	"grep":            ClassReadOnly,
	"search":          ClassReadOnly,
	"write":           ClassMutating,
	"edit":            ClassMutating,
	"exec":            ClassShell,
	"bash":            ClassShell,
	"task":            ClassAgentControl,
	"todo":            ClassAgentControl,
	"ask_user":        ClassAgentControl,
	"enter_plan_mode": ClassAgentControl,
	"exit_plan_mode":  ClassAgentControl,
}

// ClassifyTool returns the classification for a canonical tool name.
func ClassifyTool(toolName string) Class {
	if c, ok := toolClasses[strings.ToLower(strings.TrimSpace(toolName))]; ok {
		return c
	}
	return ClassMutating
}

// ErrOutsideRoot is returned by ResolveProjectPath when a path (including via
// symlinks) resolves outside the project root.
var ErrOutsideRoot = fmt.Errorf("path resolves outside project root")

// shellDenyHeads are shell command heads that are unconditionally denied,
// regardless of rule configuration.
var shellDenyHeads = map[string]struct{}{
	"curl": {},
	"wget": {},
}

// Rule mirrors models.PolicyRule with a compiled tool-pattern matcher.
type Rule = models.PolicyRule

// Engine evaluates invocations against a rule set and permission mode. It is
// a pure function over its configuration; it holds no per-call state.
type Engine struct {
	Mode  Mode
	Rules []Rule
	Root  string // project root for path-signature invariants
}

// NewEngine creates an engine for the given mode and project root.
func NewEngine(mode Mode, root string) *Engine {
	if mode == "" {
		mode = ModeDefault
	}
	return &Engine{Mode: mode, Root: root}
}

// Decision is the outcome of evaluating one invocation.
type Decision struct {
	Action models.PolicyAction
	Reason string
	Rule   *Rule
}

// Decide evaluates a tool invocation. toolName is the canonical tool name;
// argSignature is the invocation's canonical argument signature (e.g. a
// shell command for shell tools, a resolved path for file tools) used for
// glob matching against a rule's ArgPattern.
func (e *Engine) Decide(toolName, argSignature string) Decision {
	// Unconditional invariants precede rule evaluation and cannot be
	// overridden by any rule or mode.
	if d, ok := e.checkInvariants(toolName, argSignature); ok {
		return d
	}

	// Evaluate rules top-down by action class: allow, then ask, then deny.
	for _, action := range []models.PolicyAction{models.PolicyAllow, models.PolicyAsk, models.PolicyDeny} {
		for i := range e.Rules {
			rule := e.Rules[i]
			if rule.Action != action {
				continue
			}
			if !matchToolPattern(rule.ToolPattern, toolName) {
				continue
			}
			if rule.ArgPattern != "" && !matchArgPattern(rule.ArgPattern, argSignature) {
				continue
			}
			return Decision{Action: action, Reason: ruleReason(rule), Rule: &rule}
		}
	}

	return e.modeDefault(toolName)
}

func (e *Engine) checkInvariants(toolName, argSignature string) (Decision, bool) {
	class := ClassifyTool(toolName)
	if class == ClassShell {
		head := shellCommandHead(shellSignatureCommand(toolName, argSignature))
		if _, denied := shellDenyHeads[head]; denied {
			return Decision{Action: models.PolicyDeny, Reason: "unconditional deny: " + head}, true
		}
	}
	return Decision{}, false
}

func (e *Engine) modeDefault(toolName string) Decision {
	class := ClassifyTool(toolName)
	switch e.Mode {
	case ModeBypassPermissions:
		return Decision{Action: models.PolicyAllow, Reason: "mode bypassPermissions"}
	case ModeAcceptEdits:
		switch class {
		case ClassMutating:
			return Decision{Action: models.PolicyAllow, Reason: "mode acceptEdits: mutating file tool"}
		case ClassShell:
			return Decision{Action: models.PolicyAsk, Reason: "mode acceptEdits: shell"}
		default:
			return Decision{Action: models.PolicyAllow, Reason: "mode acceptEdits: default"}
		}
	default: // ModeDefault
		switch class {
		case ClassReadOnly:
			return Decision{Action: models.PolicyAllow, Reason: "mode default: read-only"}
		case ClassMutating:
			return Decision{Action: models.PolicyAsk, Reason: "mode default: mutating"}
		case ClassShell:
			return Decision{Action: models.PolicyAsk, Reason: "mode default: shell"}
		default:
			return Decision{Action: models.PolicyAllow, Reason: "mode default: agent control"}
		}
	}
}

func ruleReason(r Rule) string {
	if r.Reason != "" {
		return r.Reason
	}
	return fmt.Sprintf("rule matched: %s %s", r.Action, r.ToolPattern)
}

// ShellCommandHead is the exported form of shellCommandHead, so callers
// deciding whether a shell command is safe to run without approval (see
// internal/agent.ApprovalChecker's safe-bin check) extract the same
// canonical head this engine matches invariants on.
func ShellCommandHead(command string) string {
	return shellCommandHead(command)
}

// shellCommandHead extracts the first token of a shell command signature,
// skipping any leading environment-variable assignments (FOO=bar git ...).
func shellCommandHead(command string) string {
	fields := strings.Fields(command)
	for _, f := range fields {
		if strings.Contains(f, "=") && !strings.ContainsAny(f, " \t") {
			eq := strings.IndexByte(f, '=')
			if eq > 0 && isEnvName(f[:eq]) {
				continue
			}
		}
		return strings.ToLower(f)
	}
	return ""
}

func isEnvName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}

// ShellSignature builds a tool's canonical argument signature for shell
// tools: "<tool>(<command>)".
func ShellSignature(toolName, command string) string {
	return fmt.Sprintf("%s(%s)", toolName, command)
}

// shellSignatureCommand unwraps the canonical "<tool>(<command>)" form back
// to the raw command. A bare command passes through unchanged, so callers
// may hand Decide either form.
func shellSignatureCommand(toolName, sig string) string {
	prefix := strings.ToLower(strings.TrimSpace(toolName)) + "("
	if strings.HasPrefix(strings.ToLower(sig), prefix) && strings.HasSuffix(sig, ")") {
		return sig[len(prefix) : len(sig)-1]
	}
	return sig
}

// ResolveProjectPath resolves path against root, following symlinks, and
// returns ErrOutsideRoot if the resolved location escapes the root.
func ResolveProjectPath(root, path string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		// Root may not exist yet in tests; fall back to the cleaned abs path.
		rootReal = filepath.Clean(rootAbs)
	}

	var target string
	if filepath.IsAbs(path) {
		target = filepath.Clean(path)
	} else {
		target = filepath.Join(rootReal, path)
	}

	targetReal := target
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		targetReal = resolved
	} else if _, statErr := os.Stat(filepath.Dir(target)); statErr == nil {
		// Parent exists (e.g. a not-yet-created file); resolve the parent's
		// symlinks and rejoin the leaf so a symlinked ancestor still counts.
		if parentReal, perr := filepath.EvalSymlinks(filepath.Dir(target)); perr == nil {
			targetReal = filepath.Join(parentReal, filepath.Base(target))
		}
	}

	rel, err := filepath.Rel(rootReal, targetReal)
	if err != nil {
		return "", ErrOutsideRoot
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrOutsideRoot
	}
	return targetReal, nil
}

// matchToolPattern reports whether pattern matches toolName. Supports
// exact match, group:*, mcp:*, "<ns>.*" suffix wildcards, and "*" for all.
func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	pattern = strings.ToLower(pattern)
	toolName = strings.ToLower(toolName)
	if pattern == "*" {
		return true
	}
	if pattern == toolName {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	// Trailing wildcard ("read_*") and leading wildcard ("*_file"), the
	// forms /permissions and approval policy lists accept.
	if len(pattern) > 1 && strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	}
	if len(pattern) > 1 && strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(toolName, strings.TrimPrefix(pattern, "*"))
	}
	return false
}

// matchArgPattern glob-matches an argument signature. It supports a literal
// prefix followed by "*", a colon wildcard (e.g. "Bash(git:*)" matching any
// command whose head is "git" but not "gitx"), and exact match.
func matchArgPattern(pattern, signature string) bool {
	if pattern == signature {
		return true
	}
	// The closing paren of the canonical "<tool>(<args>)" form gets in the
	// way of trailing wildcards; strip a matched pair from both sides.
	p, s := pattern, signature
	if strings.HasSuffix(p, ")") && strings.HasSuffix(s, ")") {
		p, s = p[:len(p)-1], s[:len(s)-1]
	}
	if strings.HasSuffix(p, ":*") {
		prefix := strings.TrimSuffix(p, ":*")
		if !strings.HasPrefix(s, prefix) {
			return false
		}
		rest := s[len(prefix):]
		return rest == "" || rest[0] == ' ' || rest[0] == ':'
	}
	if strings.HasSuffix(p, "*") {
		return strings.HasPrefix(s, strings.TrimSuffix(p, "*"))
	}
	return p == s
}
