package agent

import (
	"log/slog"
	"time"

	"github.com/jgarzik/brainpro/internal/jobs"
	"github.com/jgarzik/brainpro/internal/usage"
)

// RuntimeOptions configures tool execution and loop behavior.
type RuntimeOptions struct {
	// MaxIterations limits tool-use iterations per request.
	MaxIterations int

	// ToolParallelism caps concurrent tool execution.
	ToolParallelism int

	// ToolTimeout applies a default timeout to each tool call.
	ToolTimeout time.Duration

	// ToolMaxAttempts controls retry attempts for tool execution.
	ToolMaxAttempts int

	// ToolRetryBackoff waits between retry attempts.
	ToolRetryBackoff time.Duration

	// DisableToolEvents disables ToolEvent emission while processing.
	DisableToolEvents bool

	// MaxToolCalls limits total tool calls per request (0 = unlimited).
	MaxToolCalls int

	// RequireApproval lists tool names/patterns that require approval.
	RequireApproval []string

	// ApprovalChecker evaluates approval policy for tool calls when set.
	ApprovalChecker *ApprovalChecker

	// ElevatedTools lists tool patterns eligible for elevated full bypass.
	ElevatedTools []string

	// AsyncTools lists tool names to execute asynchronously as jobs.
	AsyncTools []string

	// JobStore receives async tool job updates.
	JobStore jobs.Store

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// DoomLoopThreshold is the number of consecutive identical tool calls
	// (same name + same arguments) within a turn that forces termination.
	// 0 uses the package default.
	DoomLoopThreshold int

	// Logger receives runtime diagnostics.
	Logger *slog.Logger

	// CostFunc prices a completion's token usage for session cost
	// accounting. Injected by the wiring layer (routing.ComputeCost) rather
	// than imported directly: internal/agent/routing already imports
	// internal/agent for agent.LLMProvider, so agent importing routing back
	// would cycle.
	CostFunc func(backend, model string, inputTokens, outputTokens int64) float64

	// SessionTools returns extra tools scoped to one session (todo list,
	// plan mode) to overlay on top of the runtime's global registry for
	// that session's turns only. Returning nil/empty leaves the global
	// registry untouched.
	SessionTools func(sessionID string) []Tool

	// UsageTracker receives one usage record per completed model call,
	// alongside the per-session cumulative totals, for per-provider
	// reporting.
	UsageTracker *usage.Tracker

	// PrivacyEscalator computes a session's effective privacy level given
	// its current level and the incoming user message. Injected by the
	// wiring layer (routing.EscalateLevel) for the same import-cycle
	// reason as CostFunc. Nil disables auto-escalation.
	PrivacyEscalator func(current, message string) string
}

// defaultDoomLoopThreshold bounds how many times the same tool call
// (name + arguments) may repeat within a turn before the loop force-quits.
const defaultDoomLoopThreshold = 3

// askUserToolName is the control tool that always suspends the turn to ask
// the operator a question (see internal/tools/control.AskUserTool).
const askUserToolName = "ask_user"

// DefaultRuntimeOptions returns the baseline runtime options.
func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		MaxIterations:     5,
		ToolParallelism:   4,
		ToolTimeout:       30 * time.Second,
		ToolMaxAttempts:   1,
		ToolRetryBackoff:  0,
		DisableToolEvents: false,
		MaxToolCalls:      0,
		DoomLoopThreshold: defaultDoomLoopThreshold,
		Logger:            slog.Default(),
	}
}

func mergeRuntimeOptions(base RuntimeOptions, override RuntimeOptions) RuntimeOptions {
	merged := base
	if override.MaxIterations > 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.ToolParallelism > 0 {
		merged.ToolParallelism = override.ToolParallelism
	}
	if override.ToolTimeout > 0 {
		merged.ToolTimeout = override.ToolTimeout
	}
	if override.ToolMaxAttempts > 0 {
		merged.ToolMaxAttempts = override.ToolMaxAttempts
	}
	if override.ToolRetryBackoff > 0 {
		merged.ToolRetryBackoff = override.ToolRetryBackoff
	}
	if override.DisableToolEvents {
		merged.DisableToolEvents = true
	}
	if override.MaxToolCalls > 0 {
		merged.MaxToolCalls = override.MaxToolCalls
	}
	if len(override.RequireApproval) > 0 {
		merged.RequireApproval = override.RequireApproval
	}
	if override.ApprovalChecker != nil {
		merged.ApprovalChecker = override.ApprovalChecker
	}
	if len(override.ElevatedTools) > 0 {
		merged.ElevatedTools = override.ElevatedTools
	}
	if len(override.AsyncTools) > 0 {
		merged.AsyncTools = override.AsyncTools
	}
	if override.JobStore != nil {
		merged.JobStore = override.JobStore
	}
	if override.ToolResultGuard.active() {
		merged.ToolResultGuard = override.ToolResultGuard
	}
	if override.DoomLoopThreshold > 0 {
		merged.DoomLoopThreshold = override.DoomLoopThreshold
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	if override.CostFunc != nil {
		merged.CostFunc = override.CostFunc
	}
	if override.SessionTools != nil {
		merged.SessionTools = override.SessionTools
	}
	if override.UsageTracker != nil {
		merged.UsageTracker = override.UsageTracker
	}
	if override.PrivacyEscalator != nil {
		merged.PrivacyEscalator = override.PrivacyEscalator
	}
	return merged
}
