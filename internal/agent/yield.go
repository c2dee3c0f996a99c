package agent

import "fmt"

// YieldError is returned by Tool.Execute to suspend the enclosing turn
// instead of completing normally. The loop recognizes it via errors.As,
// persists a models.PendingYield built from its fields, and unwinds
// without producing a tool result for the triggering call.
type YieldError struct {
	// Reason is "approval" or "question", mirroring models.YieldReason.
	Reason string
	// Question is set when Reason is "question" (the AskUser prompt).
	Question string
}

func (e *YieldError) Error() string {
	if e.Question != "" {
		return fmt.Sprintf("turn yielded: %s: %s", e.Reason, e.Question)
	}
	return fmt.Sprintf("turn yielded: %s", e.Reason)
}

// NewAskUserYield builds a YieldError for an AskUser suspension.
func NewAskUserYield(question string) *YieldError {
	return &YieldError{Reason: "question", Question: question}
}
