package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jgarzik/brainpro/pkg/models"
)

// ToolEventRecorder adapts a Logger to the runtime's optional tool-event
// persistence hook, so every tool call and result the loop executes lands
// in the audit stream without the runtime depending on this package.
type ToolEventRecorder struct {
	logger *Logger
}

// NewToolEventRecorder wraps logger. A nil logger yields a recorder whose
// methods are no-ops.
func NewToolEventRecorder(logger *Logger) *ToolEventRecorder {
	return &ToolEventRecorder{logger: logger}
}

// AddToolCall records a tool invocation.
func (r *ToolEventRecorder) AddToolCall(ctx context.Context, sessionID, messageID string, call *models.ToolCall) error {
	if r.logger == nil || call == nil {
		return nil
	}
	r.logger.LogToolInvocation(ctx, call.Name, call.ID, json.RawMessage(call.Input), sessionID)
	return nil
}

// AddToolResult records a tool call's outcome.
func (r *ToolEventRecorder) AddToolResult(ctx context.Context, sessionID, messageID string, call *models.ToolCall, result *models.ToolResult) error {
	if r.logger == nil || call == nil || result == nil {
		return nil
	}
	r.logger.LogToolCompletion(ctx, call.Name, call.ID, !result.IsError, result.Content, time.Duration(0), sessionID)
	return nil
}
