package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jgarzik/brainpro/internal/agent"
)

// AskUserTool suspends the current turn to ask the operator a question.
// It never returns a normal ToolResult: Execute always returns a
// *agent.YieldError, which the loop must recognize and use to persist a
// PendingYield before unwinding.
type AskUserTool struct{}

// NewAskUserTool creates an ask-user tool.
func NewAskUserTool() *AskUserTool { return &AskUserTool{} }

func (t *AskUserTool) Name() string { return "ask_user" }

func (t *AskUserTool) Description() string {
	return "Ask the operator a question and suspend this turn until they respond."
}

func (t *AskUserTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{
				"type":        "string",
				"description": "The question to present to the operator.",
			},
		},
		"required": []string{"question"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *AskUserTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return toolError("question is required"), nil
	}
	return nil, agent.NewAskUserYield(question)
}
