package control

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jgarzik/brainpro/internal/agent"
)

// PlanModeStore tracks, per session, whether plan mode is active. While
// active, the policy engine restricts approvals to read-only tools
// regardless of permission mode; see internal/policy.ClassifyTool.
type PlanModeStore struct {
	mu     sync.Mutex
	active map[string]bool
}

// NewPlanModeStore creates an empty store.
func NewPlanModeStore() *PlanModeStore {
	return &PlanModeStore{active: make(map[string]bool)}
}

// Active reports whether plan mode is active for a session.
func (s *PlanModeStore) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[sessionID]
}

// Set toggles plan mode for a session.
func (s *PlanModeStore) Set(sessionID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.active[sessionID] = true
	} else {
		delete(s.active, sessionID)
	}
}

// EnterPlanModeTool switches a session into plan mode: only read-only
// tools are approved until ExitPlanMode is called.
type EnterPlanModeTool struct {
	store     *PlanModeStore
	sessionID string
}

// NewEnterPlanModeTool creates an enter-plan-mode tool bound to a session.
func NewEnterPlanModeTool(store *PlanModeStore, sessionID string) *EnterPlanModeTool {
	return &EnterPlanModeTool{store: store, sessionID: sessionID}
}

func (t *EnterPlanModeTool) Name() string { return "enter_plan_mode" }

func (t *EnterPlanModeTool) Description() string {
	return "Enter plan mode: restrict further tool approvals to read-only tools until exit_plan_mode is called."
}

func (t *EnterPlanModeTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *EnterPlanModeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	t.store.Set(t.sessionID, true)
	payload, _ := json.Marshal(map[string]string{"status": "plan_mode_entered"})
	return &agent.ToolResult{Content: string(payload)}, nil
}

// ExitPlanModeTool switches a session out of plan mode.
type ExitPlanModeTool struct {
	store     *PlanModeStore
	sessionID string
}

// NewExitPlanModeTool creates an exit-plan-mode tool bound to a session.
func NewExitPlanModeTool(store *PlanModeStore, sessionID string) *ExitPlanModeTool {
	return &ExitPlanModeTool{store: store, sessionID: sessionID}
}

func (t *ExitPlanModeTool) Name() string { return "exit_plan_mode" }

func (t *ExitPlanModeTool) Description() string {
	return "Exit plan mode, restoring normal tool approval behavior."
}

func (t *ExitPlanModeTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"plan": map[string]interface{}{
				"type":        "string",
				"description": "The finalized plan to present before resuming normal execution.",
			},
		},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ExitPlanModeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Plan string `json:"plan"`
	}
	_ = json.Unmarshal(params, &input)
	t.store.Set(t.sessionID, false)
	payload, _ := json.Marshal(map[string]string{"status": "plan_mode_exited", "plan": input.Plan})
	return &agent.ToolResult{Content: string(payload)}, nil
}
