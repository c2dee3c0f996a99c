// Package control implements the agent's control-flow tools: Todo,
// AskUser, and EnterPlanMode/ExitPlanMode. Unlike the file and exec tools,
// these do not touch the filesystem or a subprocess; they mutate
// session-scoped state and, for AskUser, trigger the loop's yield path.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jgarzik/brainpro/internal/agent"
)

// TodoStatus is the state of one todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry in a session's task list.
type TodoItem struct {
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// TodoStore holds the current task list per session, replaced wholesale on
// every Todo tool call so the LLM's view of progress stays authoritative.
type TodoStore struct {
	mu    sync.Mutex
	lists map[string][]TodoItem
}

// NewTodoStore creates an empty store.
func NewTodoStore() *TodoStore {
	return &TodoStore{lists: make(map[string][]TodoItem)}
}

// Set replaces the task list for a session.
func (s *TodoStore) Set(sessionID string, items []TodoItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[sessionID] = items
}

// Get returns the current task list for a session.
func (s *TodoStore) Get(sessionID string) []TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.lists[sessionID]
	out := make([]TodoItem, len(items))
	copy(out, items)
	return out
}

// TodoTool lets the agent record and update a task list visible to the
// operator as session events, without affecting the loop's control flow.
type TodoTool struct {
	store     *TodoStore
	sessionID string
	onUpdate  func(sessionID string, items []TodoItem)
}

// NewTodoTool creates a todo tool bound to one session.
func NewTodoTool(store *TodoStore, sessionID string, onUpdate func(string, []TodoItem)) *TodoTool {
	return &TodoTool{store: store, sessionID: sessionID, onUpdate: onUpdate}
}

func (t *TodoTool) Name() string { return "todo" }

func (t *TodoTool) Description() string {
	return "Write the current task list for this turn. Replaces the previous list; call it whenever tasks are added, started, or completed."
}

func (t *TodoTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"todos": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"content": map[string]interface{}{"type": "string"},
						"status": map[string]interface{}{
							"type": "string",
							"enum": []string{"pending", "in_progress", "completed"},
						},
					},
					"required": []string{"content", "status"},
				},
			},
		},
		"required": []string{"todos"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *TodoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Todos []TodoItem `json:"todos"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	for i, item := range input.Todos {
		switch item.Status {
		case TodoPending, TodoInProgress, TodoCompleted:
		default:
			return toolError(fmt.Sprintf("todos[%d].status %q is invalid", i, item.Status)), nil
		}
	}
	t.store.Set(t.sessionID, input.Todos)
	if t.onUpdate != nil {
		t.onUpdate(t.sessionID, input.Todos)
	}
	payload, err := json.MarshalIndent(map[string]interface{}{
		"status": "ok",
		"count":  len(input.Todos),
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
