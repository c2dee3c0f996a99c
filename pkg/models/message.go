package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChannelType identifies the client surface that drives a session.
type ChannelType string

const (
	// ChannelAPI identifies sessions driven by the direct CLI or library API,
	// with no transport in between.
	ChannelAPI ChannelType = "api"
	// ChannelGateway identifies sessions driven through the WebSocket gateway.
	ChannelGateway ChannelType = "gateway"
	// ChannelCron identifies sessions driven by scheduled agent jobs.
	ChannelCron ChannelType = "cron"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified message format across all channels.
type Message struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	BranchID    string            `json:"branch_id,omitempty"`
	SequenceNum int64             `json:"sequence_num,omitempty"`
	Channel     ChannelType       `json:"channel"`
	ChannelID   string            `json:"channel_id"`   // Platform-specific message ID
	Direction   Direction         `json:"direction"`
	Role        Role              `json:"role"`
	Content     string            `json:"content"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ToolCalls   []ToolCall        `json:"tool_calls,omitempty"`
	ToolResults []ToolResult      `json:"tool_results,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCallStatus is a position in the tool-call status lattice. A call
// transitions forward only; once Completed, Failed, or Denied it is frozen.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallDenied    ToolCallStatus = "denied"
)

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	Status   ToolCallStatus  `json:"status,omitempty"`
	Duration time.Duration   `json:"duration,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// frozen reports whether t has reached a terminal status and must not
// transition further.
func (t ToolCall) frozen() bool {
	switch t.Status {
	case ToolCallCompleted, ToolCallFailed, ToolCallDenied:
		return true
	default:
		return false
	}
}

// AdvanceStatus moves the tool call to next, returning an error if the
// current status is already frozen.
func (t *ToolCall) AdvanceStatus(next ToolCallStatus) error {
	if t.frozen() {
		return fmt.Errorf("tool call %s already in terminal status %s", t.ID, t.Status)
	}
	t.Status = next
	return nil
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// SessionStatus is the lifecycle state of a session. A session is in at
// most one suspension state at a time.
type SessionStatus string

const (
	SessionActive           SessionStatus = "active"
	SessionPaused           SessionStatus = "paused"
	SessionEnded            SessionStatus = "ended"
	SessionStuck            SessionStatus = "stuck"
	SessionAwaitingApproval SessionStatus = "awaiting-approval"
	SessionAwaitingInput    SessionStatus = "awaiting-input"
)

// TurnSummary is a compact record of one completed turn, retained on the
// session for history/listing purposes after the full Turn is discarded.
type TurnSummary struct {
	TurnNumber int       `json:"turn_number"`
	Iterations int       `json:"iterations"`
	ToolUses   int       `json:"tool_uses"`
	Tokens     int64     `json:"tokens"`
	Cost       float64   `json:"cost"`
	EndedAt    time.Time `json:"ended_at"`
}

// Session represents a conversation thread.
type Session struct {
	ID                string            `json:"id"`
	AgentID           string            `json:"agent_id"`
	Channel           ChannelType       `json:"channel"`
	ChannelID         string            `json:"channel_id"`
	Key               string            `json:"key"`
	Title             string            `json:"title,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`

	// Status is the session's lifecycle/suspension state.
	Status SessionStatus `json:"status,omitempty"`
	// TurnCount is monotonically increasing; it never decreases.
	TurnCount int `json:"turn_count"`
	// CumulativeTokens sums token usage across every turn in the session.
	CumulativeTokens int64 `json:"cumulative_tokens"`
	// CumulativeCost sums computed cost across every turn in the session.
	CumulativeCost float64 `json:"cumulative_cost"`
	// TurnSummaries is the ordered history of completed turns.
	TurnSummaries []TurnSummary `json:"turn_summaries,omitempty"`
	// Messages is the ordered message history for the session.
	Messages []Message `json:"messages,omitempty"`
	// PrivacyLevel is the effective privacy classification (standard,
	// sensitive, strict); it may escalate permanently within a session.
	PrivacyLevel string `json:"privacy_level,omitempty"`
	// PendingYield is present iff Status is awaiting-approval or
	// awaiting-input. Exactly one PendingYield exists per suspended session.
	PendingYield *PendingYield `json:"pending_yield,omitempty"`
}

// User represents an authenticated user.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent represents a configured AI agent.
type Agent struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Tools        []string       `json:"tools,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// APIKey represents an API key for programmatic access.
type APIKey struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Prefix     string    `json:"prefix"` // First 8 chars for identification
	Scopes     []string  `json:"scopes,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
