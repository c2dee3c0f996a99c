package daemon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/jgarzik/brainpro/internal/agent"
	"github.com/jgarzik/brainpro/internal/config"
	"github.com/jgarzik/brainpro/internal/cron"
	"github.com/jgarzik/brainpro/internal/sessions"
	"github.com/jgarzik/brainpro/pkg/models"
)

type methodFunc func(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error)

var methodTable = map[string]methodFunc{
	"chat.send":      handleChatSend,
	"session.create": handleSessionCreate,
	"session.list":   handleSessionList,
	"session.get":    handleSessionGet,
	"session.end":    handleSessionEnd,
	"tool.approve":   handleToolApprove,
	"turn.resume":    handleTurnResume,
	"cron.add":       handleCronAdd,
	"cron.remove":    handleCronRemove,
	"cron.list":      handleCronList,
	"device.pair":    handleDevicePair,
	"health.status":  handleHealthStatus,
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}

// --- chat.send ---

type chatSendParams struct {
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Content   string `json:"content"`
}

func handleChatSend(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	if d.runtime == nil || d.sessions == nil {
		return nil, newCodedError(ErrInternal, "runtime unavailable")
	}
	var p chatSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, newCodedError(ErrInternal, "invalid params: "+err.Error())
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, newCodedError(ErrInternal, "content is required")
	}

	session, err := d.resolveSession(ctx, p)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionAwaitingApproval || session.Status == models.SessionAwaitingInput {
		return nil, newCodedError(ErrSessionBusy, "session has an open yield; resolve it with tool.approve or turn.resume")
	}

	d.subscribe(c, session.ID)

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Channel:   session.Channel,
		ChannelID: session.ChannelID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   p.Content,
		CreatedAt: time.Now(),
	}

	go d.runTurn(session, msg)

	return map[string]any{"status": "accepted", "session_id": session.ID}, nil
}

func (d *Daemon) resolveSession(ctx context.Context, p chatSendParams) (*models.Session, error) {
	if p.SessionID != "" {
		session, err := d.sessions.Get(ctx, p.SessionID)
		if err != nil {
			return nil, newCodedError(ErrSessionNotFound, err.Error())
		}
		return session, nil
	}

	agentID := p.AgentID
	if agentID == "" {
		agentID = d.defaultAgentID
	}
	channel := models.ChannelGateway
	if p.Channel != "" {
		channel = models.ChannelType(p.Channel)
	}
	channelID := p.ChannelID
	if channelID == "" {
		channelID = uuid.NewString()
	}
	key := sessions.SessionKey(agentID, channel, channelID)
	session, err := d.sessions.GetOrCreate(ctx, key, agentID, channel, channelID)
	if err != nil {
		return nil, newCodedError(ErrInternal, err.Error())
	}
	return session, nil
}

// runTurn serializes turns within a session (queuing behind any running
// turn), runs the agentic loop, and fans its events out to every connection
// subscribed to the session. The turn's context is registered so
// session.end can interrupt it; a client disconnect does not.
func (d *Daemon) runTurn(session *models.Session, msg *models.Message) {
	release, err := d.locks.Acquire(context.Background(), session.ID, "daemon", 0)
	if err != nil {
		d.logger.Warn("failed to acquire session lock", "session_id", session.ID, "error", err)
		return
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.trackTurn(session.ID, cancel)
	defer d.untrackTurn(session.ID)

	events, err := d.runtime.ProcessStream(ctx, session, msg)
	if err != nil {
		d.logger.Warn("process stream failed", "session_id", session.ID, "error", err)
		return
	}
	for evt := range events {
		d.auditEvent(session, evt)
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		d.broadcast(session.ID, string(evt.Type), data)
	}
}

// auditEvent records tool lifecycle events to the audit log, when one is
// configured.
func (d *Daemon) auditEvent(session *models.Session, evt models.AgentEvent) {
	if d.audit == nil || evt.Tool == nil {
		return
	}
	ctx := context.Background()
	switch evt.Type {
	case models.AgentEventToolStarted:
		d.audit.LogToolInvocation(ctx, evt.Tool.Name, evt.Tool.CallID, json.RawMessage(evt.Tool.ArgsJSON), session.ID)
	case models.AgentEventToolFinished:
		d.audit.LogToolCompletion(ctx, evt.Tool.Name, evt.Tool.CallID, evt.Tool.Success, string(evt.Tool.ResultJSON), evt.Tool.Elapsed, session.ID)
	}
}

// --- session.create / session.list / session.get ---

type sessionCreateParams struct {
	AgentID   string `json:"agent_id"`
	Channel   string `json:"channel,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

func handleSessionCreate(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	if d.sessions == nil {
		return nil, newCodedError(ErrInternal, "session store unavailable")
	}
	var p sessionCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, newCodedError(ErrInternal, "invalid params: "+err.Error())
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = d.defaultAgentID
	}
	channel := models.ChannelGateway
	if p.Channel != "" {
		channel = models.ChannelType(p.Channel)
	}
	channelID := p.ChannelID
	if channelID == "" {
		channelID = uuid.NewString()
	}
	session, err := d.sessions.GetOrCreate(ctx, sessions.SessionKey(agentID, channel, channelID), agentID, channel, channelID)
	if err != nil {
		return nil, newCodedError(ErrInternal, err.Error())
	}
	return session, nil
}

type sessionListParams struct {
	AgentID string `json:"agent_id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

func handleSessionList(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	if d.sessions == nil {
		return nil, newCodedError(ErrInternal, "session store unavailable")
	}
	var p sessionListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, newCodedError(ErrInternal, "invalid params: "+err.Error())
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = d.defaultAgentID
	}
	opts := sessions.ListOptions{Limit: p.Limit, Offset: p.Offset}
	if p.Channel != "" {
		opts.Channel = models.ChannelType(p.Channel)
	}
	list, err := d.sessions.List(ctx, agentID, opts)
	if err != nil {
		return nil, newCodedError(ErrInternal, err.Error())
	}
	return map[string]any{"sessions": list}, nil
}

type sessionGetParams struct {
	SessionID string `json:"session_id"`
}

func handleSessionGet(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	if d.sessions == nil {
		return nil, newCodedError(ErrInternal, "session store unavailable")
	}
	var p sessionGetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, newCodedError(ErrInternal, "invalid params: "+err.Error())
	}
	session, err := d.sessions.Get(ctx, p.SessionID)
	if err != nil {
		return nil, newCodedError(ErrSessionNotFound, err.Error())
	}
	return session, nil
}

// --- session.end ---

type sessionEndParams struct {
	SessionID string `json:"session_id"`
}

// handleSessionEnd cancels any running turn and marks the session ended. A
// session with an open yield is refused: the operator must resolve the
// yield (approve or deny) first, rather than having an end silently decide
// it.
func handleSessionEnd(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	if d.sessions == nil {
		return nil, newCodedError(ErrInternal, "session store unavailable")
	}
	var p sessionEndParams
	if err := decodeParams(params, &p); err != nil {
		return nil, newCodedError(ErrInternal, "invalid params: "+err.Error())
	}
	session, err := d.sessions.Get(ctx, p.SessionID)
	if err != nil {
		return nil, newCodedError(ErrSessionNotFound, err.Error())
	}
	if session.Status == models.SessionAwaitingApproval || session.Status == models.SessionAwaitingInput {
		return nil, newCodedError(ErrSessionBusy, "session has an open yield; resolve it with tool.approve or turn.resume before ending")
	}

	interrupted := d.cancelTurn(session.ID)
	session.Status = models.SessionEnded
	if err := d.sessions.Update(ctx, session); err != nil {
		return nil, newCodedError(ErrInternal, err.Error())
	}
	return map[string]any{"ended": true, "interrupted": interrupted}, nil
}

// --- tool.approve / turn.resume ---

type resumeParams struct {
	SessionID string `json:"session_id"`
	Approved  bool   `json:"approved"`
	Answer    string `json:"answer,omitempty"`
}

func handleToolApprove(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	return resumeSession(d, params)
}

func handleTurnResume(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	return resumeSession(d, params)
}

func resumeSession(d *Daemon, params json.RawMessage) (any, error) {
	if d.runtime == nil {
		return nil, newCodedError(ErrInternal, "runtime unavailable")
	}
	var p resumeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, newCodedError(ErrInternal, "invalid params: "+err.Error())
	}
	if strings.TrimSpace(p.SessionID) == "" {
		return nil, newCodedError(ErrSessionNotFound, "session_id is required")
	}
	decision := agent.ResumeDecision{Approved: p.Approved, Answer: p.Answer}
	err := d.runtime.Resume(p.SessionID, decision)
	if err != nil {
		return nil, newCodedError(ErrSessionNotFound, err.Error())
	}
	return map[string]any{"status": "resumed"}, nil
}

// --- cron.add / cron.remove / cron.list ---

func handleCronAdd(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	if d.cron == nil {
		return nil, newCodedError(ErrInternal, "cron scheduler unavailable")
	}
	var cfg config.CronJobConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, newCodedError(ErrInternal, "invalid params: "+err.Error())
	}
	job, err := d.cron.RegisterJob(cfg)
	if err != nil {
		return nil, newCodedError(ErrInternal, err.Error())
	}
	return job, nil
}

type cronRemoveParams struct {
	ID string `json:"id"`
}

func handleCronRemove(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	if d.cron == nil {
		return nil, newCodedError(ErrInternal, "cron scheduler unavailable")
	}
	var p cronRemoveParams
	if err := decodeParams(params, &p); err != nil {
		return nil, newCodedError(ErrInternal, "invalid params: "+err.Error())
	}
	ok := d.cron.UnregisterJob(p.ID)
	if !ok {
		return nil, newCodedError(ErrSessionNotFound, "cron job not found: "+p.ID)
	}
	return map[string]any{"removed": true}, nil
}

func handleCronList(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	if d.cron == nil {
		return map[string]any{"jobs": []*cron.Job{}}, nil
	}
	return map[string]any{"jobs": d.cron.Jobs()}, nil
}

// --- device.pair ---

type devicePairParams struct {
	DeviceID string            `json:"device_id"`
	Role     string            `json:"role,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

func handleDevicePair(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	if d.pairing == nil {
		return nil, newCodedError(ErrInternal, "pairing store unavailable")
	}
	var p devicePairParams
	if err := decodeParams(params, &p); err != nil {
		return nil, newCodedError(ErrInternal, "invalid params: "+err.Error())
	}
	if strings.TrimSpace(p.DeviceID) == "" {
		return nil, newCodedError(ErrAuthFailed, "device_id is required")
	}

	allowed, err := d.pairing.IsAllowed(gatewayPairingRealm, p.DeviceID)
	if err != nil {
		return nil, newCodedError(ErrInternal, err.Error())
	}
	if allowed {
		return map[string]any{"paired": true}, nil
	}

	meta := p.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	if p.Role != "" {
		meta["role"] = p.Role
	}
	code, _, err := d.pairing.UpsertRequest(gatewayPairingRealm, p.DeviceID, meta)
	if err != nil {
		return nil, newCodedError(ErrInternal, err.Error())
	}
	resp := map[string]any{"paired": false, "code": code}
	// A scannable rendering of the pairing code, so clients with a camera
	// skip transcribing it. Rendering failure only drops the QR, not the
	// pairing itself.
	if png, err := qrcode.Encode(code, qrcode.Medium, 256); err == nil {
		resp["qr_png"] = base64.StdEncoding.EncodeToString(png)
	}
	return resp, nil
}

// --- health.status ---

func handleHealthStatus(ctx context.Context, d *Daemon, c *connWrapper, params json.RawMessage) (any, error) {
	report := d.health.CheckAll(ctx)
	return map[string]any{
		"status":           string(report.Status),
		"checks":           report.Checks,
		"uptime_secs":      uint64(time.Since(d.startTime).Seconds()),
		"active_sessions":  d.ActiveSessions(),
		"active_conns":     d.ActiveConnections(),
		"pending_requests": d.PendingRequests(),
	}, nil
}
