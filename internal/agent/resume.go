package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jgarzik/brainpro/pkg/models"
)

// ErrNoPendingYield is returned by Resume when the session has no turn
// parked awaiting a decision.
var ErrNoPendingYield = errors.New("agent: no pending yield for session")

// ResumeDecision carries an operator's response to a PendingYield. Approved
// applies to the approval reason; Answer applies to the question reason.
type ResumeDecision struct {
	Approved bool
	Answer   string
}

// waiters tracks, per session, the goroutine parked inside run() waiting on
// a ResumeDecision. Registering a waiter is how run() blocks without busy
// polling; Resume is how the daemon's turn.resume/tool.approve RPC handlers
// unblock it.
type waiters struct {
	mu sync.Mutex
	m  map[string]chan ResumeDecision
}

func newWaiters() *waiters {
	return &waiters{m: make(map[string]chan ResumeDecision)}
}

// register creates (or replaces) the wait channel for a session. The
// returned channel receives exactly one ResumeDecision.
func (w *waiters) register(sessionID string) chan ResumeDecision {
	ch := make(chan ResumeDecision, 1)
	w.mu.Lock()
	w.m[sessionID] = ch
	w.mu.Unlock()
	return ch
}

// clear removes a session's wait channel once it has been resumed or the
// run has otherwise unwound.
func (w *waiters) clear(sessionID string) {
	w.mu.Lock()
	delete(w.m, sessionID)
	w.mu.Unlock()
}

// signal delivers a decision to a parked session, returning ErrNoPendingYield
// if nothing is waiting.
func (w *waiters) signal(sessionID string, decision ResumeDecision) error {
	w.mu.Lock()
	ch, ok := w.m[sessionID]
	if ok {
		delete(w.m, sessionID)
	}
	w.mu.Unlock()
	if !ok {
		return ErrNoPendingYield
	}
	ch <- decision
	return nil
}

// Resume delivers an operator decision to a session parked in run() on a
// PendingYield. It returns ErrNoPendingYield if the session is not currently
// suspended. The daemon's turn.resume and tool.approve RPC methods call this.
func (r *Runtime) Resume(sessionID string, decision ResumeDecision) error {
	return r.waiters.signal(sessionID, decision)
}

// suspendTurn parks the calling goroutine (run() always executes in its own
// goroutine, launched by Process/ProcessStream) until Resume is called for
// this session or ctx is cancelled. It persists the PendingYield and an
// awaiting-* status before blocking, and clears both before returning.
func (r *Runtime) suspendTurn(ctx context.Context, session *models.Session, iter int, tc models.ToolCall, reason models.YieldReason, question string, emitter *EventEmitter) (ResumeDecision, error) {
	status := models.SessionAwaitingApproval
	if reason == models.YieldQuestion {
		status = models.SessionAwaitingInput
	}

	session.Status = status
	session.PendingYield = &models.PendingYield{
		TurnNumber: iter,
		ToolCallID: tc.ID,
		Reason:     reason,
		ToolName:   tc.Name,
		ToolInput:  tc.Input,
		Question:   question,
		CreatedAt:  time.Now(),
	}
	if err := r.sessions.Update(ctx, session); err != nil && r.opts.Logger != nil {
		r.opts.Logger.Warn("failed to persist pending yield", "error", err, "session_id", session.ID, "tool", tc.Name)
	}

	emitter.RunYielded(ctx, reason, tc.Name, tc.ID, question)

	waitCh := r.waiters.register(session.ID)

	var decision ResumeDecision
	var err error
	select {
	case decision = <-waitCh:
	case <-ctx.Done():
		r.waiters.clear(session.ID)
		err = ctx.Err()
	}

	session.Status = models.SessionActive
	session.PendingYield = nil
	if updateErr := r.sessions.Update(context.Background(), session); updateErr != nil && r.opts.Logger != nil {
		r.opts.Logger.Warn("failed to clear pending yield", "error", updateErr, "session_id", session.ID)
	}

	return decision, err
}
