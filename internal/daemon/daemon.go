package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jgarzik/brainpro/internal/agent"
	"github.com/jgarzik/brainpro/internal/agent/routing"
	"github.com/jgarzik/brainpro/internal/audit"
	"github.com/jgarzik/brainpro/internal/cron"
	"github.com/jgarzik/brainpro/internal/infra"
	"github.com/jgarzik/brainpro/internal/pairing"
	"github.com/jgarzik/brainpro/internal/sessions"
)

// gatewayPairingRealm is the pairing.Store realm holding every device that
// pairs through the gateway.
const gatewayPairingRealm = "gateway"

// Options configures a Daemon.
type Options struct {
	Runtime        *agent.Runtime
	Sessions       sessions.Store
	Cron           *cron.Scheduler
	Pairing        *pairing.Store
	DefaultAgentID string
	Logger         *slog.Logger

	// Audit receives tool invocation/completion records for every turn the
	// daemon runs. Nil disables audit logging.
	Audit *audit.Logger

	// MaxInFlightPerConn bounds the number of requests a single connection
	// may have dispatched concurrently; beyond this, new requests receive a
	// SessionBusy-class error immediately instead of queuing indefinitely.
	MaxInFlightPerConn int

	// EventBufferPerConn bounds the per-subscriber event channel; the
	// oldest buffered event is dropped on overflow.
	EventBufferPerConn int
}

// Daemon owns the session map and serves the NDJSON request/response/event
// protocol over a Unix domain socket.
type Daemon struct {
	runtime  *agent.Runtime
	sessions sessions.Store
	cron     *cron.Scheduler
	pairing  *pairing.Store
	audit    *audit.Logger
	logger   *slog.Logger
	locks    *sessions.SessionLockManager
	health   *infra.HealthCheckRegistry

	defaultAgentID     string
	maxInFlightPerConn int
	eventBufferPerConn int

	startTime time.Time
	seq       atomic.Uint64

	subsMu sync.Mutex
	subs   map[string]map[*connWrapper]struct{}

	connsMu sync.Mutex
	conns   map[*connWrapper]struct{}

	// turnCancels maps session id -> cancel func for the currently running
	// turn, so session.end can interrupt it.
	turnsMu     sync.Mutex
	turnCancels map[string]context.CancelFunc

	listener net.Listener
}

// New constructs a Daemon. Runtime, Sessions, and Logger are required;
// Cron and Pairing may be nil, in which case their RPC methods report
// SessionNotFound-equivalent unavailability.
func New(opts Options) *Daemon {
	if opts.MaxInFlightPerConn <= 0 {
		opts.MaxInFlightPerConn = 32
	}
	if opts.EventBufferPerConn <= 0 {
		opts.EventBufferPerConn = 256
	}
	if opts.DefaultAgentID == "" {
		opts.DefaultAgentID = "main"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		runtime:            opts.Runtime,
		sessions:           opts.Sessions,
		cron:               opts.Cron,
		pairing:            opts.Pairing,
		audit:              opts.Audit,
		logger:             logger,
		locks:              sessions.NewSessionLockManager(10 * time.Minute),
		health:             infra.NewHealthCheckRegistry(),
		defaultAgentID:     opts.DefaultAgentID,
		maxInFlightPerConn: opts.MaxInFlightPerConn,
		eventBufferPerConn: opts.EventBufferPerConn,
		startTime:          time.Now(),
		subs:               make(map[string]map[*connWrapper]struct{}),
		conns:              make(map[*connWrapper]struct{}),
		turnCancels:        make(map[string]context.CancelFunc),
	}
	d.registerHealthChecks()
	return d
}

// registerHealthChecks wires internal/infra's HealthCheckRegistry to the
// daemon's actual dependencies: session-store reachability (critical) and
// router backend circuit/health state (informational — an open circuit
// degrades the report without marking the whole daemon unhealthy, since
// routing can still fail over to another backend).
func (d *Daemon) registerHealthChecks() {
	if d.sessions != nil {
		d.health.RegisterSimple("sessions_store", func(ctx context.Context) error {
			_, err := d.sessions.List(ctx, "", sessions.ListOptions{Limit: 1})
			return err
		})
	}
	if d.runtime != nil {
		d.health.Register(infra.HealthCheckConfig{
			Name:     "llm_backends",
			Critical: false,
			Checker: func(ctx context.Context) infra.HealthCheckResult {
				result := infra.HealthCheckResult{Name: "llm_backends", Timestamp: time.Now()}
				router, ok := d.runtime.Provider().(*routing.Router)
				if !ok {
					result.Status = infra.ServiceHealthUnknown
					return result
				}
				meta := make(map[string]string)
				status := infra.ServiceHealthHealthy
				for name, b := range router.BackendHealth() {
					meta[name] = b.Circuit + "/" + b.Health
					if b.Circuit == infra.CircuitOpen {
						status = infra.ServiceHealthDegraded
					}
				}
				result.Status = status
				result.Metadata = meta
				return result
			},
		})
	}
}

// ListenAndServe binds socketPath (removing a stale socket file left behind
// by a prior crashed process) and accepts connections until ctx is
// cancelled.
func (d *Daemon) ListenAndServe(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	d.listener = listener

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		nc, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			d.logger.Warn("daemon accept error", "error", err)
			continue
		}
		c := newConnWrapper(nc, d.eventBufferPerConn, d.maxInFlightPerConn)
		d.trackConn(c)
		go d.serveConn(ctx, c)
	}
}

// Close shuts down the listener and all active connections.
func (d *Daemon) Close() error {
	if d.listener != nil {
		_ = d.listener.Close()
	}
	d.connsMu.Lock()
	conns := make([]*connWrapper, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.connsMu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

// ActiveSessions reports the number of distinct sessions with a connection
// subscribed to their events.
func (d *Daemon) ActiveSessions() int {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	return len(d.subs)
}

// ActiveConnections reports the number of live gateway/client connections.
func (d *Daemon) ActiveConnections() int {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()
	return len(d.conns)
}

// PendingRequests reports the number of requests currently in flight
// across every connection's dispatch budget.
func (d *Daemon) PendingRequests() int {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()
	var n int
	for c := range d.conns {
		if c.inFlight != nil {
			n += int(c.inFlight.InUse())
		}
	}
	return n
}

func (d *Daemon) trackConn(c *connWrapper) {
	d.connsMu.Lock()
	d.conns[c] = struct{}{}
	d.connsMu.Unlock()
}

func (d *Daemon) untrackConn(c *connWrapper) {
	d.connsMu.Lock()
	delete(d.conns, c)
	d.connsMu.Unlock()
	d.unsubscribeAll(c)
}

func (d *Daemon) subscribe(c *connWrapper, sessionID string) {
	if sessionID == "" {
		return
	}
	c.subsMu.Lock()
	if c.subs == nil {
		c.subs = make(map[string]struct{})
	}
	c.subs[sessionID] = struct{}{}
	c.subsMu.Unlock()

	d.subsMu.Lock()
	set, ok := d.subs[sessionID]
	if !ok {
		set = make(map[*connWrapper]struct{})
		d.subs[sessionID] = set
	}
	set[c] = struct{}{}
	d.subsMu.Unlock()
}

func (d *Daemon) unsubscribeAll(c *connWrapper) {
	c.subsMu.Lock()
	sessionIDs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		sessionIDs = append(sessionIDs, id)
	}
	c.subs = nil
	c.subsMu.Unlock()

	d.subsMu.Lock()
	for _, id := range sessionIDs {
		if set, ok := d.subs[id]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(d.subs, id)
			}
		}
	}
	d.subsMu.Unlock()
}

// broadcast fans an event out to every connection subscribed to sessionID.
// Each subscriber's event channel is bounded; the oldest buffered event is
// dropped on overflow rather than blocking the emitting goroutine.
func (d *Daemon) broadcast(sessionID, eventName string, data []byte) {
	evt := Event{
		Type:      FrameEvent,
		Event:     eventName,
		Data:      data,
		SessionID: sessionID,
		Seq:       d.seq.Add(1),
	}

	d.subsMu.Lock()
	set := d.subs[sessionID]
	targets := make([]*connWrapper, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	d.subsMu.Unlock()

	for _, c := range targets {
		c.pushEvent(evt)
	}
}

// WriteMetricsSnapshot persists a point-in-time counters document,
// written atomically via a temp-file rename so readers never see a
// partial snapshot.
func (d *Daemon) WriteMetricsSnapshot(path string) error {
	var dropped uint64
	d.connsMu.Lock()
	for c := range d.conns {
		dropped += c.droppedCount.Load()
	}
	d.connsMu.Unlock()

	snap := map[string]any{
		"ts":               time.Now().UTC().Format(time.RFC3339),
		"uptime_secs":      uint64(time.Since(d.startTime).Seconds()),
		"active_sessions":  d.ActiveSessions(),
		"active_conns":     d.ActiveConnections(),
		"events_emitted":   d.seq.Load(),
		"dropped_events":   dropped,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// StartMetricsSnapshots writes metrics.json under dir on the given
// interval until ctx is cancelled.
func (d *Daemon) StartMetricsSnapshots(ctx context.Context, dir string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	path := filepath.Join(dir, "metrics.json")
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.WriteMetricsSnapshot(path); err != nil {
					d.logger.Debug("metrics snapshot failed", "error", err)
				}
			}
		}
	}()
}

func (d *Daemon) trackTurn(sessionID string, cancel context.CancelFunc) {
	d.turnsMu.Lock()
	d.turnCancels[sessionID] = cancel
	d.turnsMu.Unlock()
}

func (d *Daemon) untrackTurn(sessionID string) {
	d.turnsMu.Lock()
	delete(d.turnCancels, sessionID)
	d.turnsMu.Unlock()
}

// cancelTurn interrupts a session's running turn, if any, and reports
// whether one was running.
func (d *Daemon) cancelTurn(sessionID string) bool {
	d.turnsMu.Lock()
	cancel, ok := d.turnCancels[sessionID]
	d.turnsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
