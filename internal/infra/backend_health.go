package infra

import (
	"sync"
	"time"
)

// BackendHealthState classifies a backend's recent operating health,
// independent of its circuit breaker state: a backend can be Closed but
// Degraded (slow, recovering) well before enough failures accumulate to
// trip the breaker.
type BackendHealthState string

const (
	BackendHealthy   BackendHealthState = "healthy"
	BackendDegraded  BackendHealthState = "degraded"
	BackendUnhealthy BackendHealthState = "unhealthy"
)

// BackendHealthConfig configures a BackendHealthTracker.
type BackendHealthConfig struct {
	// WindowSize is the number of recent latency samples retained.
	WindowSize int
	// DegradedLatency marks the backend Degraded once the median of the
	// retained window exceeds this.
	DegradedLatency time.Duration
	// UnhealthyConsecutiveFailures marks the backend Unhealthy.
	UnhealthyConsecutiveFailures int
	// Cooldown is how long a backend stays excluded from routing after
	// being marked Unhealthy, before it is reconsidered.
	Cooldown time.Duration
}

// BackendHealthTracker records per-call latency and outcome for one
// backend in a fixed-size ring buffer and classifies its current health.
// It is deliberately separate from CircuitBreaker: the breaker governs
// whether calls are allowed at all, while the tracker informs the LLM
// router's preference ordering among backends the breaker still allows.
type BackendHealthTracker struct {
	config BackendHealthConfig

	mu                  sync.Mutex
	latencies           []time.Duration
	next                int
	filled              int
	consecutiveFailures int
	lastError           string
	lastSuccessAt       time.Time
	cooldownUntil       time.Time
}

// NewBackendHealthTracker creates a tracker with the given config,
// applying defaults for zero fields.
func NewBackendHealthTracker(config BackendHealthConfig) *BackendHealthTracker {
	if config.WindowSize <= 0 {
		config.WindowSize = 20
	}
	if config.DegradedLatency <= 0 {
		config.DegradedLatency = 8 * time.Second
	}
	if config.UnhealthyConsecutiveFailures <= 0 {
		config.UnhealthyConsecutiveFailures = 3
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	return &BackendHealthTracker{
		config:    config,
		latencies: make([]time.Duration, config.WindowSize),
	}
}

// RecordSuccess records a successful call's latency.
func (t *BackendHealthTracker) RecordSuccess(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latencies[t.next] = latency
	t.next = (t.next + 1) % len(t.latencies)
	if t.filled < len(t.latencies) {
		t.filled++
	}
	t.consecutiveFailures = 0
	t.lastError = ""
	t.lastSuccessAt = time.Now()
}

// RecordFailure records a failed call.
func (t *BackendHealthTracker) RecordFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFailures++
	if err != nil {
		t.lastError = err.Error()
	}
	if t.consecutiveFailures >= t.config.UnhealthyConsecutiveFailures {
		t.cooldownUntil = time.Now().Add(t.config.Cooldown)
	}
}

// State classifies the backend's current health.
func (t *BackendHealthTracker) State() BackendHealthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *BackendHealthTracker) stateLocked() BackendHealthState {
	if time.Now().Before(t.cooldownUntil) {
		return BackendUnhealthy
	}
	if t.consecutiveFailures >= t.config.UnhealthyConsecutiveFailures {
		return BackendUnhealthy
	}
	if t.medianLatencyLocked() > t.config.DegradedLatency {
		return BackendDegraded
	}
	return BackendHealthy
}

// Available reports whether the backend should currently be offered to
// the router at all (i.e. not in cooldown).
func (t *BackendHealthTracker) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !time.Now().Before(t.cooldownUntil)
}

func (t *BackendHealthTracker) medianLatencyLocked() time.Duration {
	if t.filled == 0 {
		return 0
	}
	samples := make([]time.Duration, t.filled)
	copy(samples, t.latencies[:t.filled])
	// Insertion sort: windows are small (tens of samples).
	for i := 1; i < len(samples); i++ {
		for j := i; j > 0 && samples[j-1] > samples[j]; j-- {
			samples[j-1], samples[j] = samples[j], samples[j-1]
		}
	}
	return samples[len(samples)/2]
}

// Snapshot returns a point-in-time view of the tracker's state for status
// reporting (e.g. health.status RPC responses).
type BackendHealthSnapshot struct {
	State               BackendHealthState
	MedianLatency       time.Duration
	ConsecutiveFailures int
	LastError           string
	LastSuccessAt       time.Time
	CooldownUntil       time.Time
}

// Snapshot returns the tracker's current state.
func (t *BackendHealthTracker) Snapshot() BackendHealthSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return BackendHealthSnapshot{
		State:               t.stateLocked(),
		MedianLatency:       t.medianLatencyLocked(),
		ConsecutiveFailures: t.consecutiveFailures,
		LastError:           t.lastError,
		LastSuccessAt:       t.lastSuccessAt,
		CooldownUntil:       t.cooldownUntil,
	}
}

// BackendHealthRegistry manages one tracker per backend name.
type BackendHealthRegistry struct {
	mu       sync.Mutex
	trackers map[string]*BackendHealthTracker
	defaults BackendHealthConfig
}

// NewBackendHealthRegistry creates a registry using defaults for any
// backend not explicitly configured.
func NewBackendHealthRegistry(defaults BackendHealthConfig) *BackendHealthRegistry {
	return &BackendHealthRegistry{trackers: make(map[string]*BackendHealthTracker), defaults: defaults}
}

// Get returns or creates the tracker for a backend.
func (r *BackendHealthRegistry) Get(backend string) *BackendHealthTracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[backend]; ok {
		return t
	}
	t := NewBackendHealthTracker(r.defaults)
	r.trackers[backend] = t
	return t
}

// Snapshots returns every tracked backend's current snapshot, keyed by name.
func (r *BackendHealthRegistry) Snapshots() map[string]BackendHealthSnapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.trackers))
	trackers := make([]*BackendHealthTracker, 0, len(r.trackers))
	for name, t := range r.trackers {
		names = append(names, name)
		trackers = append(trackers, t)
	}
	r.mu.Unlock()

	out := make(map[string]BackendHealthSnapshot, len(names))
	for i, name := range names {
		out[name] = trackers[i].Snapshot()
	}
	return out
}
