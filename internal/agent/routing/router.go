package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jgarzik/brainpro/internal/agent"
	"github.com/jgarzik/brainpro/internal/agent/providers"
	"github.com/jgarzik/brainpro/internal/backoff"
	"github.com/jgarzik/brainpro/internal/infra"
)

// Router selects an LLM provider for each request based on rules and
// heuristics, and retries/fails over across backends using a real
// per-backend circuit breaker and latency/failure tracker (internal/infra)
// rather than an ad-hoc cooldown map.
type Router struct {
	defaultProvider string
	providers       map[string]agent.LLMProvider
	rules           []Rule
	chain           []Target
	preferLocal     bool
	localProviders  map[string]struct{}
	classifier      Classifier
	fallback        Target
	backends        map[string]BackendInfo
	onPrivacyEvent  func(PrivacyEvent)
	onModelUsage    func(ModelUsageEvent)

	circuits    *infra.CircuitBreakerRegistry
	health      *infra.BackendHealthRegistry
	retryPolicy backoff.BackoffPolicy
	maxAttempts int
}

// ModelUsageEvent is emitted after a completion attempt succeeds, before
// the stream is handed back to the caller, naming the backend/model that
// actually served the request and how many attempts it took against that
// backend. Callers use it to attribute cost/tokens once the response
// finishes streaming (see agent.Runtime's CostFunc wiring).
type ModelUsageEvent struct {
	Backend string
	Model   string
	Attempt int
}

// retryAfterer is implemented by errors that carry a server-specified
// retry delay, such as one parsed from a Retry-After response header.
// providers.ProviderError satisfies it when the backend sent one; the
// router honors it ahead of its own backoff policy.
type retryAfterer interface {
	RetryAfter() time.Duration
}

func retryDelay(err error, policy backoff.BackoffPolicy, attempt int) time.Duration {
	var ra retryAfterer
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return d
		}
	}
	return backoff.ComputeBackoff(policy, attempt)
}

// Rule defines a routing rule.
type Rule struct {
	Name   string
	Match  Match
	Target Target
}

// Match defines rule matching conditions.
type Match struct {
	Patterns []string
	Tags     []string
}

// Target defines the destination provider and model.
type Target struct {
	Provider string
	Model    string
}

// Classifier assigns tags to a request.
type Classifier interface {
	Classify(req *agent.CompletionRequest) []string
}

// Config configures a Router.
type Config struct {
	DefaultProvider string
	PreferLocal     bool
	LocalProviders  []string
	Rules           []Rule
	Classifier      Classifier
	// Chain is the ordered fallback chain: when the selected backend is
	// unhealthy or exhausts its retries, each chain target is offered in
	// turn before the final Fallback/default backstops.
	Chain    []Target
	Fallback Target
	// Backends describes configured backends for privacy-level filtering.
	// If empty, privacy filtering is a no-op regardless of request level.
	Backends map[string]BackendInfo
	// OnPrivacyEvent is called when a sensitive-level request is forced
	// onto a non-ZDR backend.
	OnPrivacyEvent func(PrivacyEvent)
	// OnModelUsage is called once per completion request, after whichever
	// backend served it succeeded.
	OnModelUsage func(ModelUsageEvent)
	// CircuitBreaker configures the per-backend circuit breaker. The zero
	// value uses infra's own defaults (5 failures to open, 2 successes in
	// half-open to close, 30s open timeout, 1 concurrent half-open probe).
	CircuitBreaker infra.CircuitBreakerConfig
	// Health configures per-backend latency/failure tracking used to
	// decide whether a backend is currently offered as a candidate at
	// all. The zero value uses infra's own defaults.
	Health infra.BackendHealthConfig
	// RetryPolicy controls the backoff between retries against the same
	// backend for retryable errors (429, 5xx, timeouts). The zero value
	// uses backoff.DefaultPolicy().
	RetryPolicy backoff.BackoffPolicy
	// MaxAttempts bounds retries per backend before the router moves on
	// to the next candidate. 0 defaults to 3.
	MaxAttempts int
}

// NewRouter creates a new Router.
func NewRouter(cfg Config, providers map[string]agent.LLMProvider) *Router {
	lp := make(map[string]struct{})
	for _, name := range cfg.LocalProviders {
		if n := normalizeID(name); n != "" {
			lp[n] = struct{}{}
		}
	}

	classifier := cfg.Classifier
	if classifier == nil {
		classifier = &HeuristicClassifier{}
	}

	retryPolicy := cfg.RetryPolicy
	if retryPolicy == (backoff.BackoffPolicy{}) {
		retryPolicy = backoff.DefaultPolicy()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &Router{
		defaultProvider: normalizeID(cfg.DefaultProvider),
		providers:       providers,
		rules:           cfg.Rules,
		chain:           cfg.Chain,
		preferLocal:     cfg.PreferLocal,
		localProviders:  lp,
		classifier:      classifier,
		fallback:        cfg.Fallback,
		backends:        cfg.Backends,
		onPrivacyEvent:  cfg.OnPrivacyEvent,
		onModelUsage:    cfg.OnModelUsage,
		circuits:        infra.NewCircuitBreakerRegistry(cfg.CircuitBreaker),
		health:          infra.NewBackendHealthRegistry(cfg.Health),
		retryPolicy:     retryPolicy,
		maxAttempts:     maxAttempts,
	}
}

// Complete routes the request to the first healthy candidate that
// succeeds, retrying each candidate through its own circuit breaker
// before falling through to the next.
func (r *Router) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errInvalidRequest("request is nil")
	}
	candidates, err := r.candidates(req)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, cand := range candidates {
		stream, err := r.completeCandidate(ctx, cand, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errInvalidRequest("no providers configured")
}

// completeCandidate drives the circuit breaker and retry/backoff loop for
// a single backend. Each attempt is gated by Decide/ReleaseProbe (bounding
// concurrent half-open probes) and run through Execute so the breaker's
// failure/success counters stay authoritative; the backend health tracker
// records latency and consecutive failures alongside it for candidate
// ordering on the next request.
func (r *Router) completeCandidate(ctx context.Context, cand candidate, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	cb := r.circuits.Get(cand.name)
	tracker := r.health.Get(cand.name)

	copyReq := *req
	if copyReq.Model == "" && cand.model != "" {
		copyReq.Model = cand.model
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		verdict := cb.Decide()
		if verdict == infra.VerdictReject {
			return nil, fmt.Errorf("routing: circuit open for backend %q: %w", cand.name, infra.ErrCircuitOpen)
		}

		start := time.Now()
		var stream <-chan *agent.CompletionChunk
		execErr := cb.Execute(ctx, func(execCtx context.Context) error {
			s, err := cand.provider.Complete(execCtx, &copyReq)
			stream = s
			return err
		})
		if verdict == infra.VerdictProbe {
			cb.ReleaseProbe()
		}

		if execErr == nil {
			tracker.RecordSuccess(time.Since(start))
			if r.onModelUsage != nil {
				r.onModelUsage(ModelUsageEvent{Backend: cand.name, Model: copyReq.Model, Attempt: attempt})
			}
			return stream, nil
		}

		lastErr = execErr
		tracker.RecordFailure(execErr)

		if errors.Is(execErr, infra.ErrCircuitOpen) || !providers.IsRetryable(execErr) || providers.ShouldFailover(execErr) {
			return nil, execErr
		}
		if attempt == r.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay(execErr, r.retryPolicy, attempt)):
		}
	}
	return nil, lastErr
}

// BackendHealth reports each configured backend's circuit state and
// health-tracker classification, keyed by normalized backend name. Intended
// for status/health surfaces such as the daemon's health.status RPC.
func (r *Router) BackendHealth() map[string]BackendHealthStatus {
	out := make(map[string]BackendHealthStatus, len(r.providers))
	for name := range r.providers {
		n := normalizeID(name)
		out[n] = BackendHealthStatus{
			Circuit: r.circuits.Get(n).State(),
			Health:  string(r.health.Get(n).State()),
		}
	}
	return out
}

// BackendHealthStatus summarizes one backend's circuit and health-tracker
// state for reporting.
type BackendHealthStatus struct {
	Circuit string `json:"circuit"`
	Health  string `json:"health"`
}

// Name returns the router name.
func (r *Router) Name() string {
	if r.defaultProvider == "" {
		return "router"
	}
	return "router:" + r.defaultProvider
}

// Models returns a union of available models across providers.
func (r *Router) Models() []agent.Model {
	var models []agent.Model
	seen := make(map[string]struct{})
	for _, provider := range r.providers {
		for _, model := range provider.Models() {
			if _, ok := seen[model.ID]; ok {
				continue
			}
			seen[model.ID] = struct{}{}
			models = append(models, model)
		}
	}
	return models
}

// SupportsTools returns true if any provider supports tools.
func (r *Router) SupportsTools() bool {
	for _, provider := range r.providers {
		if provider.SupportsTools() {
			return true
		}
	}
	return false
}

type candidate struct {
	provider agent.LLMProvider
	model    string
	name     string
}

func (r *Router) candidates(req *agent.CompletionRequest) ([]candidate, error) {
	if r == nil {
		return nil, errInvalidRequest("no providers configured")
	}

	seen := make(map[string]struct{})
	var candidates []candidate

	if targetModel, targetBackend := ParseTarget(req.Target); targetBackend != "" {
		// An explicit target pins the backend and bypasses rule/classifier
		// selection entirely; only the configured fallback chain remains
		// as a backstop if the pinned backend is unhealthy or missing.
		r.appendCandidate(&candidates, seen, targetBackend, targetModel)
	} else {
		providerName, model := r.selectProvider(req)
		if targetModel != "" {
			model = targetModel
		}
		r.appendCandidate(&candidates, seen, providerName, model)
	}
	for _, target := range r.chain {
		r.appendCandidate(&candidates, seen, target.Provider, target.Model)
	}
	r.appendCandidate(&candidates, seen, r.fallback.Provider, r.fallback.Model)
	r.appendCandidate(&candidates, seen, r.defaultProvider, "")

	if err := r.applyPrivacyFilter(req, &candidates); err != nil {
		return nil, err
	}

	if len(req.Tools) > 0 {
		filtered := make([]candidate, 0, len(candidates))
		for _, candidate := range candidates {
			if candidate.provider != nil && candidate.provider.SupportsTools() {
				filtered = append(filtered, candidate)
			}
		}
		if len(filtered) == 0 {
			toolProvider := r.findToolProvider()
			if toolProvider != nil {
				filtered = append(filtered, candidate{provider: toolProvider, name: toolProvider.Name()})
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		if len(req.Tools) > 0 {
			return nil, errInvalidRequest("no tool-capable providers available")
		}
		return nil, errInvalidRequest("no providers configured")
	}
	return candidates, nil
}

// applyPrivacyFilter narrows *candidates to those admissible under
// req.PrivacyLevel, in place, preserving order. It is a no-op when no
// backends are configured or the level is standard/empty.
func (r *Router) applyPrivacyFilter(req *agent.CompletionRequest, candidates *[]candidate) error {
	if len(r.backends) == 0 || req.PrivacyLevel == "" {
		return nil
	}
	names := make([]string, len(*candidates))
	for i, c := range *candidates {
		names[i] = c.name
	}
	allowed, event, err := FilterByPrivacy(PrivacyLevel(req.PrivacyLevel), names, r.backends)
	if err != nil {
		return err
	}
	if event != nil && r.onPrivacyEvent != nil {
		r.onPrivacyEvent(*event)
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, n := range allowed {
		allowedSet[n] = struct{}{}
	}
	filtered := make([]candidate, 0, len(*candidates))
	for _, c := range *candidates {
		if _, ok := allowedSet[c.name]; ok {
			filtered = append(filtered, c)
		}
	}
	*candidates = filtered
	return nil
}

func (r *Router) appendCandidate(list *[]candidate, seen map[string]struct{}, name string, model string) {
	if r == nil {
		return
	}
	normalized := normalizeID(name)
	if normalized == "" {
		return
	}
	if _, ok := seen[normalized]; ok {
		return
	}
	if !r.isHealthy(normalized) {
		return
	}
	provider := r.lookupProvider(normalized)
	if provider == nil {
		return
	}
	seen[normalized] = struct{}{}
	*list = append(*list, candidate{provider: provider, model: model, name: normalized})
}

// isHealthy reports whether name should be offered as a candidate at all:
// its circuit breaker must not be tripped open, and its health tracker
// must not be in cooldown from consecutive failures.
func (r *Router) isHealthy(name string) bool {
	if r == nil {
		return true
	}
	name = normalizeID(name)
	if name == "" {
		return true
	}
	if r.circuits.Get(name).State() == infra.CircuitOpen {
		return false
	}
	return r.health.Get(name).Available()
}

func (r *Router) selectProvider(req *agent.CompletionRequest) (string, string) {
	tags := r.classifier.Classify(req)

	// Rule matching (first match wins).
	for _, rule := range r.rules {
		if ruleMatches(rule.Match, tags, req) {
			return normalizeID(rule.Target.Provider), rule.Target.Model
		}
	}

	// Prefer local provider if configured and available.
	if r.preferLocal && len(r.localProviders) > 0 && len(req.Tools) == 0 {
		for name := range r.localProviders {
			if r.lookupProvider(name) != nil {
				return name, ""
			}
		}
	}

	return r.defaultProvider, ""
}

func (r *Router) lookupProvider(name string) agent.LLMProvider {
	if name == "" {
		return nil
	}
	if provider, ok := r.providers[normalizeID(name)]; ok {
		return provider
	}
	return nil
}

func (r *Router) findToolProvider() agent.LLMProvider {
	if defaultProvider := r.lookupProvider(r.defaultProvider); defaultProvider != nil && defaultProvider.SupportsTools() {
		return defaultProvider
	}
	for _, provider := range r.providers {
		if provider.SupportsTools() {
			return provider
		}
	}
	return nil
}

func ruleMatches(match Match, tags []string, req *agent.CompletionRequest) bool {
	if len(match.Patterns) == 0 && len(match.Tags) == 0 {
		return false
	}
	content := lastUserContent(req)
	contentLower := strings.ToLower(content)

	if len(match.Patterns) > 0 {
		patternMatch := false
		for _, pattern := range match.Patterns {
			p := strings.ToLower(strings.TrimSpace(pattern))
			if p == "" {
				continue
			}
			if strings.Contains(contentLower, p) {
				patternMatch = true
				break
			}
		}
		if !patternMatch {
			return false
		}
	}

	if len(match.Tags) > 0 {
		for _, tag := range match.Tags {
			if containsTag(tags, tag) {
				return true
			}
		}
		return false
	}

	return true
}

func containsTag(tags []string, tag string) bool {
	needle := strings.ToLower(strings.TrimSpace(tag))
	if needle == "" {
		return false
	}
	for _, t := range tags {
		if strings.EqualFold(t, needle) {
			return true
		}
	}
	return false
}

func lastUserContent(req *agent.CompletionRequest) string {
	if req == nil {
		return ""
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role == "user" {
			return msg.Content
		}
	}
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}

func normalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func errInvalidRequest(msg string) error {
	return fmt.Errorf("routing: %s", msg)
}
