package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jgarzik/brainpro/internal/agent"
	"github.com/jgarzik/brainpro/internal/agent/providers"
	"github.com/jgarzik/brainpro/internal/agent/routing"
	"github.com/jgarzik/brainpro/internal/config"
	"github.com/jgarzik/brainpro/internal/cron"
	"github.com/jgarzik/brainpro/internal/jobs"
	"github.com/jgarzik/brainpro/internal/models"
	"github.com/jgarzik/brainpro/internal/pairing"
	policyengine "github.com/jgarzik/brainpro/internal/policy"
	"github.com/jgarzik/brainpro/internal/profile"
	"github.com/jgarzik/brainpro/internal/providers/venice"
	"github.com/jgarzik/brainpro/internal/sessions"
	"github.com/jgarzik/brainpro/internal/templates"
	"github.com/jgarzik/brainpro/internal/tools/control"
	"github.com/jgarzik/brainpro/internal/tools/exec"
	"github.com/jgarzik/brainpro/internal/tools/files"
	jobtools "github.com/jgarzik/brainpro/internal/tools/jobs"
	"github.com/jgarzik/brainpro/internal/tools/subagent"
	"github.com/jgarzik/brainpro/internal/usage"
)

// loadConfig reads path if it exists, then falls back through the layered
// config lookup: the active profile's config under the user config dir,
// and finally built-in defaults (brainpro runs standalone against
// environment-variable credentials without requiring a config file on
// disk).
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if name, err := profile.ReadActiveProfile(); err == nil && name != "" {
		pp := profile.ProfileConfigPath(name)
		if _, err := os.Stat(pp); err == nil {
			return config.Load(pp)
		}
	}
	return defaultConfig(), nil
}

func defaultConfig() *config.Config {
	cfg := &config.Config{
		LLM: config.LLMConfig{
			DefaultProvider: "anthropic",
			Providers:       map[string]config.LLMProviderConfig{},
		},
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.Providers["anthropic"] = config.LLMProviderConfig{APIKey: key}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.Providers["openai"] = config.LLMProviderConfig{APIKey: key}
	}
	if key := os.Getenv("VENICE_API_KEY"); key != "" {
		cfg.LLM.Providers["venice"] = config.LLMProviderConfig{APIKey: key}
	}
	return cfg
}

// providerKeyEnvVars maps provider ids to their credential env vars,
// which take precedence over config-file keys.
var providerKeyEnvVars = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"venice":     "VENICE_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// buildProviders constructs one agent.LLMProvider per configured backend,
// keyed by the provider id used in --target <model@backend>. Credentials
// resolve env var > inline config > key file (read once at start).
func buildProviders(cfg *config.Config) (map[string]agent.LLMProvider, error) {
	out := make(map[string]agent.LLMProvider)
	for name, pc := range cfg.LLM.Providers {
		apiKey, err := config.ResolveSecret(providerKeyEnvVars[name], pc.APIKey, pc.APIKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%s provider: %w", name, err)
		}
		switch name {
		case "anthropic":
			p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: apiKey, BaseURL: pc.BaseURL})
			if err != nil {
				return nil, fmt.Errorf("anthropic provider: %w", err)
			}
			out[name] = p
		case "openai":
			out[name] = providers.NewOpenAIProvider(apiKey)
		case "venice":
			p, err := venice.NewVeniceProvider(venice.VeniceConfig{APIKey: apiKey, DefaultModel: pc.DefaultModel, BaseURL: pc.BaseURL})
			if err != nil {
				return nil, fmt.Errorf("venice provider: %w", err)
			}
			out[name] = p
		case "openrouter":
			p, err := providers.NewOpenRouterProvider(providers.OpenRouterConfig{APIKey: apiKey, DefaultModel: pc.DefaultModel})
			if err != nil {
				return nil, fmt.Errorf("openrouter provider: %w", err)
			}
			out[name] = p
		case "bedrock":
			p, err := providers.NewBedrockProvider(providers.BedrockConfig{})
			if err != nil {
				return nil, fmt.Errorf("bedrock provider: %w", err)
			}
			out[name] = p
		case "ollama":
			out[name] = providers.NewOllamaProvider(providers.OllamaConfig{BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel, Timeout: 60 * time.Second})
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no LLM providers configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY, or VENICE_API_KEY")
	}
	return out, nil
}

// buildRouter wraps the configured providers in a routing.Router so
// --target <model@backend> and the router's fallback chain both work
// through a single agent.LLMProvider. Fallback chain entries may be bare
// provider names or provider/model refs; models.ParseModelRef resolves
// either form against the configured default provider.
func buildRouter(cfg *config.Config, providerMap map[string]agent.LLMProvider) (*routing.Router, error) {
	def := cfg.LLM.DefaultProvider
	if def == "" {
		for name := range providerMap {
			def = name
			break
		}
	}
	if _, ok := providerMap[def]; !ok {
		return nil, fmt.Errorf("default_provider %q is not configured", def)
	}
	rcfg := routing.Config{
		DefaultProvider: def,
		Fallback:        routing.Target{Provider: def},
		Backends:        map[string]routing.BackendInfo{},
	}
	for name, pc := range cfg.LLM.Providers {
		rcfg.Backends[name] = routing.BackendInfo{Name: name, ZeroDataRetention: pc.ZeroDataRetention}
	}
	chain := models.BuildFallbackCandidates(&models.FallbackConfig{
		PrimaryProvider: def,
		PrimaryModel:    cfg.LLM.DefaultModel,
		Fallbacks:       cfg.LLM.FallbackChain,
	})
	for _, cand := range chain {
		if _, ok := providerMap[cand.Provider]; !ok {
			continue
		}
		rcfg.Chain = append(rcfg.Chain, routing.Target{Provider: cand.Provider, Model: cand.Model})
	}
	return routing.NewRouter(rcfg, providerMap), nil
}

// runtimeBundle carries the runtime plus the session-scoped state the CLI
// and daemon surfaces need to reach after construction: the approval
// checker (mutable at runtime via /permissions), the plan-mode and todo
// stores behind the session tool overlay, and the subagent manager behind
// the task tool.
type runtimeBundle struct {
	rt        *agent.Runtime
	checker   *agent.ApprovalChecker
	todos     *control.TodoStore
	planMode  *control.PlanModeStore
	subagents *subagent.Manager
	usage     *usage.Tracker
}

// buildRuntime assembles the agent.Runtime shared by direct mode and the
// daemon: router-backed provider, session store, the approval policy
// implied by --mode/--yes, the global tool set, and the per-session tool
// overlay (todo list, plan mode).
func buildRuntime(cfg *config.Config, store sessions.Store, mode string, autoApprove bool, logger *slog.Logger) (*runtimeBundle, error) {
	providerMap, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}
	router, err := buildRouter(cfg, providerMap)
	if err != nil {
		return nil, err
	}

	rt := agent.NewRuntime(router, store)

	checker := agent.NewApprovalChecker(approvalPolicyForMode(mode, autoApprove))
	checker.SetMode(policyModeFor(mode, autoApprove))
	planMode := control.NewPlanModeStore()
	todos := control.NewTodoStore()
	checker.SetPlanModeChecker(planMode.Active)
	tracker := usage.NewTracker(usage.DefaultTrackerConfig())
	jobStore := newJobStore(cfg, logger)

	rt.SetOptions(agent.RuntimeOptions{
		MaxIterations:   25,
		ToolParallelism: 4,
		ToolTimeout:     2 * time.Minute,
		ApprovalChecker: checker,
		CostFunc:        routing.ComputeCost,
		Logger:          logger,
		UsageTracker:    tracker,
		JobStore:        jobStore,
		PrivacyEscalator: func(current, message string) string {
			return string(routing.EscalateLevel(routing.PrivacyLevel(current), message, routing.DefaultSensitivePatterns))
		},
		SessionTools: func(sessionID string) []agent.Tool {
			return []agent.Tool{
				control.NewTodoTool(todos, sessionID, nil),
				control.NewEnterPlanModeTool(planMode, sessionID),
				control.NewExitPlanModeTool(planMode, sessionID),
			}
		},
	})
	// Branch-aware history: sessions may fork when an earlier turn is
	// edited.
	rt.SetBranchStore(sessions.NewMemoryBranchStore())

	registerBuiltinTools(rt, cfg)

	subMgr := subagent.NewManager(rt, 4)
	rt.RegisterTool(subagent.NewSpawnTool(subMgr))
	rt.RegisterTool(subagent.NewStatusTool(subMgr))
	rt.RegisterTool(subagent.NewCancelTool(subMgr))

	rt.RegisterTool(jobtools.NewStatusTool(jobStore))
	rt.RegisterTool(jobtools.NewListTool(jobStore))
	rt.RegisterTool(jobtools.NewCancelTool(jobStore))

	return &runtimeBundle{
		rt:        rt,
		checker:   checker,
		todos:     todos,
		planMode:  planMode,
		subagents: subMgr,
		usage:     tracker,
	}, nil
}

// registerBuiltinTools wires the file, shell, and operator-facing tools
// every agent turn can call. These have no per-session state, so one
// instance per runtime is correct regardless of how many concurrent
// sessions the runtime serves; the session-scoped tools (todo list, plan
// mode) are layered per turn via RuntimeOptions.SessionTools instead.
func registerBuiltinTools(rt *agent.Runtime, cfg *config.Config) {
	workspace := cfg.Workspace.Path
	if workspace == "" {
		workspace = "."
	}
	filesCfg := files.Config{Workspace: workspace}
	rt.RegisterTool(files.NewReadTool(filesCfg))
	rt.RegisterTool(files.NewWriteTool(filesCfg))
	rt.RegisterTool(files.NewEditTool(filesCfg))
	rt.RegisterTool(files.NewGlobTool(filesCfg))
	rt.RegisterTool(files.NewGrepTool(filesCfg))
	rt.RegisterTool(files.NewApplyPatchTool(filesCfg))

	execManager := exec.NewManager(workspace)
	rt.RegisterTool(exec.NewExecTool("exec", execManager))
	rt.RegisterTool(exec.NewProcessTool(execManager))

	rt.RegisterTool(control.NewAskUserTool())
}

// approvalPolicyForMode maps the CLI's --mode/--yes flags onto an
// agent.ApprovalPolicy. Mode semantics themselves (read-only auto-allow
// under "default", mutating-file auto-allow under "acceptEdits", allow-all
// under "bypassPermissions") live in internal/policy.Engine's mode
// defaults; see policyModeFor. This shapes only the list-based knobs:
// "acceptEdits" additionally allowlists the registered mutating file tools
// for rule attribution, and "bypassPermissions" (or --yes) drops the
// ask-fallback so nothing queues.
func approvalPolicyForMode(mode string, autoApprove bool) *agent.ApprovalPolicy {
	policy := agent.DefaultApprovalPolicy()
	if autoApprove || mode == "bypassPermissions" {
		policy.DefaultDecision = agent.ApprovalAllowed
		policy.AskFallback = false
		return policy
	}
	if mode == "acceptEdits" {
		policy.Allowlist = append(policy.Allowlist, "write", "edit", "apply_patch")
	}
	return policy
}

// policyModeFor maps the CLI's --mode/--yes flags onto the policy engine's
// permission mode. --yes implies bypassPermissions; unknown strings fall
// back to the default mode.
func policyModeFor(mode string, autoApprove bool) policyengine.Mode {
	if autoApprove {
		return policyengine.ModeBypassPermissions
	}
	switch policyengine.Mode(mode) {
	case policyengine.ModeAcceptEdits:
		return policyengine.ModeAcceptEdits
	case policyengine.ModeBypassPermissions:
		return policyengine.ModeBypassPermissions
	default:
		return policyengine.ModeDefault
	}
}

// newSessionStore picks the session store in preference order: the SQL
// store when a database URL is configured (multi-daemon deployments
// sharing storage), the JSONL file store rooted at BRAINPRO_DATA_DIR
// (sessions/<uuid>.jsonl layout), and finally an in-memory store.
func newSessionStore(cfg *config.Config, logger *slog.Logger) sessions.Store {
	if dsn := cfg.Database.URL; dsn != "" {
		store, err := sessions.NewCockroachStoreFromDSN(dsn, nil)
		if err == nil {
			return store
		}
		logger.Warn("database session store unavailable, falling back", "error", err)
	}
	dataDir := os.Getenv("BRAINPRO_DATA_DIR")
	if dataDir == "" {
		return sessions.NewMemoryStore()
	}
	store, err := sessions.NewFileStore(dataDir)
	if err != nil {
		logger.Warn("file session store unavailable, falling back", "error", err)
		return sessions.NewMemoryStore()
	}
	return store
}

// newJobStore mirrors newSessionStore's preference for async tool jobs:
// SQL-backed when a database is configured, otherwise in-memory.
func newJobStore(cfg *config.Config, logger *slog.Logger) jobs.Store {
	if dsn := cfg.Database.URL; dsn != "" {
		store, err := jobs.NewCockroachStoreFromDSN(dsn, nil)
		if err == nil {
			return store
		}
		logger.Warn("database job store unavailable, falling back", "error", err)
	}
	return jobs.NewMemoryStore()
}

func newCronScheduler(cfg config.CronConfig, opts ...cron.Option) (*cron.Scheduler, error) {
	return cron.NewScheduler(cfg, opts...)
}

func newPairingStore(dataDir string) *pairing.Store {
	return pairing.NewStore(dataDir)
}

// newTemplateRegistry discovers the persisted named-subagent definitions
// (TEMPLATE.md directories under the configured template paths) so
// `/agents` and `/task` can resolve a name against a real definition
// instead of treating every name as a throwaway, policy-less session tag.
func newTemplateRegistry(ctx context.Context, cfg *config.Config) (*templates.Registry, error) {
	workspace := cfg.Workspace.Path
	if workspace == "" {
		workspace = "."
	}
	reg, err := templates.NewRegistry(&cfg.Templates, workspace)
	if err != nil {
		return nil, fmt.Errorf("template registry: %w", err)
	}
	if err := reg.Discover(ctx); err != nil {
		return nil, fmt.Errorf("template discovery: %w", err)
	}
	return reg, nil
}
