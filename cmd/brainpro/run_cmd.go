package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jgarzik/brainpro/internal/agent"
	"github.com/jgarzik/brainpro/internal/agent/tape"
	"github.com/jgarzik/brainpro/internal/commands"
	"github.com/jgarzik/brainpro/internal/config"
	"github.com/jgarzik/brainpro/internal/mcp"
	"github.com/jgarzik/brainpro/internal/models"
	"github.com/jgarzik/brainpro/internal/sessions"
	"github.com/jgarzik/brainpro/internal/skills"
	"github.com/jgarzik/brainpro/internal/templates"
	"github.com/jgarzik/brainpro/internal/tools"
	"github.com/jgarzik/brainpro/internal/tools/policy"
	"github.com/jgarzik/brainpro/internal/usage"
	pkgmodels "github.com/jgarzik/brainpro/pkg/models"
)

func buildRunCmd() *cobra.Command {
	var (
		prompt      string
		target      string
		mode        string
		maxTurns    int
		trace       bool
		listTargets bool
		resumeID    string
		autoApprove bool
		recordPath  string
		replayPath  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "talk to an agent directly, without a daemon or gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirect(directOpts{
				prompt:      prompt,
				target:      target,
				mode:        mode,
				maxTurns:    maxTurns,
				trace:       trace,
				listTargets: listTargets,
				resumeID:    resumeID,
				autoApprove: autoApprove,
				recordPath:  recordPath,
				replayPath:  replayPath,
			})
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "run a single prompt non-interactively and exit")
	cmd.Flags().StringVar(&target, "target", "", "pin routing to model@backend")
	cmd.Flags().StringVar(&mode, "mode", "default", "approval mode: default|acceptEdits|bypassPermissions")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "abort after this many turns (0 = unlimited)")
	cmd.Flags().BoolVar(&trace, "trace", false, "print every agent event, not just assistant text")
	cmd.Flags().BoolVar(&listTargets, "list-targets", false, "list configured model@backend targets and exit")
	cmd.Flags().StringVar(&resumeID, "resume", "", "resume an existing session id")
	cmd.Flags().BoolVar(&autoApprove, "yes", false, "auto-approve every tool call and operator ask")
	cmd.Flags().StringVar(&recordPath, "record", "", "record model traffic to a tape file")
	cmd.Flags().StringVar(&replayPath, "replay", "", "serve model completions from a recorded tape instead of a live backend")
	return cmd
}

type directOpts struct {
	prompt      string
	target      string
	mode        string
	maxTurns    int
	trace       bool
	listTargets bool
	resumeID    string
	autoApprove bool
	recordPath  string
	replayPath  string
}

// cliEnv bundles everything the interactive command surface reaches for:
// the runtime bundle, the session, and the optional registries (agent
// templates, skill packs, MCP servers, user-defined commands) that degrade
// to nil when their backing directories are absent.
type cliEnv struct {
	bundle       *runtimeBundle
	store        sessions.Store
	templates    *templates.Registry
	skills       *skills.Manager
	mcp          *mcp.Manager
	userCmds     *commands.Registry
	session      *pkgmodels.Session
	opts         *directOpts
	activeSkills []string
}

func runDirect(opts directOpts) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store := newSessionStore(cfg, logger)
	bundle, err := buildRuntime(cfg, store, opts.mode, opts.autoApprove, logger)
	if err != nil {
		return err
	}
	if opts.maxTurns > 0 {
		bundle.rt.SetMaxIterations(opts.maxTurns)
	}

	if opts.listTargets {
		printTargets(cfg)
		return nil
	}

	// Tape record/replay interposes on the runtime's provider: recording
	// captures every completion and tool run for later offline replay;
	// replay serves a recorded tape without touching a live backend.
	var recorder *tape.Recorder
	switch {
	case opts.replayPath != "":
		data, err := os.ReadFile(opts.replayPath)
		if err != nil {
			return fmt.Errorf("read tape: %w", err)
		}
		recorded, err := tape.Unmarshal(data)
		if err != nil {
			return fmt.Errorf("parse tape: %w", err)
		}
		bundle.rt.SetProvider(tape.NewReplayer(recorded))
	case opts.recordPath != "":
		recorder = tape.NewRecorder(bundle.rt.Provider())
		bundle.rt.SetProvider(recorder)
		defer func() {
			data, err := recorder.Tape().Marshal()
			if err == nil {
				err = os.WriteFile(opts.recordPath, data, 0o644)
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, "failed to write tape:", err)
			}
		}()
	}

	ctx := context.Background()

	session, err := resolveDirectSession(ctx, store, opts.resumeID)
	if err != nil {
		return err
	}

	env := &cliEnv{
		bundle:  bundle,
		store:   store,
		session: session,
		opts:    &opts,
	}

	// --trace also persists a redacted event trace alongside the console
	// output, one JSONL file per session.
	if opts.trace {
		dataDir := os.Getenv("BRAINPRO_DATA_DIR")
		if dataDir == "" {
			dataDir = "."
		}
		traceDir := filepath.Join(dataDir, "traces")
		if err := os.MkdirAll(traceDir, 0o755); err == nil {
			if tp, err := agent.NewTracePluginFile(filepath.Join(traceDir, session.ID+".jsonl"), session.ID, agent.WithRedactor(agent.DefaultRedactor)); err == nil {
				bundle.rt.Use(tp)
				defer tp.Close()
			} else {
				logger.Warn("trace file unavailable", "error", err)
			}
		}
	}

	env.templates, err = newTemplateRegistry(ctx, cfg)
	if err != nil {
		// Agent templates are an optional convenience; a broken or absent
		// templates directory should not block a direct-mode session.
		logger.Warn("agent template discovery failed", "error", err)
		env.templates = nil
	}

	if opts.prompt != "" {
		return runOneShot(ctx, env, opts.prompt)
	}

	// The heavier registries only matter for the interactive surface.
	env.skills = newSkillsManager(ctx, cfg, logger)
	env.mcp = newMCPManager(ctx, cfg, logger)
	env.userCmds = newUserCommandRegistry(logger)
	defer func() {
		if env.mcp != nil {
			_ = env.mcp.Stop()
		}
		if env.skills != nil {
			_ = env.skills.Close()
		}
	}()

	return runInteractive(ctx, env)
}

// newSkillsManager discovers skill packs under the configured skill
// directories; absence is not an error.
func newSkillsManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) *skills.Manager {
	workspace := cfg.Workspace.Path
	if workspace == "" {
		workspace = "."
	}
	mgr, err := skills.NewManager(&cfg.Skills, workspace, nil)
	if err != nil {
		logger.Warn("skill manager unavailable", "error", err)
		return nil
	}
	if err := mgr.Discover(ctx); err != nil {
		logger.Warn("skill discovery failed", "error", err)
		return nil
	}
	return mgr
}

// newMCPManager starts the configured MCP servers; a failed start leaves
// /mcp reporting no servers rather than blocking the REPL.
func newMCPManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) *mcp.Manager {
	mgr := mcp.NewManager(&cfg.MCP, logger)
	if err := mgr.Start(ctx); err != nil {
		logger.Warn("mcp manager failed to start", "error", err)
	}
	return mgr
}

// newUserCommandRegistry builds the registry behind /commands and /<name>
// dispatch: the builtins plus any commands/<name>.md definitions from the
// data directory. Builtins register first, so a user file that shadows
// one is rejected with a named error instead of silently winning.
func newUserCommandRegistry(logger *slog.Logger) *commands.Registry {
	reg := commands.NewRegistry(logger)
	if err := commands.RegisterBuiltins(reg); err != nil {
		logger.Warn("builtin command registration failed", "error", err)
		return nil
	}
	dataDir := os.Getenv("BRAINPRO_DATA_DIR")
	if dataDir == "" {
		dataDir = "."
	}
	cmds, err := commands.LoadUserCommands(filepath.Join(dataDir, "commands"))
	if err != nil {
		logger.Warn("user command discovery failed", "error", err)
		return reg
	}
	if err := commands.RegisterUserCommands(reg, cmds); err != nil {
		logger.Warn("user command registration failed", "error", err)
	}
	return reg
}

func printTargets(cfg *config.Config) {
	// Bedrock's model list is account- and region-specific, so consult the
	// live service rather than the static catalog when it is configured.
	if _, ok := cfg.LLM.Providers["bedrock"]; ok {
		disc := models.NewBedrockDiscovery(models.BedrockDiscoveryConfig{
			Enabled:              true,
			Region:               cfg.LLM.Bedrock.Region,
			ProviderFilter:       cfg.LLM.Bedrock.ProviderFilter,
			DefaultContextWindow: cfg.LLM.Bedrock.DefaultContextWindow,
			DefaultMaxTokens:     cfg.LLM.Bedrock.DefaultMaxTokens,
		}, slog.Default())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := disc.RegisterWithCatalog(ctx, models.DefaultCatalog); err != nil {
			fmt.Fprintln(os.Stderr, "bedrock model discovery failed:", err)
		}
	}

	fmt.Println("configured targets:")
	for name := range cfg.LLM.Providers {
		listed := models.ListByProvider(models.Provider(name))
		if len(listed) == 0 {
			fmt.Printf("  %s\n", name)
			continue
		}
		for _, m := range listed {
			fmt.Printf("  %s@%s\n", m.ID, name)
		}
	}
}

func resolveDirectSession(ctx context.Context, store sessions.Store, resumeID string) (*pkgmodels.Session, error) {
	if resumeID != "" {
		return store.Get(ctx, resumeID)
	}
	channelID := uuid.NewString()
	key := sessions.SessionKey("main", pkgmodels.ChannelAPI, channelID)
	return store.GetOrCreate(ctx, key, "main", pkgmodels.ChannelAPI, channelID)
}

func runOneShot(ctx context.Context, env *cliEnv, prompt string) error {
	events, err := env.bundle.rt.ProcessStream(env.turnContext(ctx, nil), env.session, env.inboundMessage(prompt))
	if err != nil {
		return err
	}
	for evt := range events {
		renderEvent(evt, env.opts.trace)
	}
	fmt.Println()
	return nil
}

func runInteractive(ctx context.Context, env *cliEnv) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Printf("brainpro session %s (type /help for commands)\n", env.session.ID)
	}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if handled, quit := handleSlashCommand(ctx, env, line); quit {
				return nil
			} else if handled {
				continue
			}
		}
		env.submitTurn(ctx, line, nil)
	}
}

// inboundMessage wraps user text in the session's channel envelope.
func (env *cliEnv) inboundMessage(content string) *pkgmodels.Message {
	return &pkgmodels.Message{
		ID:        uuid.NewString(),
		SessionID: env.session.ID,
		Channel:   env.session.Channel,
		ChannelID: env.session.ChannelID,
		Direction: pkgmodels.DirectionInbound,
		Role:      pkgmodels.RoleUser,
		Content:   content,
	}
}

// turnContext layers the per-turn context values: target pin, active
// skill-pack system prompt, and an optional tool policy (user-defined
// commands declare one).
func (env *cliEnv) turnContext(ctx context.Context, toolPolicy *policy.Policy) context.Context {
	if env.opts.target != "" {
		ctx = agent.WithTarget(ctx, env.opts.target)
	}
	if system := env.skillSystemPrompt(); system != "" {
		ctx = agent.WithSystemPrompt(ctx, system)
	}
	if toolPolicy != nil {
		ctx = agent.WithToolPolicy(ctx, policy.NewResolver(), toolPolicy)
	}
	return ctx
}

// skillSystemPrompt joins the content of every active skill pack.
func (env *cliEnv) skillSystemPrompt() string {
	if env.skills == nil || len(env.activeSkills) == 0 {
		return ""
	}
	var parts []string
	for _, name := range env.activeSkills {
		content, err := env.skills.LoadContent(name)
		if err != nil || strings.TrimSpace(content) == "" {
			continue
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n\n")
}

// submitTurn runs one turn and renders its event stream.
func (env *cliEnv) submitTurn(ctx context.Context, content string, toolPolicy *policy.Policy) {
	events, err := env.bundle.rt.ProcessStream(env.turnContext(ctx, toolPolicy), env.session, env.inboundMessage(content))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	for evt := range events {
		renderEvent(evt, env.opts.trace)
	}
	fmt.Println()
}

// handleSlashCommand implements the interactive command surface. Unknown
// names fall through to the user-defined command registry before being
// reported as unrecognized.
func handleSlashCommand(ctx context.Context, env *cliEnv, line string) (handled bool, quit bool) {
	fields := strings.Fields(line)
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
	switch fields[0] {
	case "/exit", "/quit":
		return true, true
	case "/help":
		printHelp()
		return true, false
	case "/clear":
		env.session.Messages = nil
		fmt.Println("conversation cleared")
		return true, false
	case "/session":
		fmt.Printf("session: %s turns: %d\n", env.session.ID, env.session.TurnCount)
		return true, false
	case "/context":
		printContext(env)
		return true, false
	case "/compact":
		runForceCompact(ctx, env.bundle.rt, env.session)
		return true, false
	case "/target":
		if rest != "" {
			env.opts.target = rest
			fmt.Printf("target set to %s\n", rest)
		} else {
			fmt.Printf("target: %s\n", env.opts.target)
		}
		return true, false
	case "/mode":
		if rest != "" {
			env.opts.mode = rest
			env.bundle.checker.SetDefaultPolicy(approvalPolicyForMode(rest, env.opts.autoApprove))
			env.bundle.checker.SetMode(policyModeFor(rest, env.opts.autoApprove))
			fmt.Printf("mode set to %s\n", rest)
		} else {
			fmt.Printf("mode: %s\n", env.opts.mode)
		}
		return true, false
	case "/permissions":
		handlePermissions(env, fields[1:])
		return true, false
	case "/agents":
		printAgentTemplates(env.templates)
		return true, false
	case "/task":
		if len(fields) < 3 {
			fmt.Println("usage: /task <agent> <prompt>")
			return true, false
		}
		runSubagentTask(ctx, env.bundle.rt, env.templates, env.session, fields[1], strings.Join(fields[2:], " "))
		return true, false
	case "/skillpacks":
		printSkillpacks(env)
		return true, false
	case "/skillpack":
		handleSkillpack(env, fields[1:])
		return true, false
	case "/mcp":
		handleMCP(ctx, env, fields[1:])
		return true, false
	case "/plan":
		handlePlan(ctx, env, rest)
		return true, false
	case "/commands":
		printUserCommands(env)
		return true, false
	default:
		name, args := commands.SplitCommandArgs(commands.NormalizeCommandText(line))
		if runUserCommand(ctx, env, name, args) {
			return true, false
		}
		fmt.Printf("unrecognized command: %s\n", fields[0])
		return true, false
	}
}

func printHelp() {
	fmt.Println(`/help /exit /quit /clear /session /context /compact
/target [t] /mode [m] /permissions [add allow|ask|deny "pattern"]
/agents /task <agent> <prompt>
/skillpacks /skillpack use|drop <name>
/mcp list|connect <server>|tools
/plan <goal> | /plan cancel | /plan execute
/commands /<name> [args]`)
}

// printContext implements "/context": the session's cumulative token and
// cost footprint, plus the per-provider breakdown from the usage tracker.
func printContext(env *cliEnv) {
	session := env.session
	fmt.Printf("cumulative tokens: %s cumulative cost: %s\n",
		usage.FormatTokenCount(session.CumulativeTokens), usage.FormatUSD(session.CumulativeCost))
	if env.bundle.usage == nil {
		return
	}
	for key, u := range env.bundle.usage.GetSummary() {
		fmt.Printf("  %s: %s\n", key, usage.FormatUsage(u))
	}
}

// handlePermissions implements "/permissions" and
// `/permissions add allow|ask|deny "pattern"`: list or extend the approval
// policy's rule lists at runtime.
func handlePermissions(env *cliEnv, args []string) {
	checker := env.bundle.checker
	if len(args) == 0 {
		allow, ask, deny := checker.PermissionRules()
		fmt.Printf("allow: %s\nask:   %s\ndeny:  %s\n",
			strings.Join(allow, ", "), strings.Join(ask, ", "), strings.Join(deny, ", "))
		return
	}
	if len(args) != 3 || args[0] != "add" {
		fmt.Println(`usage: /permissions [add allow|ask|deny "pattern"]`)
		return
	}
	pattern := strings.Trim(args[2], `"`)
	if err := checker.AddPermissionRule(args[1], pattern); err != nil {
		fmt.Fprintln(os.Stderr, "permissions:", err)
		return
	}
	fmt.Printf("added %s rule for %q\n", args[1], pattern)
}

// printSkillpacks implements "/skillpacks": every discovered pack, its
// eligibility, and whether it is active in this session.
func printSkillpacks(env *cliEnv) {
	if env.skills == nil {
		fmt.Println("no skill packs available")
		return
	}
	all := env.skills.ListAll()
	if len(all) == 0 {
		fmt.Println("no skill packs discovered")
		return
	}
	active := make(map[string]bool, len(env.activeSkills))
	for _, name := range env.activeSkills {
		active[name] = true
	}
	for _, entry := range all {
		marker := " "
		if active[entry.Name] {
			marker = "*"
		}
		fmt.Printf("%s %s - %s\n", marker, entry.Name, entry.Description)
	}
}

// handleSkillpack implements "/skillpack use|drop <name>".
func handleSkillpack(env *cliEnv, args []string) {
	if env.skills == nil {
		fmt.Println("no skill packs available")
		return
	}
	if len(args) != 2 {
		fmt.Println("usage: /skillpack use|drop <name>")
		return
	}
	verb, name := args[0], args[1]
	switch verb {
	case "use":
		if _, ok := env.skills.GetEligible(name); !ok {
			fmt.Printf("skill pack %q not found or not eligible on this host\n", name)
			return
		}
		for _, existing := range env.activeSkills {
			if existing == name {
				fmt.Printf("skill pack %q already active\n", name)
				return
			}
		}
		env.activeSkills = append(env.activeSkills, name)
		fmt.Printf("skill pack %q active\n", name)
	case "drop":
		kept := env.activeSkills[:0]
		found := false
		for _, existing := range env.activeSkills {
			if existing == name {
				found = true
				continue
			}
			kept = append(kept, existing)
		}
		env.activeSkills = kept
		if found {
			fmt.Printf("skill pack %q dropped\n", name)
		} else {
			fmt.Printf("skill pack %q was not active\n", name)
		}
	default:
		fmt.Println("usage: /skillpack use|drop <name>")
	}
}

// handleMCP implements "/mcp list|connect <server>|tools". Connecting also
// registers the server's bridged tools on the runtime so the next turn can
// call them.
func handleMCP(ctx context.Context, env *cliEnv, args []string) {
	if env.mcp == nil {
		fmt.Println("mcp unavailable")
		return
	}
	verb := "list"
	if len(args) > 0 {
		verb = args[0]
	}
	switch verb {
	case "list":
		statuses := env.mcp.Status()
		if len(statuses) == 0 {
			fmt.Println("no mcp servers configured")
			return
		}
		for _, st := range statuses {
			state := "disconnected"
			if st.Connected {
				state = "connected"
			}
			fmt.Printf("  %s: %s (%d tools)\n", st.ID, state, st.Tools)
		}
	case "connect":
		if len(args) != 2 {
			fmt.Println("usage: /mcp connect <server>")
			return
		}
		if err := env.mcp.Connect(ctx, args[1]); err != nil {
			fmt.Fprintln(os.Stderr, "mcp connect:", err)
			return
		}
		registered := mcp.RegisterTools(env.bundle.rt, env.mcp)
		fmt.Printf("connected %s (%d tools registered)\n", args[1], len(registered))
	case "tools":
		schemas := env.mcp.ToolSchemas()
		if len(schemas) == 0 {
			fmt.Println("no mcp tools available")
			return
		}
		for _, s := range schemas {
			fmt.Printf("  %s - %s\n", s.Name, s.Description)
		}
	default:
		fmt.Println("usage: /mcp list|connect <server>|tools")
	}
}

// handlePlan implements "/plan <goal>", "/plan cancel", "/plan execute":
// plan mode pins the session to read-only tools while the agent works out
// an approach, then execute lifts the restriction and tells it to proceed.
func handlePlan(ctx context.Context, env *cliEnv, rest string) {
	planMode := env.bundle.planMode
	switch rest {
	case "":
		if planMode.Active(env.session.ID) {
			fmt.Println("plan mode: active")
		} else {
			fmt.Println("usage: /plan <goal> | /plan cancel | /plan execute")
		}
	case "cancel":
		planMode.Set(env.session.ID, false)
		fmt.Println("plan mode cancelled")
	case "execute":
		if !planMode.Active(env.session.ID) {
			fmt.Println("no plan in progress")
			return
		}
		planMode.Set(env.session.ID, false)
		env.submitTurn(ctx, "Execute the plan you prepared.", nil)
	default:
		planMode.Set(env.session.ID, true)
		env.submitTurn(ctx, "Work out a plan for the following goal before touching anything:\n\n"+rest, nil)
	}
}

// printUserCommands implements "/commands": the registry's builtins plus
// the user-defined commands discovered under the data directory.
func printUserCommands(env *cliEnv) {
	if env.userCmds == nil {
		fmt.Println("no commands registered")
		return
	}
	for _, cmd := range env.userCmds.ListVisible() {
		fmt.Printf("  /%s - %s\n", cmd.Name, cmd.Description)
	}
}

// runUserCommand dispatches /<name> [args] through the command registry.
// Builtins render or rewind the session locally; user-defined commands
// expand to a prompt, optionally restricted to the tool allowlist their
// frontmatter declares.
func runUserCommand(ctx context.Context, env *cliEnv, name, args string) bool {
	if env.userCmds == nil {
		return false
	}
	cmd, ok := env.userCmds.Get(name)
	if !ok {
		return false
	}
	res, err := cmd.Handler(ctx, &commands.Invocation{
		Command:    cmd,
		Name:       name,
		Args:       args,
		SessionKey: env.session.ID,
		Context: map[string]any{
			commands.CtxSessionID: env.session.ID,
			commands.CtxStatus:    string(env.session.Status),
			commands.CtxTurnCount: fmt.Sprintf("%d", env.session.TurnCount),
			commands.CtxTokens:    usage.FormatTokenCount(env.session.CumulativeTokens),
			commands.CtxCost:      usage.FormatUSD(env.session.CumulativeCost),
			commands.CtxTarget:    env.opts.target,
			commands.CtxMode:      env.opts.mode,
			commands.CtxVersion:   version,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "/%s: %v\n", name, err)
		return true
	}
	switch commands.ResultAction(res) {
	case commands.ActionPrompt:
		var toolPolicy *policy.Policy
		if allowed, ok := res.Data["allowed_tools"].([]string); ok && len(allowed) > 0 {
			toolPolicy = &policy.Policy{Allow: allowed, Deny: []string{"task"}}
		}
		env.submitTurn(ctx, res.Text, toolPolicy)
	case commands.ActionUndo:
		undoLastExchange(env)
	default:
		if res.Text != "" {
			fmt.Println(res.Text)
		}
	}
	return true
}

// undoLastExchange drops the trailing messages back through the most
// recent user message, removing one full exchange from the history.
func undoLastExchange(env *cliEnv) {
	msgs := env.session.Messages
	cut := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == pkgmodels.RoleUser {
			cut = i
			break
		}
	}
	if cut < 0 {
		fmt.Println("nothing to undo")
		return
	}
	env.session.Messages = msgs[:cut]
	fmt.Printf("removed %d message(s)\n", len(msgs)-cut)
}

// runSubagentTask runs a one-shot restricted subagent turn synchronously
// and prints its final message, the direct-mode equivalent of the Task
// tool: a child session tagged with the subagent's name, the parent's
// tool set minus Task itself (a subagent never re-spawns), and the
// runtime's existing max-iterations. Runs inline rather than in a
// background goroutine so the REPL can print the result before
// prompting again.
//
// When name resolves against registry (an internal/templates.Registry
// populated by newTemplateRegistry), the child's tool policy and system
// prompt come from that template's AgentTemplateSpec instead of the bare
// task-only deny rule, so a persisted agent definition actually changes
// the subagent's behavior rather than existing only for /agents to list.
func runSubagentTask(ctx context.Context, rt *agent.Runtime, registry *templates.Registry, parent *pkgmodels.Session, name, task string) {
	child := &pkgmodels.Session{
		ID:        parent.ID + "-task-" + uuid.NewString()[:8],
		AgentID:   name,
		Channel:   parent.Channel,
		ChannelID: parent.ChannelID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	msg := &pkgmodels.Message{
		ID:        uuid.NewString(),
		SessionID: child.ID,
		Role:      pkgmodels.RoleUser,
		Content:   task,
	}

	toolPolicy := &policy.Policy{Deny: []string{"task"}}
	taskCtx := ctx
	if registry != nil {
		if tmpl, ok := registry.Get(name); ok {
			if src := tmpl.Agent.ToolPolicy; src != nil {
				// Copy before mutating: src is the registry's own stored
				// template, shared across every /task invocation of this
				// agent name.
				cp := *src
				cp.Deny = append(append([]string{}, src.Deny...), "task")
				toolPolicy = &cp
			}
			if system, err := registry.LoadContent(name); err == nil && strings.TrimSpace(system) != "" {
				taskCtx = agent.WithSystemPrompt(taskCtx, system)
			}
		}
	}
	resolver := policy.NewResolver()
	taskCtx = agent.WithToolPolicy(taskCtx, resolver, toolPolicy)

	chunks, err := rt.Process(taskCtx, child, msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "task %q error: %v\n", name, err)
		return
	}

	var result strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			fmt.Fprintf(os.Stderr, "task %q error: %v\n", name, chunk.Error)
			return
		}
		result.WriteString(chunk.Text)
	}
	fmt.Printf("[task:%s] %s\n", name, result.String())
}

// printAgentTemplates implements "/agents": list the subagent
// definitions discovered by newTemplateRegistry.
func printAgentTemplates(registry *templates.Registry) {
	if registry == nil {
		fmt.Println("no agent templates available")
		return
	}
	tmpls := registry.List()
	if len(tmpls) == 0 {
		fmt.Println("no agent templates discovered")
		return
	}
	for _, t := range tmpls {
		fmt.Printf("  %s - %s\n", t.Name, t.Description)
	}
}

// runForceCompact implements the interactive "/compact" command: force a
// summary of the session's history right now rather than waiting for the
// automatic threshold in Runtime.run to trip.
func runForceCompact(ctx context.Context, rt *agent.Runtime, session *pkgmodels.Session) {
	summary, err := rt.ForceCompact(ctx, session)
	if err != nil {
		fmt.Fprintln(os.Stderr, "compact error:", err)
		return
	}
	if summary == nil {
		fmt.Println("nothing to compact")
		return
	}
	fmt.Printf("compacted: %s\n", summary.Content)
}

func renderEvent(evt pkgmodels.AgentEvent, trace bool) {
	switch evt.Type {
	case pkgmodels.AgentEventModelDelta:
		if evt.Stream != nil {
			fmt.Print(evt.Stream.Delta)
		}
	case pkgmodels.AgentEventToolStarted:
		if evt.Tool != nil {
			var args any
			_ = json.Unmarshal(evt.Tool.ArgsJSON, &args)
			display := tools.ResolveToolDisplay(evt.Tool.Name, args, "")
			fmt.Printf("\n%s\n", tools.FormatToolSummary(display))
		}
	case pkgmodels.AgentEventRunYielded:
		if evt.Yield != nil {
			fmt.Printf("\n[yield:%s] %s\n", evt.Yield.Reason, evt.Yield.Question)
		}
	case pkgmodels.AgentEventRunError:
		if evt.Error != nil {
			fmt.Printf("\n[error] %s\n", evt.Error.Message)
		}
	default:
		if trace {
			fmt.Printf("\n[%s]\n", evt.Type)
		}
	}
}
