package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/coordinator"
	"github.com/basket/agentcore/internal/engine"
	"github.com/basket/agentcore/internal/llm"
	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/runs"
	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/tools"
)

type runOptions struct {
	sessionID      string
	conversationID string
	yes            bool
	jsonOut        bool
	waitDetached   bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one session: the model calls tools and delegates to subagents",
		Long: "Run one session to completion. The prompt is read from the arguments, or from stdin\n" +
			"when no arguments are given and stdin is not a terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runSession(cmd.Context(), root, opts, prompt, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.sessionID, "session", "", "session id (default: random)")
	f.StringVar(&opts.conversationID, "conversation", "", "conversation id that scopes subagent runs (default: session id)")
	f.BoolVarP(&opts.yes, "yes", "y", false, "approve every permission ask")
	f.BoolVar(&opts.jsonOut, "json", false, "print events as JSON lines")
	f.BoolVar(&opts.waitDetached, "wait", false, "wait for spawned subagents before exiting")
	return cmd
}

func readPrompt(args []string, in io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return "", errors.New("no prompt: pass it as arguments or pipe it on stdin")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("no prompt: stdin was empty")
	}
	return prompt, nil
}

func runSession(ctx context.Context, root *rootOptions, opts *runOptions, prompt string, in io.Reader, out io.Writer) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	pc, err := processorConfig(cfg)
	if err != nil {
		return err
	}

	// A piped prompt has consumed stdin, so asks can only be answered by --yes.
	term := newTerminal(in, out, opts.yes, cfg.Processor.PermissionTimeout)
	approvals := permission.NewApprovalManager(term.onApproval)
	term.approvals = approvals

	a, err := newApp(ctx, cfg, appOptions{quietLogs: true, approvals: approvals})
	if err != nil {
		return err
	}
	defer a.Close()
	a.recoverRuns(ctx)

	stopSweeper, err := a.startSweeper(ctx)
	if err != nil {
		return err
	}
	defer stopSweeper()
	if err := a.watchConfig(ctx); err != nil {
		a.logger.Warn("config watcher disabled", "error", err)
	}

	gen, err := a.generator(ctx)
	if err != nil {
		return err
	}
	ws, err := a.workspace()
	if err != nil {
		return err
	}
	base := tools.NewRegistry(ws.Tools()...)

	plans, err := coordinatorPlans(a)
	if err != nil {
		return err
	}
	orch := coordinator.New(a.registry, a.catalog, gen, orchestratorConfig(cfg, pc),
		coordinator.WithTools(base),
		coordinator.WithHooks(a.hooks),
		coordinator.WithBus(a.bus),
		coordinator.WithGate(a.policy),
		coordinator.WithLogger(a.logger),
		coordinator.WithMetrics(a.metrics),
		coordinator.WithPlans(plans),
	)

	con := newConsole(out, opts.jsonOut)
	sub := a.bus.Subscribe(bus.TopicRunStateChanged)
	go con.watchRuns(sub)
	defer a.bus.Unsubscribe(sub)

	proc := engine.NewProcessor(gen, base.With(orch.Tools()...), pc,
		engine.WithGate(a.policy),
		engine.WithHuman(term),
		engine.WithSink(engine.MultiSink{engine.BusSink{Bus: a.bus}, con}),
		engine.WithLogger(a.logger),
		engine.WithTracer(a.otel.Tracer),
		engine.WithMetrics(a.metrics),
	)

	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	conversationID := opts.conversationID
	if conversationID == "" {
		conversationID = sessionID
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithSessionID(ctx, sessionID)
	ctx = shared.WithConversationID(ctx, conversationID)

	a.logger.Info("session started", "session_id", sessionID, "conversation_id", conversationID)
	res, runErr := proc.Process(ctx, engine.NewSession(sessionID), llm.UserMessage(prompt))
	con.summary(res)

	if opts.waitDetached && runErr == nil {
		waitDetached(ctx, a, orch, conversationID, cfg.Subagents.WaitTimeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("orchestrator shutdown", "error", err)
	}

	if runErr != nil {
		return &exitError{code: exitCodeFor(runErr), err: runErr}
	}
	return nil
}

func coordinatorPlans(a *app) (map[string]coordinator.Plan, error) {
	if len(a.cfg.Plans) == 0 {
		return nil, nil
	}
	return coordinator.LoadPlansFromConfig(a.cfg.Plans, a.catalog.Names())
}

// waitDetached blocks until every active run of the conversation ends or
// timeout passes.
func waitDetached(ctx context.Context, a *app, orch *coordinator.Orchestrator, conversationID string, timeout time.Duration) {
	active, err := a.registry.List(ctx, runs.Filter{ConversationID: conversationID, Statuses: runs.ActiveStatuses})
	if err != nil || len(active) == 0 {
		return
	}
	for _, rec := range active {
		if _, err := orch.Wait(ctx, conversationID, rec.RunID, timeout); err != nil {
			a.logger.Warn("wait for subagent", "run_id", rec.RunID, "error", err)
		}
	}
}

// exitCodeFor maps loop failures to exit statuses: 3 for step or budget
// limits, 4 for permission denials.
func exitCodeFor(err error) int {
	switch engine.CodeOf(err) {
	case engine.CodeAborted:
		return 130
	case engine.CodeMaxSteps, engine.CodeResource:
		return 3
	case engine.CodePermission:
		return 4
	default:
		return 1
	}
}
