package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/turnengine/internal/bus"
	"github.com/haasonsaas/turnengine/internal/config"
	"github.com/haasonsaas/turnengine/internal/llm"
	"github.com/haasonsaas/turnengine/internal/loop"
	"github.com/haasonsaas/turnengine/internal/permission"
	"github.com/haasonsaas/turnengine/internal/sessions"
	"github.com/haasonsaas/turnengine/internal/snapshot"
	"github.com/haasonsaas/turnengine/internal/summary"
	"github.com/haasonsaas/turnengine/internal/tools"
	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/internal/usage"
	"github.com/haasonsaas/turnengine/pkg/models"
)

type runOptions struct {
	configPath  string
	sessionID   string
	model       string
	provider    string
	metricsAddr string
	noWatch     bool
}

// runPrompt handles the run command.
func runPrompt(cmd *cobra.Command, opts runOptions, args []string) error {
	text, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := resolveConfigPath(opts.configPath)
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if opts.provider != "" {
		cfg.Provider.Name = opts.provider
	}
	if opts.model != "" {
		cfg.Provider.Model = opts.model
	}
	metricsAddr := opts.metricsAddr
	if metricsAddr == "" && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Addr
	}

	a, err := newAppFromConfig(ctx, cfg, appOptions{metrics: metricsAddr != ""})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	if err := a.ensureSchema(ctx); err != nil {
		return err
	}

	logger := a.logger.Slog()
	events := bus.New()
	defer events.Close()
	store := sessions.NewEventedStore(a.store, events)

	session, err := ensureSession(ctx, store, opts.sessionID, cfg.Workspace)
	if err != nil {
		return err
	}

	gate := permission.NewGate(cfg.Permission.Ruleset(), events, logger)
	defer gate.ForgetSession(session.ID)

	registry := tools.NewRegistry(tools.NewReadTool(cfg.Workspace), tools.NewGlobTool(cfg.Workspace))
	executor := tools.NewExecutor(registry,
		tools.WithPermissions(gate),
		tools.WithLogger(logger),
		tools.WithTracer(a.tracer),
	)

	providerCfg := cfg.Provider
	if providerCfg.APIKey == "" {
		providerCfg.APIKey = os.Getenv(llm.APIKeyEnv(providerCfg.Name))
	}
	provider, err := llm.New(providerCfg)
	if err != nil {
		return err
	}

	snapCfg := cfg.Snapshot
	if snapCfg.Worktree == "" {
		snapCfg.Worktree = cfg.Workspace
	}
	tracker, err := snapshot.New(snapCfg)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	var (
		snapshots  turn.Snapshotter
		summarizer turn.Summarizer
	)
	if tracker != nil {
		snapshots = tracker
		summarizer = summary.New(store, tracker, logger)
	}

	engine, err := turn.New(turn.Options{
		Provider:    executor.Wrap(provider),
		Store:       store,
		Bus:         events,
		Permissions: gate,
		Snapshots:   snapshots,
		Summarizer:  summarizer,
		Usage:       usage.NewTracker(usage.DefaultTrackerConfig()),
		Compaction:  cfg.Compaction,
		Config:      cfg.Engine.TurnConfig(),
		Logger:      logger,
		Metrics:     a.metrics,
		Tracer:      a.tracer,
	})
	if err != nil {
		return err
	}
	locker, err := a.sessionLocker()
	if err != nil {
		return err
	}
	runner, err := loop.New(loop.Options{
		Processor: engine,
		Store:     store,
		Tools:     registry,
		Bus:       events,
		Locker:    locker,
		Config: loop.Config{
			MaxSteps:        cfg.Engine.MaxSteps,
			System:          cfg.Engine.System,
			MaxOutputTokens: cfg.Engine.MaxOutputTokens,
			Temperature:     cfg.Engine.Temperature,
			Compaction:      cfg.Compaction,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		if err := serveMetrics(ctx, metricsAddr, engine.Health(), logger); err != nil {
			return err
		}
	}
	if configPath != "" && !opts.noWatch {
		go func() {
			_ = config.Watch(ctx, configPath, config.DefaultWatchDebounce, logger, func(next *config.Config) {
				gate.SetRules(next.Permission.Ruleset())
			})
		}()
	}

	responder := newPermissionResponder(gate, cfg.Permission, cmd.ErrOrStderr(), logger)
	if cfg.Permission.Interactive && isTerminal(os.Stdin) {
		responder.prompt = newTerminalPrompt(os.Stdin, cmd.ErrOrStderr())
	}
	asks, unsubscribeAsks := events.Subscribe(bus.Filter{
		SessionID: session.ID,
		Types:     []models.EventType{models.EventPermissionAsked},
	})
	go responder.run(asks)
	defer unsubscribeAsks()

	render := newRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr())
	updates, unsubscribeUpdates := events.Subscribe(bus.Filter{
		SessionID: session.ID,
		Types: []models.EventType{
			models.EventPartUpdated,
			models.EventSessionStatus,
			models.EventSessionError,
		},
		Buffer: 4096,
	})
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for evt := range updates {
			render.handle(evt)
		}
	}()

	catalog := cfg.Catalog()
	modelID := cfg.Provider.Model
	if modelID == "" {
		modelID = llm.DefaultModel(cfg.Provider.Name)
	}
	model, known := catalog.Lookup(strings.ToLower(cfg.Provider.Name), modelID)
	if !known {
		logger.Warn("model not in catalog, usage will not be priced", "provider", cfg.Provider.Name, "model", modelID)
	}

	result, runErr := runner.Prompt(ctx, session.ID, model, text)
	unsubscribeUpdates()
	<-rendered
	render.finish()

	if result != nil {
		printResult(cmd.ErrOrStderr(), session.ID, result)
	}
	if runErr != nil {
		return runErr
	}
	if last := result.Last(); last != nil && last.Error != nil {
		if ctx.Err() != nil {
			return errors.New("interrupted")
		}
		return fmt.Errorf("%s: %s", last.Error.Name, last.Error.Message)
	}
	return nil
}

// readPrompt joins the arguments or reads stdin when there are none.
func readPrompt(in io.Reader, args []string) (string, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" && in != nil {
		if f, ok := in.(*os.File); !ok || !isTerminal(f) {
			data, err := io.ReadAll(in)
			if err != nil {
				return "", fmt.Errorf("read prompt: %w", err)
			}
			text = strings.TrimSpace(string(data))
		}
	}
	if text == "" {
		return "", errors.New("a prompt is required")
	}
	return text, nil
}

// ensureSession loads the session or creates it. An empty id creates a new
// session.
func ensureSession(ctx context.Context, store sessions.Store, id, directory string) (*models.Session, error) {
	if id != "" {
		session, err := store.GetSession(ctx, id)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
	} else {
		id = models.NewSessionID()
	}
	now := time.Now()
	session := &models.Session{
		ID:        id,
		Directory: directory,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func printResult(w io.Writer, sessionID string, result *loop.Result) {
	var (
		tokens models.TokenUsage
		cost   float64
	)
	for _, msg := range result.Messages {
		tokens.Add(msg.Tokens)
		cost += msg.Cost
	}
	line := fmt.Sprintf("session %s: %d step(s)", sessionID, result.Steps)
	if t := usage.FormatTokens(tokens); t != "" {
		line += ", " + t
	}
	if c := usage.FormatUSD(cost); c != "" {
		line += ", " + c
	}
	fmt.Fprintf(w, "\n%s\n", line)
	if result.Compactions > 0 {
		fmt.Fprintf(w, "compacted %d time(s)\n", result.Compactions)
	}
	if result.MaxStepsReached {
		fmt.Fprintln(w, "stopped: step limit reached")
	}
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}
