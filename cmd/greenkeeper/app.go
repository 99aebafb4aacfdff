package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"git.home.luguber.info/inful/greenkeeper/internal/config"
	"git.home.luguber.info/inful/greenkeeper/internal/daemon"
	"git.home.luguber.info/inful/greenkeeper/internal/events"
	"git.home.luguber.info/inful/greenkeeper/internal/eventstore"
	"git.home.luguber.info/inful/greenkeeper/internal/githost"
	"git.home.luguber.info/inful/greenkeeper/internal/integrity"
	"git.home.luguber.info/inful/greenkeeper/internal/ledger"
	"git.home.luguber.info/inful/greenkeeper/internal/metrics"
	"git.home.luguber.info/inful/greenkeeper/internal/riskbudget"
	"git.home.luguber.info/inful/greenkeeper/internal/runner"
	"git.home.luguber.info/inful/greenkeeper/internal/sentinel"
	"git.home.luguber.info/inful/greenkeeper/internal/trace"
	"git.home.luguber.info/inful/greenkeeper/internal/train"
)

const serveShutdownTimeout = 10 * time.Second

// app holds the wired orchestrator components shared by the CLI verbs.
type app struct {
	cfg       config.Config
	paths     config.Paths
	logger    *slog.Logger
	events    *events.Log
	publisher *events.NATSPublisher
	ledger    *ledger.Ledger
	budgets   *riskbudget.Store
	sentinel  *sentinel.Sentinel
	train     *train.Train
	daemon    *daemon.Daemon
}

func newApp(configPath string, verbose bool) (*app, error) {
	// Operator secrets and per-checkout overrides live in .env when present.
	_ = godotenv.Load()

	if fromEnv := os.Getenv(config.EnvConfigPath); fromEnv != "" {
		configPath = fromEnv
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := buildLogger(cfg, verbose)
	slog.SetDefault(logger)

	paths := config.NewPaths(cfg.Root)

	eventLog := events.New(paths.PulseDir())
	var publisher *events.NATSPublisher
	if cfg.NATS.URL != "" {
		publisher, err = events.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			logger.Warn("nats unavailable, events stay local", "url", cfg.NATS.URL, "error", err)
			publisher = nil
		} else {
			eventLog = eventLog.WithPublisher(publisher, cfg.NATS.Subject)
		}
	}

	led := ledger.New(paths.PulseDir())
	budgets := riskbudget.NewStore(paths.RiskBudgetLatest(), paths.RiskBudgetHistory(), eventLog)

	sent := sentinel.New(sentinel.Config{
		RootDir:               paths.Root,
		PolicyPath:            paths.SentinelPolicy(),
		StatePath:             paths.SentinelState(),
		ContractStatusPath:    paths.ContractStatus(),
		CIBaselinePath:        paths.CIBaseline(),
		ArtifactIndexPath:     paths.ArtifactIndex(),
		StabilityDoctrinePath: paths.StabilityDoctrine(),
		DaemonPolicyPath:      paths.DaemonPolicy(),
		LockPath:              paths.DaemonLock(),
	}, led, eventLog)

	packs := trace.NewPackGenerator(paths.RemediationPacksDir(), paths.RemediationIndex(), paths.RemediationTasks())
	host := githost.NewCLIHost(paths.Root, cfg.GitHost.Repo, logger)

	trn := train.New(train.Config{
		RootDir:               paths.Root,
		PolicyPath:            paths.TrainPolicy(),
		StatePath:             paths.TrainState(),
		LockPath:              paths.TrainLock(),
		DocketsDir:            paths.DocketsDir(),
		ReportsDir:            paths.ReportsDir(),
		RemoteDoctrineLogPath: paths.RemoteDoctrineLog(),
		RemoteBundleDir:       paths.RemoteBundleDir(),
		LocalDoctrinePath:     paths.StabilityDoctrine(),
		ContractStatusPath:    paths.ContractStatus(),
		ProgressBaselinePath:  paths.ProgressBaseline(),
		TracesDir:             paths.TracesDir(),
		TraceIndexPath:        paths.TraceIndex(),
	}, train.Deps{
		Host:          host,
		Ledger:        led,
		Events:        eventLog,
		MergeReceipts: integrity.NewReceiptChain(paths.MergeReceiptsDir(), paths.MergeReceiptIndex()),
		AuditChain:    integrity.NewAuditChain(paths.AuditLogsDir(), paths.AuditReportsDir()),
		Federation:    integrity.NewFederationGate(paths.FederationSnapshot(), paths.FederationPeersDir()),
		Budgets:       budgets,
		Packs:         packs,
	})

	reportPath := cfg.Runner.ReportPath
	if reportPath != "" && !filepath.IsAbs(reportPath) {
		reportPath = filepath.Join(paths.Root, reportPath)
	}
	workDir := cfg.Runner.WorkDir
	if workDir == "" {
		workDir = paths.Root
	}
	run := runner.NewExecRunner(cfg.Runner.Command, reportPath, workDir, logger)

	dmn := daemon.New(daemon.Config{
		RootDir:       paths.Root,
		PolicyPath:    paths.DaemonPolicy(),
		LockPath:      paths.DaemonLock(),
		QuarantineDir: paths.QuarantineDir(),
	}, daemon.Deps{
		Ledger:   led,
		Runner:   run,
		Events:   eventLog,
		Sentinel: sent,
		Budgets:  budgets,
	}, logger)

	return &app{
		cfg:       cfg,
		paths:     paths,
		logger:    logger,
		events:    eventLog,
		publisher: publisher,
		ledger:    led,
		budgets:   budgets,
		sentinel:  sent,
		train:     trn,
		daemon:    dmn,
	}, nil
}

func buildLogger(cfg config.Config, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.SlogLevel() {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	fmt.Println(string(out))
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

func (a *app) cmdEnqueue(goal, goalID string, priority int, requestedBy string) int {
	id, err := a.ledger.Enqueue(ledger.WorkRequest{
		Goal:        goal,
		GoalID:      goalID,
		Priority:    priority,
		RequestedBy: requestedBy,
	})
	if err != nil {
		return fail(err)
	}
	printJSON(map[string]any{"request_id": id, "goal": goal})
	return 0
}

func (a *app) cmdQueue() int {
	printJSON(a.ledger.PendingRequests())
	return 0
}

func (a *app) cmdReceipts(limit int) int {
	printJSON(a.ledger.RecentReceipts(limit))
	return 0
}

func (a *app) cmdDaemonTick(ctx context.Context) int {
	result := a.daemon.Tick(ctx)
	printJSON(result)
	return tickExit(result)
}

func (a *app) cmdSentinelStatus() int {
	printJSON(map[string]any{
		"policy": a.sentinel.LoadPolicy(),
		"state":  a.sentinel.Summary(),
	})
	return 0
}

func (a *app) cmdSentinelEnabled(enabled bool) int {
	policy := a.sentinel.LoadPolicy()
	policy.Enabled = enabled
	if err := a.sentinel.SavePolicy(policy); err != nil {
		return fail(err)
	}
	printJSON(map[string]any{"sentinel_enabled": enabled})
	return 0
}

func (a *app) cmdSentinelTick() int {
	printJSON(a.sentinel.Tick())
	return 0
}

func (a *app) cmdTrainStatus() int {
	printJSON(a.train.Summary())
	return 0
}

func (a *app) cmdTrainEnabled(enabled bool) int {
	policy := a.train.LoadPolicy()
	policy.Enabled = enabled
	if err := a.train.SavePolicy(policy); err != nil {
		return fail(err)
	}
	printJSON(map[string]any{"train_enabled": enabled})
	return 0
}

func (a *app) cmdTrainTick(ctx context.Context) int {
	result := a.train.Tick(ctx)
	printJSON(result)
	return tickExit(result)
}

func (a *app) cmdTrainHold(pr int) int {
	held := a.train.Hold(pr)
	printJSON(map[string]any{"pr": pr, "held": held})
	if !held {
		return 1
	}
	return 0
}

func (a *app) cmdTrainRelease(pr int) int {
	released := a.train.Release(pr)
	printJSON(map[string]any{"pr": pr, "released": released})
	if !released {
		return 1
	}
	return 0
}

func (a *app) cmdStatus() int {
	snapshot := a.daemon.Status()
	snapshot["merge_train"] = a.train.Summary()
	printJSON(snapshot)
	return 0
}

func (a *app) cmdIndex(ctx context.Context, event, status, domain string, limit int) int {
	if err := os.MkdirAll(a.paths.StateDir(), 0o755); err != nil {
		return fail(err)
	}
	index, err := eventstore.Open(a.paths.EventIndexDB())
	if err != nil {
		return fail(err)
	}
	defer index.Close()

	indexed, err := index.Rebuild(ctx, a.events.Path())
	if err != nil {
		return fail(err)
	}
	rows, err := index.Recent(ctx, eventstore.Query{
		Event:  event,
		Status: status,
		Domain: domain,
		Limit:  limit,
	})
	if err != nil {
		return fail(err)
	}
	printJSON(map[string]any{"indexed": indexed, "events": rows})
	return 0
}

// tickExit maps a tick result to a process exit code. Neutral outcomes
// (idle, disabled, skipped, blocked) exit zero; only run failures surface.
func tickExit(result map[string]any) int {
	status, _ := result["status"].(string)
	switch status {
	case "failed", "error":
		return 1
	}
	return 0
}

func (a *app) cmdServe() int {
	m := metrics.New()
	m.SetQueueDepthSource(func() float64 {
		return float64(len(a.ledger.PendingRequests()))
	})
	m.SetActiveTrainSource(func() float64 {
		active := 0
		for _, entry := range a.train.LoadState().Entries {
			if entry.Active() {
				active++
			}
		}
		return float64(active)
	})

	server := metrics.NewServer(a.cfg.Metrics.Listen, m, a.daemon.Status, a.logger)

	scheduler, err := daemon.NewScheduler(a.logger)
	if err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := scheduler.Every(a.cfg.DaemonTickInterval(), "daemon_tick", func() {
		result := a.daemon.Tick(ctx)
		status, _ := result["status"].(string)
		m.RecordTick("daemon", status)
		if status != "idle" && status != "disabled" {
			m.RecordReceipt(status)
		}
	}); err != nil {
		return fail(err)
	}
	if _, err := scheduler.Every(a.cfg.SentinelTickInterval(), "sentinel_tick", func() {
		result := a.sentinel.Tick()
		status, _ := result["status"].(string)
		m.RecordTick("sentinel", status)
		if enqueued, ok := result["enqueued"].([]map[string]any); ok {
			for _, row := range enqueued {
				if domain, ok := row["domain"].(string); ok {
					m.RecordEnqueue(domain)
				}
			}
		}
	}); err != nil {
		return fail(err)
	}
	if _, err := scheduler.Every(a.cfg.TrainTickInterval(), "train_tick", func() {
		result := a.train.Tick(ctx)
		status, _ := result["status"].(string)
		m.RecordTick("train", status)
	}); err != nil {
		return fail(err)
	}

	if err := os.MkdirAll(a.paths.ContractsDir(), 0o755); err != nil {
		return fail(err)
	}
	watcher, err := daemon.NewContractWatcher(a.paths.ContractsDir(), func() {
		a.logger.Info("contract change detected, running sentinel")
		a.sentinel.Tick()
	}, a.logger)
	if err != nil {
		return fail(err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fail(err)
	}

	server.Start()
	scheduler.Start()
	a.logger.Info("greenkeeper serving",
		"metrics", a.cfg.Metrics.Listen,
		"daemon_tick", a.cfg.DaemonTickInterval(),
		"sentinel_tick", a.cfg.SentinelTickInterval(),
		"train_tick", a.cfg.TrainTickInterval())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	a.logger.Info("shutting down", "signal", sig.String())

	cancel()
	if err := scheduler.Stop(); err != nil {
		a.logger.Warn("scheduler shutdown", "error", err)
	}
	if err := watcher.Stop(); err != nil {
		a.logger.Warn("watcher shutdown", "error", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	return 0
}
