package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskvault/internal/adapter"
	"github.com/msageha/taskvault/internal/agent"
	"github.com/msageha/taskvault/internal/config"
	"github.com/msageha/taskvault/internal/health"
	"github.com/msageha/taskvault/internal/metrics"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/orchestrator"
	"github.com/msageha/taskvault/internal/retry"
	"github.com/msageha/taskvault/internal/status"
)

var orchestratorOnce bool

func init() {
	orchestratorCmd.Flags().BoolVar(&orchestratorOnce, "once", false, "run a single cycle and exit")
}

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the orchestration loop",
	Long: `Claim tasks from Needs_Action, plan them with the agent, open approval requests,
and dispatch approved actions. With status.listen set, also serve /status, /healthz
and /metrics.`,
	Args: cobra.NoArgs,
	RunE: runOrchestrator,
}

func runOrchestrator(_ *cobra.Command, _ []string) error {
	c, err := startComponent(model.ComponentOrchestrator)
	if err != nil {
		return err
	}
	defer c.Close()
	cfg := c.cfg
	oc := cfg.Orchestrator

	m := metrics.New()
	unsubscribe := m.Subscribe(c.bus)
	defer unsubscribe()

	trackerOpts := []health.Option{health.WithOnDown(orchestrator.DomainDownAlert(c.qm, c.logger))}
	if cfg.Health.Persist {
		trackerOpts = append(trackerOpts, health.WithPersistence(config.HealthStatePath(cfg)))
	}
	tracker := health.New(cfg.Health.Threshold, trackerOpts...)
	if err := tracker.Load(); err != nil {
		c.logger.Warn("domain_health_load_failed", zap.Error(err))
	}

	policy := retry.PolicyFromConfig(cfg.Retry)
	agentExec := retry.New(policy,
		retry.WithRecorder(c.events, model.ComponentRetry),
		retry.WithAttemptTimeout(time.Duration(oc.AgentTimeoutSec)*time.Second))
	adapterTimeout := time.Duration(oc.AdapterTimeoutSec) * time.Second
	dispatchExec := retry.New(policy,
		retry.WithRecorder(c.events, model.ComponentRetry),
		retry.WithAttemptTimeout(adapterTimeout))

	a, err := agent.New(cfg.Agent, c.dryRun)
	if err != nil {
		return err
	}
	capabilities, err := agent.LoadCapabilities(config.CapabilitiesDir(cfg))
	if err != nil {
		c.logger.Warn("capabilities_load_failed", zap.Error(err))
	}
	planner := agent.NewPlanner(a,
		agent.WithExecutor(agentExec),
		agent.WithRecorder(c.events, model.ComponentOrchestrator),
		agent.WithLogger(c.logger),
		agent.WithMaxRounds(oc.MaxRounds),
		agent.WithCompletionMarker(cfg.Agent.CompletionMark),
		agent.WithCapabilities(capabilities),
		agent.WithFinalizedCheck(func(task string) bool {
			return c.vault.Exists(model.StageDone, task)
		}),
	)

	registry, err := adapter.FromConfig(cfg.Adapters, c.dryRun, adapterTimeout)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithRecorder(c.events),
		orchestrator.WithLogger(c.logger),
		orchestrator.WithExecutor(dispatchExec),
		orchestrator.WithPollInterval(time.Duration(oc.PollIntervalSec) * time.Second),
		orchestrator.WithShutdownTimeout(time.Duration(oc.ShutdownTimeoutSec) * time.Second),
	}
	if len(cfg.Schedules) > 0 && !orchestratorOnce {
		sched, err := orchestrator.NewScheduler(c.vault, cfg.Schedules, c.events, c.logger)
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithScheduler(sched))
	}
	o := orchestrator.New(c.vault, planner, registry, tracker, c.qm, opts...)

	c.logger.Info("orchestrator_config",
		zap.Bool("dry_run", c.dryRun),
		zap.String("agent", cfg.Agent.Backend),
		zap.Strings("adapters", registry.Names()))

	ctx, stop := signalContext(c.logger)
	defer stop()

	if orchestratorOnce {
		if err := c.vault.CheckLayout(); err != nil {
			return err
		}
		o.Reconcile(ctx)
		return o.RunOnce(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.Run(gctx) })
	if cfg.Status.Listen != "" {
		collector := status.NewCollector(c.vault, config.RuntimeDir(cfg), componentNames(cfg),
			status.WithDomains(status.TrackerDomains(tracker)),
			status.WithMetrics(m))
		srv := status.NewServer(cfg.Status.Listen, collector, m, c.logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	return g.Wait()
}

// componentNames lists every process the watchdog supervises plus the watchdog.
func componentNames(cfg *model.Config) []string {
	names := make([]string, 0, len(cfg.Watchdog.Components)+1)
	for _, comp := range cfg.Watchdog.Components {
		names = append(names, comp.Name)
	}
	return append(names, model.ComponentWatchdog)
}
