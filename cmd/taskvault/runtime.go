package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/config"
	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/notify"
	"github.com/msageha/taskvault/internal/quarantine"
	"github.com/msageha/taskvault/internal/queue"
)

// component is the shared runtime of one long-running process.
type component struct {
	name   string
	cfg    *model.Config
	dryRun bool
	vault  *queue.Vault
	logger *zap.Logger
	bus    *eventlog.Bus
	events *eventlog.Log
	qm     *quarantine.Manager

	pid     *lock.PIDFile
	closers []func()
}

// startComponent loads config, opens the component's log and the event log, and
// takes the component's pid record.
func startComponent(name string) (*component, error) {
	cfg, err := config.Load(vaultRoot)
	if err != nil {
		return nil, err
	}
	c := &component{
		name:   name,
		cfg:    cfg,
		dryRun: dryRunEnabled(cfg),
		vault:  queue.New(cfg.Vault.Root),
	}

	runtimeDir := config.RuntimeDir(cfg)
	logger, closeLog, err := logging.New(cfg.Logging, runtimeDir, name, true)
	if err != nil {
		return nil, err
	}
	c.logger = logger
	c.closers = append(c.closers, closeLog)

	c.pid = lock.NewPIDFile(lock.PathFor(runtimeDir, name))
	if err := c.pid.Acquire(); err != nil {
		c.Close()
		return nil, fmt.Errorf("%s already running? %w", name, err)
	}

	c.bus = eventlog.NewBus(256)
	c.events = eventlog.New(c.vault.Dir(model.StageLogs),
		eventlog.WithBus(c.bus),
		eventlog.WithErrorHandler(func(err error) {
			logger.Warn("event_log_write_failed", zap.Error(err))
		}),
	)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Alerts.DesktopNotify {
		notifier = notify.NewDesktop()
	}
	c.qm = quarantine.New(c.vault, c.events, quarantine.WithNotifier(notifier), quarantine.WithLogger(logger))
	return c, nil
}

// Close releases the pid record and flushes logs. It is safe to call more than once.
func (c *component) Close() {
	if c.bus != nil {
		c.bus.Close()
		c.bus = nil
	}
	if c.pid != nil {
		if err := c.pid.Release(); err != nil && c.logger != nil {
			c.logger.Warn("pid_release_failed", zap.Error(err))
		}
		c.pid = nil
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func dryRunEnabled(cfg *model.Config) bool {
	return dryRunFlag || cfg.Orchestrator.DryRun || strings.EqualFold(os.Getenv("DRY_RUN"), "true")
}

// signalContext is cancelled by the first SIGINT or SIGTERM. A second signal exits
// at once.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("signal_received", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
			return
		}
		sig := <-sigCh
		logger.Warn("second_signal_forcing_exit", zap.String("signal", sig.String()))
		os.Exit(1)
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
