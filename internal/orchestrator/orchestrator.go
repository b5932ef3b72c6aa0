// Package orchestrator drives tasks through the vault: it claims new work, asks the
// agent for a plan, creates approval requests, dispatches approved actions, and
// archives or quarantines the results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskvault/internal/adapter"
	"github.com/msageha/taskvault/internal/agent"
	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/health"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/quarantine"
	"github.com/msageha/taskvault/internal/queue"
	"github.com/msageha/taskvault/internal/retry"
)

const (
	source                 = model.ComponentOrchestrator
	defaultPollInterval    = 5 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	maxArchiveSuffix       = 99
)

// Orchestrator runs the task lifecycle for one vault. A single orchestrator processes
// one task at a time.
type Orchestrator struct {
	vault      *queue.Vault
	planner    *agent.Planner
	adapters   *adapter.Registry
	executor   *retry.Executor
	health     *health.Tracker
	quarantine *quarantine.Manager
	scheduler  *Scheduler
	recorder   eventlog.Recorder
	logger     *zap.Logger
	now        func() time.Time

	pollInterval    time.Duration
	shutdownTimeout time.Duration
}

type Option func(*Orchestrator)

func WithRecorder(r eventlog.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithExecutor sets the retry executor wrapping adapter calls.
func WithExecutor(e *retry.Executor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

// WithScheduler runs s alongside the loop.
func WithScheduler(s *Scheduler) Option {
	return func(o *Orchestrator) { o.scheduler = s }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithShutdownTimeout bounds how long an in-flight cycle may run after shutdown starts.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

func New(
	vault *queue.Vault,
	planner *agent.Planner,
	adapters *adapter.Registry,
	tracker *health.Tracker,
	qm *quarantine.Manager,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		vault:           vault,
		planner:         planner,
		adapters:        adapters,
		executor:        retry.New(retry.DefaultPolicy()),
		health:          tracker,
		quarantine:      qm,
		recorder:        eventlog.Discard,
		logger:          zap.NewNop(),
		now:             time.Now,
		pollInterval:    defaultPollInterval,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DomainDownAlert returns the health callback that raises the "domain down" alert.
func DomainDownAlert(qm *quarantine.Manager, logger *zap.Logger) health.DownFunc {
	return func(domain model.Domain, failures int) {
		alert := model.Alert{
			Title:       fmt.Sprintf("%s API Down", strings.ToUpper(string(domain))),
			Description: fmt.Sprintf("Domain '%s' has failed %d consecutive times. New %s tasks are held in Needs_Action until a dispatch succeeds.", domain, failures, domain),
			Component:   "orchestrator/" + string(domain),
			Remediation: fmt.Sprintf("Check %s API credentials and availability.", domain),
		}
		if _, err := qm.CreateAlert(context.Background(), alert, source); err != nil {
			logger.Error("domain_down_alert_failed", zap.String("domain", string(domain)), zap.Error(err))
		}
	}
}

// RunOnce performs one cycle: claim and process at most one task, then drain the
// Approved and Rejected stages.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	if err := o.claimAndProcess(ctx); err != nil {
		return err
	}
	if err := o.drainApproved(ctx); err != nil {
		return err
	}
	return o.drainRejected(ctx)
}

// Run reconciles the vault, then cycles on every poll tick and on every change in the
// stages it consumes until ctx is cancelled. A cycle in flight when ctx ends is given
// the shutdown timeout to finish.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.vault.CheckLayout(); err != nil {
		o.raiseSystemic(ctx, "Vault layout invalid", err.Error(), "orchestrator/vault", "Run `taskvault init` in the vault root.")
		return err
	}
	repairs := o.Reconcile(ctx)
	o.logger.Info("orchestrator_started", zap.Int("pid", os.Getpid()), zap.Int("repairs", len(repairs)))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	for _, stage := range []model.Stage{model.StageNeedsAction, model.StageApproved, model.StageRejected} {
		if err := watcher.Add(o.vault.Dir(stage)); err != nil {
			return fmt.Errorf("watch %s: %w", stage, err)
		}
	}

	// Work runs on its own context so a cycle is not cut off the moment ctx ends.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	wake := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.watchLoop(gctx, watcher, wake) })
	g.Go(func() error { return o.cycleLoop(gctx, workCtx, wake) })
	if o.scheduler != nil {
		g.Go(func() error { return o.scheduler.Run(gctx) })
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		t := time.NewTimer(o.shutdownTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			o.logger.Warn("shutdown_timeout", zap.Duration("timeout", o.shutdownTimeout))
			cancelWork()
		case <-done:
		}
	}()

	err = g.Wait()
	close(done)
	o.logger.Info("orchestrator_stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Write) {
				o.logger.Debug("fsnotify", zap.String("op", event.Op.String()), zap.String("file", event.Name))
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Error("fsnotify_error", zap.Error(err))
		}
	}
}

func (o *Orchestrator) cycleLoop(ctx, workCtx context.Context, wake <-chan struct{}) error {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		if err := o.RunOnce(workCtx); err != nil {
			if workCtx.Err() != nil {
				return nil
			}
			o.logger.Error("cycle_failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// raiseSystemic writes an alert for a failure that is not tied to one task.
func (o *Orchestrator) raiseSystemic(ctx context.Context, title, description, component, remediation string) {
	_, err := o.quarantine.CreateAlert(ctx, model.Alert{
		Title:       title,
		Description: description,
		Component:   component,
		Remediation: remediation,
	}, source)
	if err != nil {
		o.logger.Error("alert_failed", zap.String("title", title), zap.Error(err))
	}
}

// transition records a task state change. An invalid change is logged and otherwise
// ignored; the stage directories remain the source of truth.
func (o *Orchestrator) transition(task string, from, to model.TaskState) {
	if err := model.ValidateTaskTransition(from, to); err != nil {
		o.logger.Error("invalid_transition", zap.String("task", task), zap.Error(err))
		return
	}
	o.logger.Debug("task_transition", zap.String("task", task), zap.String("from", string(from)), zap.String("to", string(to)))
}

// archive moves name from stage into Done, suffixing the name if Done already holds one.
func (o *Orchestrator) archive(stage model.Stage, name string) (string, error) {
	for i := 1; i <= maxArchiveSuffix; i++ {
		dest := model.SuffixedName(name, i)
		err := o.vault.AdvanceAs(stage, name, model.StageDone, dest)
		if err == nil {
			return dest, nil
		}
		if !errors.Is(err, queue.ErrCollision) {
			return "", err
		}
	}
	return "", fmt.Errorf("archive %s: no free name after %d attempts", stage.Ref(name), maxArchiveSuffix)
}
