// Package watchdog supervises the long-running taskvault components through their pid
// records, restarting dead ones within a sliding-window restart budget.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/model"
)

const (
	source              = model.ComponentWatchdog
	defaultPollInterval = 15 * time.Second
	defaultMaxRestarts  = 3
	defaultWindow       = 300 * time.Second
)

// Launcher starts a component as a detached process and returns its pid.
type Launcher interface {
	Launch(ctx context.Context, c model.ComponentConfig) (int, error)
}

// AlertRaiser writes operator alerts. *quarantine.Manager implements it.
type AlertRaiser interface {
	CreateAlert(ctx context.Context, alert model.Alert, source string) (string, error)
}

// Watchdog checks each component every poll interval.
type Watchdog struct {
	components []model.ComponentConfig
	pidDir     string
	launcher   Launcher
	alerts     AlertRaiser
	recorder   eventlog.Recorder
	logger     *zap.Logger
	now        func() time.Time
	alive      func(pid int) bool

	pollInterval time.Duration
	maxRestarts  int
	window       time.Duration
	dryRun       bool

	history map[string][]time.Time
	looping map[string]bool
}

type Option func(*Watchdog)

func WithRecorder(r eventlog.Recorder) Option {
	return func(w *Watchdog) { w.recorder = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// WithLiveness replaces the process liveness check.
func WithLiveness(alive func(pid int) bool) Option {
	return func(w *Watchdog) { w.alive = alive }
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithRestartLimit allows at most max restarts per component within window.
func WithRestartLimit(max int, window time.Duration) Option {
	return func(w *Watchdog) {
		if max > 0 {
			w.maxRestarts = max
		}
		if window > 0 {
			w.window = window
		}
	}
}

// WithDryRun logs intended restarts instead of launching anything.
func WithDryRun(dryRun bool) Option {
	return func(w *Watchdog) { w.dryRun = dryRun }
}

func New(components []model.ComponentConfig, pidDir string, launcher Launcher, alerts AlertRaiser, opts ...Option) *Watchdog {
	w := &Watchdog{
		components:   components,
		pidDir:       pidDir,
		launcher:     launcher,
		alerts:       alerts,
		recorder:     eventlog.Discard,
		logger:       zap.NewNop(),
		now:          time.Now,
		alive:        lock.Alive,
		pollInterval: defaultPollInterval,
		maxRestarts:  defaultMaxRestarts,
		window:       defaultWindow,
		history:      make(map[string][]time.Time),
		looping:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run checks all components immediately and then on every tick until ctx ends.
func (w *Watchdog) Run(ctx context.Context) error {
	mode := "live"
	if w.dryRun {
		mode = "dry_run"
	}
	w.recorder.Record(eventlog.Entry{
		Action:  "watchdog_started",
		Source:  source,
		Result:  eventlog.ResultSuccess,
		Details: map[string]any{"mode": mode, "process_count": len(w.components)},
	})
	w.logger.Info("watchdog_started", zap.String("mode", mode), zap.Int("components", len(w.components)))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		w.CheckOnce(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog_stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// CheckOnce inspects every component once and restarts the dead ones. It returns the
// names of the components it restarted.
func (w *Watchdog) CheckOnce(ctx context.Context) []string {
	var restarted []string
	for _, c := range w.components {
		if ctx.Err() != nil {
			return restarted
		}
		pid := lock.ReadPID(lock.PathFor(w.pidDir, c.Name))
		if w.alive(pid) {
			continue
		}
		w.logger.Warn("process_down", zap.String("process", c.Name), zap.Int("pid", pid))
		if w.restart(ctx, c) {
			restarted = append(restarted, c.Name)
		}
	}
	return restarted
}

func (w *Watchdog) restart(ctx context.Context, c model.ComponentConfig) bool {
	now := w.now()
	if !w.allow(c.Name, now) {
		w.restartLoop(ctx, c.Name)
		return false
	}
	w.looping[c.Name] = false

	if w.dryRun {
		w.recorder.Record(eventlog.Entry{
			Action:  "process_restart",
			Source:  source,
			Result:  eventlog.ResultDryRun,
			Details: map[string]any{"process": c.Name},
		})
		w.logger.Info("process_restart", zap.String("process", c.Name), zap.Bool("dry_run", true))
		return true
	}

	pid, err := w.launcher.Launch(ctx, c)
	if err == nil {
		err = lock.WritePID(lock.PathFor(w.pidDir, c.Name), pid)
	}
	if err != nil {
		w.restartFailed(ctx, c.Name, err)
		return false
	}

	w.history[c.Name] = append(w.history[c.Name], now)
	w.recorder.Record(eventlog.Entry{
		Action:  "process_restarted",
		Source:  source,
		Result:  eventlog.ResultSuccess,
		Details: map[string]any{"process": c.Name, "new_pid": pid},
	})
	w.logger.Info("process_restarted", zap.String("process", c.Name), zap.Int("pid", pid))
	return true
}

// allow drops history entries older than the window and reports whether another
// restart fits.
func (w *Watchdog) allow(name string, now time.Time) bool {
	kept := w.history[name][:0]
	for _, t := range w.history[name] {
		if now.Sub(t) < w.window {
			kept = append(kept, t)
		}
	}
	w.history[name] = kept
	return len(kept) < w.maxRestarts
}

// restartLoop raises one alert per loop episode; the episode ends once a restart is
// allowed again.
func (w *Watchdog) restartLoop(ctx context.Context, name string) {
	w.logger.Error("restart_loop_detected", zap.String("process", name), zap.Int("max_restarts", w.maxRestarts))
	if w.looping[name] {
		return
	}
	w.looping[name] = true
	w.recorder.Record(eventlog.Entry{
		Action:  "restart_loop_detected",
		Source:  source,
		Result:  eventlog.ResultFailure,
		Details: map[string]any{"process": name, "max_restarts": w.maxRestarts},
	})
	w.raise(ctx, model.Alert{
		Title:       name + " restart loop",
		Description: fmt.Sprintf("%s exceeded %d restarts in %s", name, w.maxRestarts, w.window),
		Component:   "watchdog/" + name,
		Remediation: fmt.Sprintf("Check %s logs for persistent crash cause. Manual intervention required.", name),
	})
}

func (w *Watchdog) restartFailed(ctx context.Context, name string, err error) {
	w.logger.Error("restart_failed", zap.String("process", name), zap.Error(err))
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	w.recorder.Record(eventlog.Entry{
		Action:  "restart_failed",
		Source:  source,
		Result:  eventlog.ResultFailure,
		Details: map[string]any{"process": name, "error": msg},
	})
	w.raise(ctx, model.Alert{
		Title:       name + " restart failed",
		Description: fmt.Sprintf("Could not restart %s: %v", name, err),
		Component:   "watchdog/" + name,
		Remediation: fmt.Sprintf("Check that the %s command exists and is executable.", name),
	})
}

func (w *Watchdog) raise(ctx context.Context, alert model.Alert) {
	if w.alerts == nil {
		return
	}
	if _, err := w.alerts.CreateAlert(ctx, alert, source); err != nil {
		w.logger.Error("alert_failed", zap.String("title", alert.Title), zap.Error(err))
	}
}
