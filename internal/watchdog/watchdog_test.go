package watchdog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/model"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []eventlog.Entry
}

func (m *memRecorder) Record(e eventlog.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memRecorder) byAction(action string) []eventlog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []eventlog.Entry
	for _, e := range m.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fakeLauncher struct {
	next     int
	err      error
	launched []string
}

func (f *fakeLauncher) Launch(_ context.Context, c model.ComponentConfig) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	f.launched = append(f.launched, c.Name)
	return 1000 + f.next, nil
}

type fakeAlerts struct {
	alerts []model.Alert
}

func (f *fakeAlerts) CreateAlert(_ context.Context, a model.Alert, _ string) (string, error) {
	f.alerts = append(f.alerts, a)
	return "ALERT_" + a.Title + ".md", nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	w        *Watchdog
	pidDir   string
	launcher *fakeLauncher
	alerts   *fakeAlerts
	rec      *memRecorder
	clock    *fakeClock
	live     map[int]bool
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		pidDir:   t.TempDir(),
		launcher: &fakeLauncher{},
		alerts:   &fakeAlerts{},
		rec:      &memRecorder{},
		clock:    &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		live:     map[int]bool{},
	}
	components := []model.ComponentConfig{
		{Name: model.ComponentInboxWatcher, Args: []string{"watch-inbox"}},
		{Name: model.ComponentOrchestrator, Args: []string{"orchestrator"}},
	}
	base := []Option{
		WithRecorder(f.rec),
		WithLogger(zap.NewNop()),
		WithClock(f.clock.now),
		WithLiveness(func(pid int) bool { return f.live[pid] }),
	}
	f.w = New(components, f.pidDir, f.launcher, f.alerts, append(base, opts...)...)
	return f
}

func (f *fixture) markAlive(t *testing.T, name string, pid int) {
	t.Helper()
	require.NoError(t, lock.WritePID(lock.PathFor(f.pidDir, name), pid))
	f.live[pid] = true
}

func TestCheckOnce_RestartsDeadComponents(t *testing.T) {
	f := newFixture(t)
	f.markAlive(t, model.ComponentOrchestrator, 42)

	restarted := f.w.CheckOnce(context.Background())

	assert.Equal(t, []string{model.ComponentInboxWatcher}, restarted)
	assert.Equal(t, []string{model.ComponentInboxWatcher}, f.launcher.launched)
	assert.Equal(t, 1001, lock.ReadPID(lock.PathFor(f.pidDir, model.ComponentInboxWatcher)))

	events := f.rec.byAction("process_restarted")
	require.Len(t, events, 1)
	assert.Equal(t, 1001, events[0].Details.(map[string]any)["new_pid"])
	assert.Empty(t, f.alerts.alerts)
}

func TestCheckOnce_StalePIDIsRestarted(t *testing.T) {
	f := newFixture(t)
	f.markAlive(t, model.ComponentOrchestrator, 42)
	require.NoError(t, lock.WritePID(lock.PathFor(f.pidDir, model.ComponentInboxWatcher), 77))

	restarted := f.w.CheckOnce(context.Background())
	assert.Equal(t, []string{model.ComponentInboxWatcher}, restarted)
}

func TestCheckOnce_RestartLoopIsRefused(t *testing.T) {
	f := newFixture(t)
	f.markAlive(t, model.ComponentOrchestrator, 42)

	// Each launched process dies immediately.
	for i := 0; i < 3; i++ {
		assert.Len(t, f.w.CheckOnce(context.Background()), 1)
		f.clock.advance(15 * time.Second)
	}

	assert.Empty(t, f.w.CheckOnce(context.Background()))
	assert.Len(t, f.launcher.launched, 3)
	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, "inbox_watcher restart loop", f.alerts.alerts[0].Title)
	assert.Equal(t, "watchdog/inbox_watcher", f.alerts.alerts[0].Component)
	assert.Len(t, f.rec.byAction("restart_loop_detected"), 1)

	// Still looping on the next poll: no second alert.
	f.clock.advance(15 * time.Second)
	assert.Empty(t, f.w.CheckOnce(context.Background()))
	assert.Len(t, f.alerts.alerts, 1)

	// Once the oldest restart leaves the window, the budget frees up again.
	f.clock.advance(300 * time.Second)
	assert.Len(t, f.w.CheckOnce(context.Background()), 1)
	assert.Len(t, f.launcher.launched, 4)
}

func TestCheckOnce_CustomRestartLimit(t *testing.T) {
	f := newFixture(t, WithRestartLimit(1, time.Minute))
	f.markAlive(t, model.ComponentOrchestrator, 42)

	assert.Len(t, f.w.CheckOnce(context.Background()), 1)
	assert.Empty(t, f.w.CheckOnce(context.Background()))
	f.clock.advance(time.Minute)
	assert.Len(t, f.w.CheckOnce(context.Background()), 1)
}

func TestCheckOnce_DryRunDoesNotLaunch(t *testing.T) {
	f := newFixture(t, WithDryRun(true))

	restarted := f.w.CheckOnce(context.Background())

	assert.Len(t, restarted, 2)
	assert.Empty(t, f.launcher.launched)
	events := f.rec.byAction("process_restart")
	require.Len(t, events, 2)
	assert.Equal(t, eventlog.ResultDryRun, events[0].Result)
	assert.Equal(t, 0, lock.ReadPID(lock.PathFor(f.pidDir, model.ComponentInboxWatcher)))
}

func TestCheckOnce_LaunchFailureRaisesAlert(t *testing.T) {
	f := newFixture(t)
	f.markAlive(t, model.ComponentOrchestrator, 42)
	f.launcher.err = errors.New("exec: no such file")

	assert.Empty(t, f.w.CheckOnce(context.Background()))

	events := f.rec.byAction("restart_failed")
	require.Len(t, events, 1)
	assert.Equal(t, "exec: no such file", events[0].Details.(map[string]any)["error"])
	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, "inbox_watcher restart failed", f.alerts.alerts[0].Title)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, WithPollInterval(time.Hour))
	f.markAlive(t, model.ComponentInboxWatcher, 41)
	f.markAlive(t, model.ComponentOrchestrator, 42)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.rec.byAction("watchdog_started")) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestExecLauncher_StartsCommand(t *testing.T) {
	logDir := t.TempDir()
	l := &ExecLauncher{LogDir: logDir, Logger: zap.NewNop()}

	pid, err := l.Launch(context.Background(), model.ComponentConfig{
		Name:    "echoer",
		Command: []string{"sh", "-c", "echo started"},
	})
	require.NoError(t, err)
	assert.Positive(t, pid)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(logDir, "echoer.out"))
		return err == nil && string(data) == "started\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecLauncher_SelfWithArgs(t *testing.T) {
	l := &ExecLauncher{Self: "/bin/true", ExtraArgs: []string{"--dry-run"}}
	pid, err := l.Launch(context.Background(), model.ComponentConfig{Name: "x", Args: []string{"orchestrator"}})
	require.NoError(t, err)
	assert.Positive(t, pid)

	_, err = (&ExecLauncher{}).Launch(context.Background(), model.ComponentConfig{Name: "y"})
	assert.Error(t, err)

	_, err = (&ExecLauncher{}).Launch(context.Background(), model.ComponentConfig{Name: "z", Command: []string{"/nonexistent/binary"}})
	assert.Error(t, err)
}
