package status

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/health"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/metrics"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/queue"
)

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newCollector(t *testing.T, live map[int]bool, opts ...Option) (*Collector, *queue.Vault, string) {
	t.Helper()
	v := queue.New(t.TempDir())
	require.NoError(t, v.Ensure())
	pidDir := t.TempDir()
	base := []Option{
		WithLiveness(func(pid int) bool { return live[pid] }),
		WithClock(func() time.Time { return fixedNow }),
	}
	c := NewCollector(v, pidDir, []string{model.ComponentOrchestrator, model.ComponentMailWatcher}, append(base, opts...)...)
	return c, v, pidDir
}

func countOf(r *Report, stage model.Stage) int {
	for _, q := range r.Queues {
		if q.Stage == stage {
			return q.Count
		}
	}
	return -1
}

func TestCollect_QueueDepths(t *testing.T) {
	c, v, _ := newCollector(t, nil)
	require.NoError(t, v.Create(model.StageNeedsAction, "TASK_20260301_090000_a.md", []byte("a")))
	require.NoError(t, v.Create(model.StageNeedsAction, "TASK_20260301_090001_b.md", []byte("b")))
	require.NoError(t, v.Create(model.StageQuarantine, "TASK_20260301_080000_c.md", []byte("c")))
	require.NoError(t, v.Create(model.StageMultiStep, "TASK_20260301_090000_a.json", []byte("{}")))

	r, err := c.Collect()
	require.NoError(t, err)
	assert.Equal(t, fixedNow, r.Generated)
	assert.Equal(t, 2, countOf(r, model.StageNeedsAction))
	assert.Equal(t, 1, countOf(r, model.StageQuarantine))
	assert.Equal(t, 1, countOf(r, model.StageMultiStep))
	assert.Equal(t, 0, countOf(r, model.StageDone))
	assert.Equal(t, -1, countOf(r, model.StageLogs))
}

func TestCollect_ComponentLiveness(t *testing.T) {
	c, _, pidDir := newCollector(t, map[int]bool{4242: true})
	require.NoError(t, lock.WritePID(lock.PathFor(pidDir, model.ComponentOrchestrator), 4242))
	require.NoError(t, lock.WritePID(lock.PathFor(pidDir, model.ComponentMailWatcher), 999))

	r, err := c.Collect()
	require.NoError(t, err)
	assert.Equal(t, []ComponentStatus{
		{Name: model.ComponentOrchestrator, Running: true, PID: 4242},
		{Name: model.ComponentMailWatcher, Running: false},
	}, r.Components)
	assert.False(t, r.Healthy())
}

func TestCollect_DomainsFromTracker(t *testing.T) {
	tracker := health.New(2)
	_, _ = tracker.Failure(model.DomainERP)
	_, _ = tracker.Failure(model.DomainERP)

	m := metrics.New()
	c, _, _ := newCollector(t, nil, WithDomains(TrackerDomains(tracker)), WithMetrics(m))

	r, err := c.Collect()
	require.NoError(t, err)
	require.Len(t, r.Domains, 1)
	assert.Equal(t, health.StateDown, r.Domains[0].State)
	assert.Equal(t, 2, r.Domains[0].Failures)
}

func TestFileDomains(t *testing.T) {
	missing := FileDomains(filepath.Join(t.TempDir(), "none.yaml"))
	ds, err := missing()
	require.NoError(t, err)
	assert.Empty(t, ds)

	path := filepath.Join(t.TempDir(), "domain_health.yaml")
	tracker := health.New(3, health.WithPersistence(path))
	_, err = tracker.Failure(model.DomainSocial)
	require.NoError(t, err)

	ds, err = FileDomains(path)()
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, model.DomainSocial, ds[0].Domain)

	require.NoError(t, os.WriteFile(path, []byte(":::"), 0644))
	_, err = FileDomains(path)()
	assert.Error(t, err)
}

func TestWrite_Text(t *testing.T) {
	r := &Report{
		Queues:     []QueueStatus{{Stage: model.StageNeedsAction, Count: 3}},
		Components: []ComponentStatus{{Name: "orchestrator", Running: true, PID: 10}, {Name: "watchdog"}},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r, false))
	out := buf.String()
	assert.Contains(t, out, "running (pid 10)")
	assert.Contains(t, out, "watchdog        stopped")
	assert.Contains(t, out, "Needs_Action")
	assert.Contains(t, out, "Domains: all healthy")

	r.Domains = []health.DomainStatus{{Domain: model.DomainERP, State: health.StateDown, Failures: 3}}
	buf.Reset()
	require.NoError(t, Write(&buf, r, false))
	assert.Contains(t, buf.String(), "failures=3")
}

func TestWrite_JSON(t *testing.T) {
	r := &Report{Generated: fixedNow, Queues: []QueueStatus{{Stage: model.StageDone, Count: 1}}}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r, true))

	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, r.Queues, decoded.Queues)
}

func TestServer_Routes(t *testing.T) {
	m := metrics.New()
	c, _, pidDir := newCollector(t, map[int]bool{1: true, 2: true}, WithMetrics(m))
	require.NoError(t, lock.WritePID(lock.PathFor(pidDir, model.ComponentOrchestrator), 1))
	require.NoError(t, lock.WritePID(lock.PathFor(pidDir, model.ComponentMailWatcher), 2))
	h := NewServer("127.0.0.1:0", c, m, zap.NewNop()).Handler()

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/status", http.StatusOK, `"stage":"Needs_Action"`},
		{"/metrics", http.StatusOK, `taskvault_component_up{component="orchestrator"} 1`},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
			if tt.want != "" {
				assert.True(t, strings.Contains(rec.Body.String(), tt.want), rec.Body.String())
			}
		})
	}
}

func TestServer_HealthDegraded(t *testing.T) {
	c, _, _ := newCollector(t, nil)
	h := NewServer("127.0.0.1:0", c, nil, zap.NewNop()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}
