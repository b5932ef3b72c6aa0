// Package status reports the state of a vault: stage depths, component liveness, and
// domain health. It backs the status command and the optional HTTP status server.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/taskvault/internal/health"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/metrics"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/queue"
)

type Report struct {
	Generated  time.Time             `json:"generated"`
	Queues     []QueueStatus         `json:"queues"`
	Components []ComponentStatus     `json:"components"`
	Domains    []health.DomainStatus `json:"domains,omitempty"`
}

type QueueStatus struct {
	Stage model.Stage `json:"stage"`
	Count int         `json:"count"`
}

type ComponentStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

// DomainSource supplies domain health, from a live tracker or a persisted state file.
type DomainSource func() ([]health.DomainStatus, error)

// Collector builds reports. Concurrent Collect calls share one filesystem scan.
type Collector struct {
	vault      *queue.Vault
	pidDir     string
	components []string
	domains    DomainSource
	metrics    *metrics.Metrics
	alive      func(pid int) bool
	now        func() time.Time

	group singleflight.Group
}

type Option func(*Collector)

func WithDomains(src DomainSource) Option {
	return func(c *Collector) { c.domains = src }
}

// WithMetrics updates m's gauges on every collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

func WithLiveness(alive func(pid int) bool) Option {
	return func(c *Collector) { c.alive = alive }
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func NewCollector(vault *queue.Vault, pidDir string, components []string, opts ...Option) *Collector {
	c := &Collector{
		vault:      vault,
		pidDir:     pidDir,
		components: components,
		alive:      lock.Alive,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TrackerDomains reads domain health from a live tracker.
func TrackerDomains(t *health.Tracker) DomainSource {
	return func() ([]health.DomainStatus, error) { return t.Snapshot(), nil }
}

// FileDomains reads domain health persisted by another process. A missing file means
// every domain is healthy.
func FileDomains(path string) DomainSource {
	return func() ([]health.DomainStatus, error) {
		ds, err := health.ReadSnapshot(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return ds, nil
	}
}

func (c *Collector) Collect() (*Report, error) {
	v, err, _ := c.group.Do("report", func() (any, error) {
		return c.collect()
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (c *Collector) collect() (*Report, error) {
	r := &Report{Generated: c.now()}

	for _, stage := range model.AllStages() {
		if stage == model.StageLogs {
			continue
		}
		ext := ".md"
		if stage == model.StageMultiStep {
			ext = ".json"
		}
		names, err := c.vault.ListExt(stage, ext)
		n := len(names)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", stage, err)
		}
		r.Queues = append(r.Queues, QueueStatus{Stage: stage, Count: n})
		if c.metrics != nil {
			c.metrics.SetQueueDepth(string(stage), n)
		}
	}

	for _, name := range c.components {
		pid := lock.ReadPID(lock.PathFor(c.pidDir, name))
		cs := ComponentStatus{Name: name, Running: c.alive(pid)}
		if cs.Running {
			cs.PID = pid
		}
		r.Components = append(r.Components, cs)
		if c.metrics != nil {
			c.metrics.SetComponent(name, cs.Running)
		}
	}

	if c.domains != nil {
		ds, err := c.domains()
		if err != nil {
			return nil, fmt.Errorf("read domain health: %w", err)
		}
		r.Domains = ds
		if c.metrics != nil {
			for _, d := range ds {
				c.metrics.SetDomain(d)
			}
		}
	}
	return r, nil
}

// Healthy reports whether every component is running and no domain is down.
func (r *Report) Healthy() bool {
	for _, c := range r.Components {
		if !c.Running {
			return false
		}
	}
	for _, d := range r.Domains {
		if d.State == health.StateDown {
			return false
		}
	}
	return true
}

// Write prints r as indented JSON or as a text table.
func Write(w io.Writer, r *Report, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	var sb strings.Builder
	sb.WriteString("Components:\n")
	for _, c := range r.Components {
		if c.Running {
			fmt.Fprintf(&sb, "  %-14s  running (pid %d)\n", c.Name, c.PID)
		} else {
			fmt.Fprintf(&sb, "  %-14s  stopped\n", c.Name)
		}
	}

	sb.WriteString("\nQueues:\n")
	fmt.Fprintf(&sb, "  %-17s  %5s\n", "STAGE", "COUNT")
	for _, q := range r.Queues {
		fmt.Fprintf(&sb, "  %-17s  %5d\n", q.Stage, q.Count)
	}

	if len(r.Domains) > 0 {
		sb.WriteString("\nDomains:\n")
		for _, d := range r.Domains {
			fmt.Fprintf(&sb, "  %-8s  %-7s  failures=%d\n", d.Domain, d.State, d.Failures)
		}
	} else {
		sb.WriteString("\nDomains: all healthy\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
