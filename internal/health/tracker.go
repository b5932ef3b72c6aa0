// Package health tracks consecutive dispatch failures per domain and opens a domain's
// circuit once its failures reach the threshold.
package health

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/msageha/taskvault/internal/model"
	yamlutil "github.com/msageha/taskvault/internal/yaml"
	yamlv3 "gopkg.in/yaml.v3"
)

// State of one domain's circuit.
type State string

const (
	StateHealthy State = "healthy"
	StateDown    State = "down"
)

// DownFunc is called once on each healthy → down edge.
type DownFunc func(domain model.Domain, failures int)

// Tracker is the per-domain circuit breaker. It is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	threshold int
	failures  map[model.Domain]int
	changed   map[model.Domain]time.Time
	onDown    DownFunc
	now       func() time.Time
	statePath string
}

type Option func(*Tracker)

// WithOnDown registers the callback that raises the "domain down" alert.
func WithOnDown(fn DownFunc) Option {
	return func(t *Tracker) { t.onDown = fn }
}

// WithPersistence keeps counters in a YAML file so they survive restarts.
// Without it a restart resets every domain to healthy.
func WithPersistence(path string) Option {
	return func(t *Tracker) { t.statePath = path }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(threshold int, opts ...Option) *Tracker {
	if threshold <= 0 {
		threshold = 3
	}
	t := &Tracker{
		threshold: threshold,
		failures:  make(map[model.Domain]int),
		changed:   make(map[model.Domain]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Threshold() int { return t.threshold }

// IsHealthy reports whether work for domain may be claimed. A task with no domain is
// always healthy.
func (t *Tracker) IsHealthy(domain model.Domain) bool {
	if domain == model.DomainNone {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[domain] < t.threshold
}

// Success resets domain to zero failures.
func (t *Tracker) Success(domain model.Domain) error {
	if domain == model.DomainNone {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures[domain] != 0 {
		t.changed[domain] = t.now()
	}
	t.failures[domain] = 0
	return t.saveLocked()
}

// Failure increments domain's counter. The callback fires only when the counter
// reaches the threshold exactly, so a domain that stays down does not re-alert.
func (t *Tracker) Failure(domain model.Domain) (int, error) {
	if domain == model.DomainNone {
		return 0, nil
	}
	t.mu.Lock()
	t.failures[domain]++
	n := t.failures[domain]
	t.changed[domain] = t.now()
	err := t.saveLocked()
	onDown := t.onDown
	t.mu.Unlock()

	if n == t.threshold && onDown != nil {
		onDown(domain, n)
	}
	return n, err
}

func (t *Tracker) Failures(domain model.Domain) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[domain]
}

// DomainStatus is one row of a Snapshot.
type DomainStatus struct {
	Domain   model.Domain `yaml:"domain" json:"domain"`
	State    State        `yaml:"state" json:"state"`
	Failures int          `yaml:"failures" json:"failures"`
	Changed  time.Time    `yaml:"changed,omitempty" json:"changed,omitempty"`
}

// Snapshot returns every tracked domain sorted by name.
func (t *Tracker) Snapshot() []DomainStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []DomainStatus {
	out := make([]DomainStatus, 0, len(t.failures))
	for d, n := range t.failures {
		state := StateHealthy
		if n >= t.threshold {
			state = StateDown
		}
		out = append(out, DomainStatus{Domain: d, State: state, Failures: n, Changed: t.changed[d]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

type stateFile struct {
	Threshold int            `yaml:"threshold"`
	Domains   []DomainStatus `yaml:"domains"`
}

func (t *Tracker) saveLocked() error {
	if t.statePath == "" {
		return nil
	}
	if err := yamlutil.AtomicWrite(t.statePath, stateFile{Threshold: t.threshold, Domains: t.snapshotLocked()}); err != nil {
		return fmt.Errorf("persist domain health: %w", err)
	}
	return nil
}

// Load restores counters from the persistence file. A missing file is not an error.
func (t *Tracker) Load() error {
	if t.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(t.statePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read domain health: %w", err)
	}
	var sf stateFile
	if err := yamlv3.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse domain health: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range sf.Domains {
		t.failures[d.Domain] = d.Failures
		t.changed[d.Domain] = d.Changed
	}
	return nil
}

// ReadSnapshot reads a persisted state file without a live tracker.
func ReadSnapshot(path string) ([]DomainStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf stateFile
	if err := yamlv3.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse domain health: %w", err)
	}
	return sf.Domains, nil
}
