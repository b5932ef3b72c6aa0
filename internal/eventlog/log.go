// Package eventlog records the vault's durable event trail: one JSON line per state
// transition or failure, partitioned by day under Logs/.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result codes.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDryRun  = "dry_run"
	ResultSkipped = "skipped"
)

const (
	dayLayout       = "2006-01-02"
	fileExtension   = ".json"
	maxDetailString = 500
)

// Entry is one event record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id"`
	Action    string    `json:"action"`
	Source    string    `json:"source"`
	Result    string    `json:"result"`
	TaskRef   string    `json:"task_ref,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// Recorder accepts events. Implementations must not block or fail the caller.
type Recorder interface {
	Record(Entry)
}

// Discard drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Entry) {}

// Log appends entries to <dir>/YYYY-MM-DD.json. Writes are best-effort: a failed
// append is reported to the error handler and otherwise ignored.
type Log struct {
	mu      sync.Mutex
	dir     string
	now     func() time.Time
	bus     *Bus
	onError func(error)
}

type Option func(*Log)

// WithBus publishes every recorded entry on b after it is written.
func WithBus(b *Bus) Option {
	return func(l *Log) { l.bus = b }
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithErrorHandler receives append failures.
func WithErrorHandler(fn func(error)) Option {
	return func(l *Log) { l.onError = fn }
}

func New(dir string, opts ...Option) *Log {
	l := &Log{
		dir:     dir,
		now:     time.Now,
		onError: func(error) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Emit records an event built from its parts.
func (l *Log) Emit(action, source, result, taskRef string, details any) {
	l.Record(Entry{
		Action:  action,
		Source:  source,
		Result:  result,
		TaskRef: taskRef,
		Details: details,
	})
}

// Record stamps e with a timestamp and event id and appends it to today's file.
func (l *Log) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if s, ok := e.Details.(string); ok && len(s) > maxDetailString {
		e.Details = s[:maxDetailString]
	}

	if err := l.append(e); err != nil {
		l.onError(err)
	}
	if l.bus != nil {
		l.bus.Publish(e)
	}
}

func (l *Log) append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Action, err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	// Each component is its own process, so the file is reopened per append and
	// relies on O_APPEND for whole-line writes.
	f, err := os.OpenFile(l.PathFor(e.Timestamp), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append event: %w", err)
	}
	return f.Close()
}

// PathFor returns the day file holding events at t.
func (l *Log) PathFor(t time.Time) string {
	return filepath.Join(l.dir, t.Format(dayLayout)+fileExtension)
}

// ReadFile parses a day file. Malformed lines are skipped.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
