// Package quarantine takes unrecoverable tasks out of the pipeline and raises
// operator alerts.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/notify"
	"github.com/msageha/taskvault/internal/queue"
	yamlutil "github.com/msageha/taskvault/internal/yaml"
)

const (
	maxMarkerError = 300
	maxEventError  = 200
	maxNameRetries = 99
)

// Manager quarantines tasks and writes alerts into the vault.
type Manager struct {
	vault    *queue.Vault
	recorder eventlog.Recorder
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Manager)

// WithNotifier sends a desktop notification for every alert.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(vault *queue.Vault, recorder eventlog.Recorder, opts ...Option) *Manager {
	m := &Manager{
		vault:    vault,
		recorder: recorder,
		notifier: notify.Nop{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// QuarantineTask annotates the artifact at stage/name with the failure and moves it to
// Quarantine. If the artifact is gone the move is skipped but the event is still
// recorded. It returns the name the artifact has in Quarantine.
func (m *Manager) QuarantineTask(stage model.Stage, name string, cause error, source string) (string, error) {
	now := m.now()
	ts := now.Format(time.RFC3339)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	details := map[string]any{"error": truncate(msg, maxEventError), "quarantined_at": ts}

	content, err := m.vault.Read(stage, name)
	if errors.Is(err, queue.ErrNotFound) {
		details["moved"] = false
		m.recorder.Record(eventlog.Entry{
			Action:  "task_quarantined",
			Source:  source,
			Result:  eventlog.ResultFailure,
			TaskRef: model.StageQuarantine.Ref(name),
			Details: details,
		})
		m.logger.Warn("quarantine_target_missing", zap.String("task", stage.Ref(name)))
		return name, nil
	}
	if err != nil {
		return "", err
	}

	annotated := annotate(content, ts, msg)
	if err := m.vault.Write(stage, name, annotated); err != nil {
		return "", fmt.Errorf("annotate %s: %w", stage.Ref(name), err)
	}

	dest := name
	if stage != model.StageQuarantine {
		dest, err = m.moveUnique(stage, name)
		if err != nil {
			return "", err
		}
	}

	m.recorder.Record(eventlog.Entry{
		Action:  "task_quarantined",
		Source:  source,
		Result:  eventlog.ResultFailure,
		TaskRef: model.StageQuarantine.Ref(dest),
		Details: details,
	})
	m.logger.Warn("task_quarantined", zap.String("task", dest), zap.String("from", string(stage)), zap.String("error", truncate(msg, maxEventError)))
	return dest, nil
}

// moveUnique moves the artifact into Quarantine, suffixing the name when an earlier
// quarantined artifact already holds it.
func (m *Manager) moveUnique(stage model.Stage, name string) (string, error) {
	for i := 1; i <= maxNameRetries; i++ {
		dest := model.SuffixedName(name, i)
		err := m.vault.AdvanceAs(stage, name, model.StageQuarantine, dest)
		if err == nil {
			return dest, nil
		}
		if !errors.Is(err, queue.ErrCollision) {
			return "", err
		}
	}
	return "", fmt.Errorf("quarantine %s: no free name after %d attempts", name, maxNameRetries)
}

// annotate sets the header status and appends the quarantine markers.
func annotate(content []byte, ts, msg string) []byte {
	if out, ok := yamlutil.SetField(content, "status", model.TaskStatusQuarantined); ok {
		content, _ = yamlutil.SetField(out, "quarantined", ts)
	}
	var b strings.Builder
	b.Write(content)
	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\n<!-- QUARANTINED: %s -->\n", ts)
	fmt.Fprintf(&b, "<!-- ERROR: %s -->\n", sanitizeComment(truncate(msg, maxMarkerError)))
	return []byte(b.String())
}

// CreateAlert writes a new alert artifact and returns its name. Alerts never replace
// one another; a same-second collision gets a numeric suffix.
func (m *Manager) CreateAlert(ctx context.Context, alert model.Alert, source string) (string, error) {
	if alert.Created.IsZero() {
		alert.Created = m.now()
	}
	content, err := alert.Render()
	if err != nil {
		return "", fmt.Errorf("render alert: %w", err)
	}

	base := model.AlertFileName(alert.Created, alert.Title)
	var name string
	for i := 1; i <= maxNameRetries; i++ {
		candidate := model.SuffixedName(base, i)
		err = m.vault.Create(model.StageAlerts, candidate, content)
		if err == nil {
			name = candidate
			break
		}
		if !errors.Is(err, queue.ErrCollision) {
			return "", fmt.Errorf("write alert: %w", err)
		}
	}
	if name == "" {
		return "", fmt.Errorf("write alert %s: no free name after %d attempts", base, maxNameRetries)
	}

	m.recorder.Record(eventlog.Entry{
		Action:  "alert_created",
		Source:  source,
		Result:  eventlog.ResultSuccess,
		TaskRef: model.StageAlerts.Ref(name),
		Details: map[string]any{"title": alert.Title, "component": alert.Component},
	})
	m.logger.Error("alert_created", zap.String("alert", name), zap.String("title", alert.Title), zap.String("component", alert.Component))

	if err := m.notifier.Send(ctx, "taskvault: "+alert.Title, alert.Description); err != nil {
		m.logger.Debug("alert_notify_failed", zap.Error(err))
	}
	return name, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// sanitizeComment keeps an error message from closing the HTML comment early.
func sanitizeComment(s string) string {
	s = strings.ReplaceAll(s, "-->", "--&gt;")
	return strings.ReplaceAll(s, "\n", " ")
}
