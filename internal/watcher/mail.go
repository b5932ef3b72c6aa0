package watcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/adapter"
	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/queue"
	"github.com/msageha/taskvault/internal/retry"
)

const (
	actionFetchUnread  = "fetch_unread"
	actionMarkRead     = "mark_read"
	defaultMailPoll    = 120 * time.Second
	defaultMaxMessages = 10
)

// Message is one unread message returned by the mail adapter's fetch_unread action.
type Message struct {
	ID      string
	From    string
	Subject string
	Body    string
}

// Mail polls the mail adapter and writes an EMAIL task per unread message.
type Mail struct {
	adapter  adapter.Adapter
	vault    *queue.Vault
	executor *retry.Executor
	recorder eventlog.Recorder
	logger   *zap.Logger
	now      func() time.Time

	interval    time.Duration
	maxMessages int
	dryRun      bool

	seen map[string]bool
}

type MailOption func(*Mail)

func WithMailRecorder(r eventlog.Recorder) MailOption {
	return func(m *Mail) { m.recorder = r }
}

func WithMailLogger(l *zap.Logger) MailOption {
	return func(m *Mail) { m.logger = l }
}

func WithMailClock(now func() time.Time) MailOption {
	return func(m *Mail) { m.now = now }
}

func WithMailExecutor(e *retry.Executor) MailOption {
	return func(m *Mail) { m.executor = e }
}

func WithPollInterval(d time.Duration) MailOption {
	return func(m *Mail) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithMaxMessages(n int) MailOption {
	return func(m *Mail) {
		if n > 0 {
			m.maxMessages = n
		}
	}
}

// WithMailDryRun creates tasks without marking messages read.
func WithMailDryRun(dryRun bool) MailOption {
	return func(m *Mail) { m.dryRun = dryRun }
}

func NewMail(a adapter.Adapter, vault *queue.Vault, opts ...MailOption) *Mail {
	m := &Mail{
		adapter:     a,
		vault:       vault,
		recorder:    eventlog.Discard,
		logger:      zap.NewNop(),
		now:         time.Now,
		interval:    defaultMailPoll,
		maxMessages: defaultMaxMessages,
		seen:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.executor == nil {
		m.executor = retry.New(retry.DefaultPolicy(), retry.WithRecorder(m.recorder, model.ComponentMailWatcher))
	}
	return m
}

// Run polls until ctx is cancelled.
func (m *Mail) Run(ctx context.Context) error {
	result := eventlog.ResultSuccess
	if m.dryRun {
		result = eventlog.ResultDryRun
	}
	m.recorder.Record(eventlog.Entry{
		Action:  "watcher_started",
		Source:  model.ComponentMailWatcher,
		Result:  result,
		Details: map[string]any{"interval_sec": int(m.interval / time.Second)},
	})
	m.logger.Info("mail_watcher_started", zap.Duration("interval", m.interval), zap.Bool("dry_run", m.dryRun))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if _, err := m.PollOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("mail_poll_failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.logger.Info("mail_watcher_stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce fetches unread messages and creates a task for each one not seen before.
// It returns the names of the created tasks.
func (m *Mail) PollOnce(ctx context.Context) ([]string, error) {
	res, err := retry.Do(ctx, m.executor, "", func(ctx context.Context) (*adapter.Result, error) {
		return m.adapter.Call(ctx, actionFetchUnread, map[string]any{"max_results": m.maxMessages})
	})
	if err != nil {
		m.recorder.Record(eventlog.Entry{
			Action:  "error",
			Source:  model.ComponentMailWatcher,
			Result:  eventlog.ResultFailure,
			Details: map[string]any{"error": err.Error()},
		})
		return nil, fmt.Errorf("fetch unread: %w", err)
	}

	var created []string
	for _, msg := range decodeMessages(res.Raw) {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		if msg.ID == "" || m.seen[msg.ID] {
			continue
		}
		m.seen[msg.ID] = true
		name, err := m.createTask(ctx, msg)
		if err != nil {
			m.recorder.Record(eventlog.Entry{
				Action:  "error",
				Source:  model.ComponentMailWatcher,
				Result:  eventlog.ResultFailure,
				Details: map[string]any{"message_id": msg.ID, "error": err.Error()},
			})
			m.logger.Error("mail_task_failed", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		created = append(created, name)
	}
	return created, nil
}

func (m *Mail) createTask(ctx context.Context, msg Message) (string, error) {
	now := m.now()
	content, err := model.RenderTask(model.TaskHeader{
		Type:     model.TaskTypeEmailInbound,
		Source:   "mail:" + msg.ID,
		Subject:  msg.Subject,
		From:     msg.From,
		Domain:   string(model.DomainEmail),
		Priority: "normal",
		Created:  now.Format(time.RFC3339),
	}, strings.TrimSpace(msg.Body)+"\n")
	if err != nil {
		return "", err
	}
	name, err := createUnique(m.vault, model.TaskFileName(model.PrefixEmail, now, msg.Subject), content)
	if err != nil {
		return "", err
	}
	ref := model.StageNeedsAction.Ref(name)

	result := eventlog.ResultDryRun
	if !m.dryRun {
		result = eventlog.ResultSuccess
		_, err := retry.Do(ctx, m.executor, ref, func(ctx context.Context) (*adapter.Result, error) {
			return m.adapter.Call(ctx, actionMarkRead, map[string]any{"id": msg.ID})
		})
		if err != nil {
			// The task exists and the id is remembered, so this run will not
			// duplicate it; a restart before the message is read again might.
			m.logger.Warn("mark_read_failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	m.recorder.Record(eventlog.Entry{
		Action:  "email_detected",
		Source:  model.ComponentMailWatcher,
		Result:  result,
		TaskRef: ref,
		Details: map[string]any{"subject": msg.Subject, "from": msg.From},
	})
	m.logger.Info("task_created", zap.String("task", name), zap.String("message_id", msg.ID))
	return name, nil
}

// decodeMessages reads the "messages" list of a fetch_unread result. Missing fields
// fall back to the same placeholders a mail client would show.
func decodeMessages(raw map[string]any) []Message {
	list, _ := raw["messages"].([]any)
	out := make([]Message, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg := Message{
			ID:      stringField(obj, "id"),
			From:    stringField(obj, "from"),
			Subject: stringField(obj, "subject"),
			Body:    stringField(obj, "body"),
		}
		if msg.From == "" {
			msg.From = "(unknown)"
		}
		if msg.Subject == "" {
			msg.Subject = "(no subject)"
		}
		out = append(out, msg)
	}
	return out
}

func stringField(obj map[string]any, key string) string {
	v, ok := obj[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
