package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/queue"
)

// Scheduler creates SCHEDULED tasks from the cron entries in config.
type Scheduler struct {
	vault    *queue.Vault
	cron     *cron.Cron
	jobs     []model.ScheduleConfig
	recorder eventlog.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler validates every cron expression up front.
func NewScheduler(vault *queue.Vault, jobs []model.ScheduleConfig, recorder eventlog.Recorder, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		vault:    vault,
		cron:     cron.New(cron.WithParser(cronParser)),
		jobs:     jobs,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
	for _, job := range jobs {
		if job.Name == "" {
			return nil, errors.New("schedule entry without a name")
		}
		job := job
		if _, err := s.cron.AddFunc(job.Cron, func() { s.fire(job) }); err != nil {
			return nil, fmt.Errorf("schedule %s: invalid cron %q: %w", job.Name, job.Cron, err)
		}
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx ends and running jobs have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler_started", zap.Int("jobs", len(s.jobs)))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) fire(job model.ScheduleConfig) {
	if _, err := s.CreateTask(job); err != nil {
		s.logger.Error("scheduled_task_failed", zap.String("job", job.Name), zap.Error(err))
	}
}

// CreateTask writes one SCHEDULED task for job into Needs_Action.
func (s *Scheduler) CreateTask(job model.ScheduleConfig) (string, error) {
	now := s.now()
	title := job.Title
	if title == "" {
		title = job.Name
	}
	content, err := model.RenderTask(model.TaskHeader{
		Type:    model.TaskTypeScheduled,
		Source:  "schedule/" + job.Name,
		Subject: title,
		Domain:  job.Domain,
		Created: now.Format(time.RFC3339),
	}, fmt.Sprintf("# %s\n\n%s\n", title, job.Body))
	if err != nil {
		return "", err
	}

	name := model.TaskFileName(model.PrefixScheduled, now, title)
	if err := s.vault.Create(model.StageNeedsAction, name, content); err != nil {
		if errors.Is(err, queue.ErrCollision) {
			// Fired twice within one second; the first task covers both.
			return name, nil
		}
		return "", err
	}
	s.recorder.Record(eventlog.Entry{
		Action:  "scheduled_task_created",
		Source:  model.ComponentScheduler,
		Result:  eventlog.ResultSuccess,
		TaskRef: model.StageNeedsAction.Ref(name),
		Details: map[string]any{"job": job.Name},
	})
	s.logger.Info("scheduled_task_created", zap.String("task", name), zap.String("job", job.Name))
	return name, nil
}
