package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/adapter"
	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/queue"
	"github.com/msageha/taskvault/internal/retry"
	yamlutil "github.com/msageha/taskvault/internal/yaml"
)

const maxErrorDetail = 200

// drainApproved dispatches every approved action and archives its approval.
func (o *Orchestrator) drainApproved(ctx context.Context) error {
	names, err := o.vault.List(model.StageApproved)
	if err != nil {
		return fmt.Errorf("list approved: %w", err)
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.handleApproved(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) handleApproved(ctx context.Context, name string) error {
	content, err := o.vault.Read(model.StageApproved, name)
	if errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	appr, err := parseApproval(name, content)
	if err != nil {
		o.rejectMalformed(ctx, name, err)
		return nil
	}

	dispatched, err := o.dispatch(ctx, appr)
	if err != nil {
		// Interrupted. The approval stays in Approved and is dispatched on the next run.
		return err
	}
	if _, err := o.archive(model.StageApproved, name); err != nil {
		return fmt.Errorf("archive approval: %w", err)
	}
	return o.consume(appr, dispatched)
}

func parseApproval(name string, content []byte) (*model.Approval, error) {
	if err := yamlutil.ValidateArtifactHeaderFromBytes(content, "approval"); err != nil {
		return nil, fmt.Errorf("approval %s: %w", name, err)
	}
	return model.ParseApproval(name, content)
}

// rejectMalformed quarantines an approval that cannot be dispatched at all.
func (o *Orchestrator) rejectMalformed(ctx context.Context, name string, cause error) {
	o.recorder.Record(eventlog.Entry{
		Action:  "dispatch_failed",
		Source:  source,
		Result:  eventlog.ResultFailure,
		TaskRef: model.StageApproved.Ref(name),
		Details: map[string]any{"error": truncate(cause.Error(), maxErrorDetail)},
	})
	o.raiseSystemic(ctx, "Malformed approval",
		fmt.Sprintf("Approval %s could not be read: %v", name, cause),
		"orchestrator/approvals",
		"Inspect the quarantined approval and recreate it from its plan.")
	if _, err := o.quarantine.QuarantineTask(model.StageApproved, name, cause, source); err != nil {
		o.logger.Error("quarantine_failed", zap.String("approval", name), zap.Error(err))
	}
}

// dispatch carries out one approved action. It reports whether an adapter accepted the
// action. Failures are absorbed here; only an interruption by ctx is returned.
func (o *Orchestrator) dispatch(ctx context.Context, appr *model.Approval) (bool, error) {
	action := appr.Request.ActionType
	ref := model.StageApproved.Ref(appr.Name)
	domain := appr.Request.Domain
	if _, ok := model.ParseDomain(string(domain)); !ok {
		domain = action.Domain()
	}

	switch {
	case action == model.ActionPostLinkedIn:
		o.recorder.Record(eventlog.Entry{
			Action:  "post_linkedin_approved",
			Source:  source,
			Result:  eventlog.ResultSuccess,
			TaskRef: ref,
			Details: "Ready for manual posting",
		})
		o.logger.Info("manual_action_approved", zap.String("approval", appr.Name), zap.String("action_type", string(action)))
		return true, nil
	case !action.Known():
		o.recorder.Record(eventlog.Entry{
			Action:  "unknown_action",
			Source:  source,
			Result:  eventlog.ResultFailure,
			TaskRef: ref,
			Details: map[string]any{"action_type": string(action)},
		})
		o.logger.Warn("unknown_action", zap.String("approval", appr.Name), zap.String("action_type", string(action)))
		return false, nil
	}

	c := buildCall(action, string(appr.Content))
	a, err := o.adapters.ForAction(action)
	if err != nil {
		o.dispatchFailed(ctx, appr, domain, err)
		return false, nil
	}
	res, err := retry.Do(ctx, o.executor, ref, func(ctx context.Context) (*adapter.Result, error) {
		return a.Call(ctx, c.action, c.params)
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		o.dispatchFailed(ctx, appr, domain, err)
		return false, nil
	}

	if err := o.health.Success(domain); err != nil {
		o.logger.Warn("health_save_failed", zap.Error(err))
	}
	result := eventlog.ResultSuccess
	if res.Status == "dry_run" {
		result = eventlog.ResultDryRun
	}
	details := c.details(res)
	details["status"] = res.Status
	o.recorder.Record(eventlog.Entry{
		Action:  c.event,
		Source:  source,
		Result:  result,
		TaskRef: ref,
		Details: details,
	})
	o.logger.Info("action_dispatched", zap.String("approval", appr.Name), zap.String("action_type", string(action)), zap.String("status", res.Status))
	o.transition(appr.Name, model.StateApproved, model.StateDispatched)
	return true, nil
}

// dispatchFailed counts the failure against the domain, quarantines the originating
// task if it is still in progress, and raises an alert.
func (o *Orchestrator) dispatchFailed(ctx context.Context, appr *model.Approval, domain model.Domain, cause error) {
	action := appr.Request.ActionType
	failures, err := o.health.Failure(domain)
	if err != nil {
		o.logger.Warn("health_save_failed", zap.Error(err))
	}

	if stage, taskName, err := queue.Resolve(appr.Request.TaskRef); err == nil && stage == model.StageInProgress && o.vault.Exists(stage, taskName) {
		if _, err := o.quarantine.QuarantineTask(stage, taskName, cause, source); err != nil {
			o.logger.Error("quarantine_failed", zap.String("task", taskName), zap.Error(err))
		} else {
			o.transition(taskName, model.StateApproved, model.StateQuarantined)
		}
	}

	o.raiseSystemic(ctx,
		fmt.Sprintf("%s dispatch failed", action),
		fmt.Sprintf("Failed to dispatch %s for %s: %v", action, appr.Name, cause),
		fmt.Sprintf("orchestrator/%s", action),
		fmt.Sprintf("Check %s API credentials and connectivity.", domain))

	details := map[string]any{
		"error":           truncate(cause.Error(), maxErrorDetail),
		"action_type":     string(action),
		"domain":          string(domain),
		"domain_failures": failures,
	}
	if errors.Is(cause, retry.ErrExhausted) {
		details["exhausted"] = true
	}
	o.recorder.Record(eventlog.Entry{
		Action:  "dispatch_failed",
		Source:  source,
		Result:  eventlog.ResultFailure,
		TaskRef: model.StageApproved.Ref(appr.Name),
		Details: details,
	})
	o.logger.Error("dispatch_failed", zap.String("approval", appr.Name), zap.String("domain", string(domain)), zap.Int("domain_failures", failures), zap.Error(cause))
}

// drainRejected archives every rejected approval without dispatching it.
func (o *Orchestrator) drainRejected(ctx context.Context) error {
	names, err := o.vault.List(model.StageRejected)
	if err != nil {
		return fmt.Errorf("list rejected: %w", err)
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		content, err := o.vault.Read(model.StageRejected, name)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		appr, err := model.ParseApproval(name, content)
		if err != nil {
			o.logger.Warn("rejected_unreadable", zap.String("approval", name), zap.Error(err))
			appr = &model.Approval{Name: name, Content: content}
		}
		action := appr.Request.ActionType
		ref := model.StageRejected.Ref(name)

		if action.Domain() == model.DomainERP {
			o.recorder.Record(eventlog.Entry{
				Action:  "odoo_rejection",
				Source:  source,
				Result:  eventlog.ResultSuccess,
				TaskRef: ref,
				Details: "Odoo draft (local copy in Odoo_Drafts) should be cancelled manually or through the odoo adapter's cancel_invoice action",
			})
		}
		o.recorder.Record(eventlog.Entry{
			Action:  "action_rejected",
			Source:  source,
			Result:  eventlog.ResultSuccess,
			TaskRef: ref,
			Details: map[string]any{"action_type": string(action)},
		})
		o.logger.Info("action_rejected", zap.String("approval", name), zap.String("action_type", string(action)))

		if _, err := o.archive(model.StageRejected, name); err != nil {
			return fmt.Errorf("archive rejection: %w", err)
		}
		if err := o.consume(appr, false); err != nil {
			return err
		}
	}
	return nil
}

// consume records that one approval of a task has been used up and finalizes the task
// once none remain outstanding.
func (o *Orchestrator) consume(appr *model.Approval, dispatched bool) error {
	stage, taskName, err := queue.Resolve(appr.Request.TaskRef)
	if err != nil || stage != model.StageInProgress {
		return nil
	}

	state, err := o.readMultiStep(taskName)
	switch {
	case err == nil:
		state.Complete(appr.Request.ActionType, dispatched, o.now())
		if err := o.writeMultiStep(state); err != nil {
			return err
		}
	case !errors.Is(err, queue.ErrNotFound):
		o.logger.Warn("multi_step_unreadable", zap.String("task", taskName), zap.Error(err))
	}

	outstanding, err := o.outstandingApprovals(taskName)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}

	planName := ""
	if _, name, err := queue.Resolve(appr.Request.PlanRef); err == nil {
		planName = name
	}
	from := model.StateDispatched
	if !dispatched {
		from = model.StateRejected
	}
	if !o.vault.Exists(model.StageInProgress, taskName) {
		// The task was quarantined; only its plan and record are left to settle.
		if planName != "" {
			if _, err := o.archive(model.StagePlans, planName); err != nil {
				return err
			}
		}
		return o.vault.Remove(model.StageMultiStep, model.MultiStepFileName(taskName))
	}
	return o.finalize(taskName, planName, from)
}

// outstandingApprovals counts approvals for taskName not yet consumed.
func (o *Orchestrator) outstandingApprovals(taskName string) (int, error) {
	want := model.StageInProgress.Ref(taskName)
	count := 0
	for _, stage := range []model.Stage{model.StagePendingApproval, model.StageApproved, model.StageRejected} {
		names, err := o.vault.List(stage)
		if err != nil {
			return 0, fmt.Errorf("list %s: %w", stage, err)
		}
		for _, name := range names {
			content, err := o.vault.Read(stage, name)
			if err != nil {
				continue
			}
			appr, err := model.ParseApproval(name, content)
			if err != nil {
				continue
			}
			if appr.Request.TaskRef == want {
				count++
			}
		}
	}
	return count, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
