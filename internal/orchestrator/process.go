package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/agent"
	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/queue"
)

// claimFilter holds back tasks whose domain is down.
func (o *Orchestrator) claimFilter(name string, content []byte) bool {
	task, err := model.ParseTask(name, content)
	if err != nil {
		// A malformed header is claimed anyway and handled like any other task.
		return true
	}
	domain := task.Domain()
	if o.health.IsHealthy(domain) {
		return true
	}
	o.logger.Debug("task_deferred", zap.String("task", name), zap.String("domain", string(domain)))
	return false
}

func (o *Orchestrator) claimAndProcess(ctx context.Context) error {
	claimed, err := o.vault.ClaimNext(o.claimFilter)
	if errors.Is(err, queue.ErrCollision) {
		// In_Progress already holds a task with this name; keep both by quarantining the
		// newcomer instead of retrying it every cycle.
		dest, qerr := o.quarantine.QuarantineTask(model.StageNeedsAction, claimed.Name, err, source)
		if qerr != nil {
			return fmt.Errorf("quarantine duplicate %s: %w", claimed.Name, qerr)
		}
		o.raiseSystemic(ctx, "Duplicate task name",
			fmt.Sprintf("Task %s could not be claimed because In_Progress already holds a task with the same name. The new copy was quarantined as %s.", claimed.Name, dest),
			"orchestrator/queue",
			"Compare both copies and move the one still needed back to Needs_Action under a new name.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if claimed == nil {
		return nil
	}
	return o.processTask(ctx, claimed)
}

// processTask plans a claimed task and either finalizes it or opens approvals for it.
func (o *Orchestrator) processTask(ctx context.Context, claimed *queue.Claimed) error {
	name := claimed.Name
	ref := model.StageInProgress.Ref(name)
	o.transition(name, model.StateNew, model.StateClaimed)

	task, err := model.ParseTask(name, claimed.Content)
	if err != nil {
		o.failTask(ctx, model.StateClaimed, name, err, "Malformed task",
			fmt.Sprintf("Task %s has an unreadable header: %v", name, err),
			"orchestrator/intake", "Fix the task header and move the task back to Needs_Action.")
		return nil
	}
	domain := task.Domain()
	o.recorder.Record(eventlog.Entry{
		Action:  "task_claimed",
		Source:  source,
		Result:  eventlog.ResultSuccess,
		TaskRef: ref,
		Details: map[string]any{"domain": string(domain)},
	})
	o.logger.Info("task_claimed", zap.String("task", name), zap.String("domain", string(domain)))

	res, err := o.planner.Plan(ctx, task)
	if ctx.Err() != nil {
		// Interrupted by shutdown. The task stays claimed and is requeued at startup.
		return ctx.Err()
	}
	if err != nil {
		if errors.Is(err, agent.ErrRoundsExhausted) {
			o.failTask(ctx, model.StateClaimed, name, err, "Agent Loop Exhausted",
				fmt.Sprintf("Task %s did not complete after %d rounds.", name, o.planner.MaxRounds()),
				"orchestrator/agent_loop",
				"Review the task manually. Check if the task is stuck or malformed.")
			return nil
		}
		o.failTask(ctx, model.StateClaimed, name, err, "Agent invocation failed",
			fmt.Sprintf("The agent could not plan task %s: %v", name, err),
			"orchestrator/agent",
			"Check the agent backend configuration and that the agent is reachable.")
		return nil
	}
	if res.Finalized {
		// Done already holds the task; drop the claimed copy.
		if err := o.vault.Remove(model.StageInProgress, name); err != nil {
			return err
		}
		o.logger.Info("task_finalized_externally", zap.String("task", name))
		return nil
	}

	planName := model.PlanFileName(name)
	planText, plan := res.Response.Text, res.Response.Plan
	err = o.vault.Create(model.StagePlans, planName, []byte(planText))
	switch {
	case errors.Is(err, queue.ErrCollision):
		// An earlier run planned this task. Plans are immutable, so continue from the
		// stored one.
		stored, rerr := o.vault.Read(model.StagePlans, planName)
		if rerr != nil {
			return fmt.Errorf("read plan %s: %w", planName, rerr)
		}
		parsed, perr := model.ParsePlan(string(stored))
		if perr != nil {
			o.failTask(ctx, model.StateClaimed, name, perr, "Unreadable plan",
				fmt.Sprintf("Task %s already has plan %s, but it cannot be read: %v", name, planName, perr),
				"orchestrator/plans",
				"Fix or remove the stored plan, then move the task back to Needs_Action.")
			return nil
		}
		planText, plan = string(stored), parsed
		o.transition(name, model.StateClaimed, model.StatePlanned)
		o.logger.Warn("plan_exists", zap.String("plan", planName), zap.String("task", name))
	case err != nil:
		return fmt.Errorf("write plan %s: %w", planName, err)
	default:
		o.transition(name, model.StateClaimed, model.StatePlanned)
		o.recorder.Record(eventlog.Entry{
			Action:  "plan_created",
			Source:  source,
			Result:  eventlog.ResultSuccess,
			TaskRef: model.StagePlans.Ref(planName),
			Details: map[string]any{"task": name, "rounds": res.Rounds, "action_required": plan.ActionRequired},
		})
		o.logger.Info("plan_created", zap.String("plan", planName), zap.Int("rounds", res.Rounds))
		if plan.TouchesERP() {
			o.saveOdooDraft(name, planText)
		}
	}

	if !plan.ActionRequired || len(plan.ActionTypes) == 0 {
		return o.finalize(name, planName, model.StatePlanned)
	}
	return o.openApprovals(name, planName, planText, plan, plan.ActionTypes)
}

// saveOdooDraft keeps a local copy of an ERP plan in Odoo_Drafts. A failure is logged
// and does not hold up the task.
func (o *Orchestrator) saveOdooDraft(taskName, planText string) {
	now := o.now()
	content, err := model.RenderOdooDraft(taskName, now, planText)
	if err != nil {
		o.logger.Warn("odoo_draft_failed", zap.String("task", taskName), zap.Error(err))
		return
	}
	base := model.OdooDraftFileName(now, taskName)
	for i := 1; i <= maxArchiveSuffix; i++ {
		name := model.SuffixedName(base, i)
		err := o.vault.Create(model.StageOdooDrafts, name, content)
		if errors.Is(err, queue.ErrCollision) {
			continue
		}
		if err != nil {
			o.logger.Warn("odoo_draft_failed", zap.String("task", taskName), zap.Error(err))
			return
		}
		o.recorder.Record(eventlog.Entry{
			Action:  "odoo_draft_saved",
			Source:  source,
			Result:  eventlog.ResultSuccess,
			TaskRef: model.StageOdooDrafts.Ref(name),
			Details: map[string]any{"task": taskName},
		})
		o.logger.Info("odoo_draft_saved", zap.String("draft", name), zap.String("task", taskName))
		return
	}
	o.logger.Warn("odoo_draft_failed", zap.String("task", taskName), zap.String("error", "no free name"))
}

// openApprovals creates one approval for each of actions, plus a multi-step record when
// the plan names more than one action and has no record yet.
func (o *Orchestrator) openApprovals(taskName, planName, planText string, plan *model.Plan, actions []model.ActionType) error {
	now := o.now()
	if len(plan.ActionTypes) > 1 && !o.vault.Exists(model.StageMultiStep, model.MultiStepFileName(taskName)) {
		state := model.NewMultiStepState(taskName, plan.ActionTypes)
		state.Updated = now.Format(time.RFC3339)
		if err := o.writeMultiStep(state); err != nil {
			return err
		}
		o.recorder.Record(eventlog.Entry{
			Action:  "multi_step_detected",
			Source:  source,
			Result:  eventlog.ResultSuccess,
			TaskRef: model.StageInProgress.Ref(taskName),
			Details: map[string]any{"steps": plan.ActionTypes, "step_count": len(plan.ActionTypes)},
		})
	}

	for _, action := range actions {
		domain := plan.ApprovalDomain(action)
		req := model.NewApprovalRequest(action, taskName, planName, domain, now)
		content, err := model.RenderApproval(req, planText)
		if err != nil {
			return fmt.Errorf("render approval: %w", err)
		}
		name := model.ApprovalFileName(now, action, taskName)
		if err := o.vault.Create(model.StagePendingApproval, name, content); err != nil {
			if errors.Is(err, queue.ErrCollision) {
				o.logger.Warn("approval_exists", zap.String("approval", name))
				continue
			}
			return fmt.Errorf("create approval: %w", err)
		}
		o.recorder.Record(eventlog.Entry{
			Action:  "approval_created",
			Source:  source,
			Result:  eventlog.ResultSuccess,
			TaskRef: model.StagePendingApproval.Ref(name),
			Details: map[string]any{"action_type": string(action), "domain": string(domain)},
		})
		o.logger.Info("approval_created", zap.String("approval", name), zap.String("action_type", string(action)))
	}
	o.transition(taskName, model.StatePlanned, model.StateApprovalPending)
	return nil
}

// finalize moves a task and its plan to Done and drops any multi-step record.
func (o *Orchestrator) finalize(taskName, planName string, from model.TaskState) error {
	if _, err := o.archive(model.StageInProgress, taskName); err != nil {
		return fmt.Errorf("finalize %s: %w", taskName, err)
	}
	if planName != "" {
		if _, err := o.archive(model.StagePlans, planName); err != nil {
			return fmt.Errorf("finalize %s: %w", planName, err)
		}
	}
	if err := o.vault.Remove(model.StageMultiStep, model.MultiStepFileName(taskName)); err != nil {
		return err
	}
	o.transition(taskName, from, model.StateDone)
	o.recorder.Record(eventlog.Entry{
		Action:  "task_completed",
		Source:  source,
		Result:  eventlog.ResultSuccess,
		TaskRef: model.StageDone.Ref(taskName),
	})
	o.logger.Info("task_completed", zap.String("task", taskName))
	return nil
}

// failTask raises an alert and quarantines an in-progress task.
func (o *Orchestrator) failTask(ctx context.Context, from model.TaskState, name string, cause error, title, description, component, remediation string) {
	o.raiseSystemic(ctx, title, description, component, remediation)
	if _, err := o.quarantine.QuarantineTask(model.StageInProgress, name, cause, source); err != nil {
		o.logger.Error("quarantine_failed", zap.String("task", name), zap.Error(err))
		return
	}
	o.transition(name, from, model.StateQuarantined)
}

func (o *Orchestrator) readMultiStep(taskName string) (*model.MultiStepState, error) {
	data, err := o.vault.Read(model.StageMultiStep, model.MultiStepFileName(taskName))
	if err != nil {
		return nil, err
	}
	var state model.MultiStepState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode multi-step record for %s: %w", taskName, err)
	}
	return &state, nil
}

func (o *Orchestrator) writeMultiStep(state *model.MultiStepState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode multi-step record: %w", err)
	}
	return o.vault.Write(model.StageMultiStep, model.MultiStepFileName(state.Task), append(data, '\n'))
}
