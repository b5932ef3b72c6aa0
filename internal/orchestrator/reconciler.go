package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/queue"
)

// Repair patterns.
const (
	RepairRequeue      = "requeue"
	RepairReopen       = "reopen_approvals"
	RepairFinalize     = "finalize"
	RepairOrphanRecord = "orphan_multi_step"
)

// Repair describes one fix applied at startup.
type Repair struct {
	Pattern string
	Name    string
	Detail  string
}

// Reconcile brings the vault back to a consistent state after a crash. It only moves
// work forward or back to Needs_Action, so running it twice is harmless.
//
//   - requeue: an in-progress task with no plan goes back to Needs_Action.
//   - reopen_approvals: a planned task that requires action gets an approval for every
//     declared action that has none anywhere, e.g. after a crash between approvals.
//   - finalize: a planned task whose approvals are all consumed moves to Done.
//   - orphan_multi_step: a multi-step record whose task is no longer in progress is removed.
func (o *Orchestrator) Reconcile(ctx context.Context) []Repair {
	var repairs []Repair
	repairs = append(repairs, o.reconcileInProgress(ctx)...)
	repairs = append(repairs, o.reconcileMultiStep()...)

	for _, r := range repairs {
		o.recorder.Record(eventlog.Entry{
			Action:  "reconcile_repair",
			Source:  source,
			Result:  eventlog.ResultSuccess,
			TaskRef: r.Name,
			Details: map[string]any{"pattern": r.Pattern, "detail": r.Detail},
		})
		o.logger.Warn("reconcile_repair", zap.String("pattern", r.Pattern), zap.String("name", r.Name), zap.String("detail", r.Detail))
	}
	return repairs
}

func (o *Orchestrator) reconcileInProgress(ctx context.Context) []Repair {
	names, err := o.vault.List(model.StageInProgress)
	if err != nil {
		o.logger.Warn("reconcile_list_failed", zap.Error(err))
		return nil
	}

	var repairs []Repair
	for _, name := range names {
		if ctx.Err() != nil {
			return repairs
		}
		planName := model.PlanFileName(name)
		planText, err := o.vault.Read(model.StagePlans, planName)
		if errors.Is(err, queue.ErrNotFound) {
			if err := o.vault.Advance(model.StageInProgress, name, model.StageNeedsAction); err != nil {
				o.logger.Warn("reconcile_requeue_failed", zap.String("task", name), zap.Error(err))
				continue
			}
			o.transition(name, model.StateClaimed, model.StateNew)
			repairs = append(repairs, Repair{Pattern: RepairRequeue, Name: model.StageNeedsAction.Ref(name), Detail: "no plan written before restart"})
			continue
		}
		if err != nil {
			o.logger.Warn("reconcile_read_plan_failed", zap.String("plan", planName), zap.Error(err))
			continue
		}

		outstanding, opened, err := o.approvalActions(name)
		if err != nil {
			o.logger.Warn("reconcile_scan_failed", zap.String("task", name), zap.Error(err))
			continue
		}

		plan, perr := model.ParsePlan(string(planText))
		if perr == nil && plan.ActionRequired {
			var missing []model.ActionType
			for _, action := range plan.ActionTypes {
				if !opened[action] {
					missing = append(missing, action)
				}
			}
			if len(missing) > 0 {
				if err := o.openApprovals(name, planName, string(planText), plan, missing); err != nil {
					o.logger.Warn("reconcile_reopen_failed", zap.String("task", name), zap.Error(err))
					continue
				}
				repairs = append(repairs, Repair{Pattern: RepairReopen, Name: model.StageInProgress.Ref(name), Detail: fmt.Sprintf("created missing approvals: %v", missing)})
				continue
			}
		}
		if outstanding > 0 {
			continue
		}

		if err := o.finalize(name, planName, model.StatePlanned); err != nil {
			o.logger.Warn("reconcile_finalize_failed", zap.String("task", name), zap.Error(err))
			continue
		}
		repairs = append(repairs, Repair{Pattern: RepairFinalize, Name: model.StageDone.Ref(name), Detail: "no outstanding approvals"})
	}
	return repairs
}

// approvalActions scans every stage an approval for taskName can sit in. It returns how
// many are still outstanding and the set of action types that have an approval at all,
// consumed ones in Done and Quarantine included.
func (o *Orchestrator) approvalActions(taskName string) (int, map[model.ActionType]bool, error) {
	want := model.StageInProgress.Ref(taskName)
	outstanding := 0
	opened := make(map[model.ActionType]bool)
	stages := []model.Stage{
		model.StagePendingApproval,
		model.StageApproved,
		model.StageRejected,
		model.StageDone,
		model.StageQuarantine,
	}
	for _, stage := range stages {
		names, err := o.vault.List(stage)
		if err != nil {
			return 0, nil, fmt.Errorf("list %s: %w", stage, err)
		}
		for _, name := range names {
			if !strings.HasPrefix(name, "APPROVE_") {
				continue
			}
			content, err := o.vault.Read(stage, name)
			if err != nil {
				continue
			}
			appr, err := model.ParseApproval(name, content)
			if err != nil || appr.Request.TaskRef != want {
				continue
			}
			opened[appr.Request.ActionType] = true
			if stage == model.StagePendingApproval || stage == model.StageApproved || stage == model.StageRejected {
				outstanding++
			}
		}
	}
	return outstanding, opened, nil
}

func (o *Orchestrator) reconcileMultiStep() []Repair {
	names, err := o.vault.ListExt(model.StageMultiStep, ".json")
	if err != nil {
		o.logger.Warn("reconcile_list_failed", zap.Error(err))
		return nil
	}
	var repairs []Repair
	for _, name := range names {
		taskName := model.Stem(name) + ".md"
		if o.vault.Exists(model.StageInProgress, taskName) {
			continue
		}
		if err := o.vault.Remove(model.StageMultiStep, name); err != nil {
			o.logger.Warn("reconcile_remove_failed", zap.String("record", name), zap.Error(err))
			continue
		}
		repairs = append(repairs, Repair{Pattern: RepairOrphanRecord, Name: model.StageMultiStep.Ref(name), Detail: "task no longer in progress"})
	}
	return repairs
}
