// Package model defines the data structures for taskvault's vault layout, artifacts, and configuration.
package model

// Stage is a vault directory. A task's current stage is the directory that holds its file.
type Stage string

const (
	StageNeedsAction     Stage = "Needs_Action"
	StageInProgress      Stage = "In_Progress"
	StagePlans           Stage = "Plans"
	StagePendingApproval Stage = "Pending_Approval"
	StageApproved        Stage = "Approved"
	StageRejected        Stage = "Rejected"
	StageDone            Stage = "Done"
	StageQuarantine      Stage = "Quarantine"
	StageAlerts          Stage = "Alerts"
	StageMultiStep       Stage = "Multi_Step"
	StageOdooDrafts      Stage = "Odoo_Drafts"
	StageLogs            Stage = "Logs"
)

// AllStages returns every vault directory in pipeline order.
func AllStages() []Stage {
	return []Stage{
		StageNeedsAction,
		StageInProgress,
		StagePlans,
		StagePendingApproval,
		StageApproved,
		StageRejected,
		StageDone,
		StageQuarantine,
		StageAlerts,
		StageMultiStep,
		StageOdooDrafts,
		StageLogs,
	}
}

// QueueStages returns the stages that hold task, plan, or approval artifacts.
func QueueStages() []Stage {
	return []Stage{
		StageNeedsAction,
		StageInProgress,
		StagePlans,
		StagePendingApproval,
		StageApproved,
		StageRejected,
		StageDone,
		StageQuarantine,
	}
}

// Ref renders a vault-relative reference such as "In_Progress/TASK_x.md".
func (s Stage) Ref(name string) string {
	return string(s) + "/" + name
}
