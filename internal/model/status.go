package model

import "fmt"

// TaskState is the lifecycle state of a task as it moves through the vault.
type TaskState string

const (
	StateNew             TaskState = "new"
	StateClaimed         TaskState = "claimed"
	StatePlanned         TaskState = "planned"
	StateApprovalPending TaskState = "approval_pending"
	StateApproved        TaskState = "approved"
	StateRejected        TaskState = "rejected"
	StateDispatched      TaskState = "dispatched"
	StateDone            TaskState = "done"
	StateQuarantined     TaskState = "quarantined"
)

var terminalStates = map[TaskState]bool{
	StateDone:        true,
	StateQuarantined: true,
}

// new → claimed → planned → {approval_pending → approved|rejected} → dispatched → done
// claimed → new only via startup reconciliation (crash before a plan was written)
var validTaskTransitions = map[TaskState]map[TaskState]bool{
	StateNew: {
		StateClaimed: true,
	},
	StateClaimed: {
		StateNew:         true,
		StatePlanned:     true,
		StateQuarantined: true,
	},
	StatePlanned: {
		StateApprovalPending: true,
		StateDone:            true,
		StateQuarantined:     true,
	},
	StateApprovalPending: {
		StateApproved: true,
		StateRejected: true,
	},
	StateApproved: {
		StateDispatched:  true,
		StateQuarantined: true,
	},
	StateRejected: {
		StateDone: true,
	},
	StateDispatched: {
		StateDone: true,
	},
}

var stateStages = map[TaskState]Stage{
	StateNew:             StageNeedsAction,
	StateClaimed:         StageInProgress,
	StatePlanned:         StageInProgress,
	StateApprovalPending: StageInProgress,
	StateApproved:        StageInProgress,
	StateRejected:        StageInProgress,
	StateDispatched:      StageInProgress,
	StateDone:            StageDone,
	StateQuarantined:     StageQuarantine,
}

func IsTerminal(s TaskState) bool {
	return terminalStates[s]
}

// StageOf returns the directory a task file occupies while in state s.
func StageOf(s TaskState) (Stage, bool) {
	stage, ok := stateStages[s]
	return stage, ok
}

func ValidateTaskTransition(from, to TaskState) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
