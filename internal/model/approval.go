package model

import (
	"fmt"
	"time"

	yamlutil "github.com/msageha/taskvault/internal/yaml"
)

const (
	ApprovalStatusPending  = "pending_approval"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// ApprovalRequest is the header of an approval artifact. The approval body carries the
// full plan text so the reviewer and the dispatcher see the same content.
type ApprovalRequest struct {
	Type           string     `yaml:"type"`
	ActionType     ActionType `yaml:"action_type"`
	Target         string     `yaml:"target"`
	ContentSummary string     `yaml:"content_summary"`
	PlanRef        string     `yaml:"plan_ref"`
	TaskRef        string     `yaml:"task_ref"`
	Domain         Domain     `yaml:"domain"`
	Created        string     `yaml:"created"`
	Status         string     `yaml:"status"`
}

// Approval is a parsed approval artifact.
type Approval struct {
	Name    string
	Request ApprovalRequest
	Body    string
	Content []byte
}

// NewApprovalRequest builds the pending request for one action of a plan.
func NewApprovalRequest(action ActionType, taskName, planName string, domain Domain, now time.Time) ApprovalRequest {
	return ApprovalRequest{
		Type:           "approval",
		ActionType:     action,
		Target:         "see-plan",
		ContentSummary: fmt.Sprintf("Action from %s", taskName),
		PlanRef:        StagePlans.Ref(planName),
		TaskRef:        StageInProgress.Ref(taskName),
		Domain:         domain,
		Created:        now.Format(time.RFC3339),
		Status:         ApprovalStatusPending,
	}
}

func RenderApproval(req ApprovalRequest, planText string) ([]byte, error) {
	return yamlutil.Encode(req, planText)
}

func ParseApproval(name string, content []byte) (*Approval, error) {
	a := &Approval{Name: name, Content: content}
	body, err := yamlutil.Decode(content, &a.Request)
	if err != nil {
		return nil, fmt.Errorf("parse approval %s: %w", name, err)
	}
	a.Body = body
	return a, nil
}

// MultiStepState tracks a task whose plan declared more than one action type.
type MultiStepState struct {
	Task           string       `json:"task"`
	Steps          []ActionType `json:"steps"`
	CurrentStep    int          `json:"current_step"`
	CompletedSteps []ActionType `json:"completed_steps"`
	SkippedSteps   []ActionType `json:"skipped_steps,omitempty"`
	Updated        string       `json:"updated,omitempty"`
}

func NewMultiStepState(taskName string, steps []ActionType) *MultiStepState {
	return &MultiStepState{
		Task:           taskName,
		Steps:          append([]ActionType(nil), steps...),
		CompletedSteps: []ActionType{},
	}
}

// Complete records a consumed step. Dispatched steps count as completed, rejected ones
// as skipped. CurrentStep is the index of the first step not yet consumed.
func (m *MultiStepState) Complete(step ActionType, dispatched bool, now time.Time) {
	if m.consumed(step) {
		return
	}
	if dispatched {
		m.CompletedSteps = append(m.CompletedSteps, step)
	} else {
		m.SkippedSteps = append(m.SkippedSteps, step)
	}
	m.CurrentStep = len(m.Steps)
	for i, s := range m.Steps {
		if !m.consumed(s) {
			m.CurrentStep = i
			break
		}
	}
	m.Updated = now.Format(time.RFC3339)
}

// Finished reports whether every step has been consumed.
func (m *MultiStepState) Finished() bool {
	return m.CurrentStep >= len(m.Steps)
}

func (m *MultiStepState) consumed(step ActionType) bool {
	for _, s := range m.CompletedSteps {
		if s == step {
			return true
		}
	}
	for _, s := range m.SkippedSteps {
		if s == step {
			return true
		}
	}
	return false
}
