package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/retry"
)

// DefaultCompletionMarker ends a finished agent answer.
const DefaultCompletionMarker = "TASK_COMPLETE"

const (
	defaultMaxRounds = 50
	continuationTail = 2000
	lastOutputTail   = 200
)

// ErrRoundsExhausted is returned when the agent never produced the completion marker
// within the round budget.
var ErrRoundsExhausted = errors.New("agent round budget exhausted")

// Result is the outcome of planning one task.
type Result struct {
	Response *Response
	Rounds   int
	// Finalized is set when the task reached Done while the agent was working.
	Finalized bool
	// Output is the last raw agent output.
	Output string
}

// Planner drives the bounded round loop against an Agent.
type Planner struct {
	agent        Agent
	executor     *retry.Executor
	recorder     eventlog.Recorder
	logger       *zap.Logger
	source       string
	maxRounds    int
	marker       string
	capabilities string
	finalized    func(taskName string) bool
}

type PlannerOption func(*Planner)

// WithExecutor wraps every agent call in the retry executor.
func WithExecutor(e *retry.Executor) PlannerOption {
	return func(p *Planner) { p.executor = e }
}

func WithRecorder(r eventlog.Recorder, source string) PlannerOption {
	return func(p *Planner) {
		p.recorder = r
		p.source = source
	}
}

func WithLogger(l *zap.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

func WithMaxRounds(n int) PlannerOption {
	return func(p *Planner) {
		if n > 0 {
			p.maxRounds = n
		}
	}
}

func WithCompletionMarker(m string) PlannerOption {
	return func(p *Planner) {
		if m != "" {
			p.marker = m
		}
	}
}

// WithCapabilities sets the capability catalogue included in the first prompt.
func WithCapabilities(text string) PlannerOption {
	return func(p *Planner) { p.capabilities = text }
}

// WithFinalizedCheck stops the loop early once fn reports the task finished.
func WithFinalizedCheck(fn func(taskName string) bool) PlannerOption {
	return func(p *Planner) { p.finalized = fn }
}

func NewPlanner(a Agent, opts ...PlannerOption) *Planner {
	p := &Planner{
		agent:     a,
		executor:  retry.New(retry.DefaultPolicy()),
		recorder:  eventlog.Discard,
		logger:    zap.NewNop(),
		source:    model.ComponentOrchestrator,
		maxRounds: defaultMaxRounds,
		marker:    DefaultCompletionMarker,
		finalized: func(string) bool { return false },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Planner) MaxRounds() int { return p.maxRounds }

// Plan asks the agent for a plan for task. Each round that ends without the completion
// marker feeds the tail of its output into the next prompt. A failed agent call ends the
// loop with that error. Running out of rounds returns ErrRoundsExhausted together with
// the partial Result.
func (p *Planner) Plan(ctx context.Context, task *model.Task) (*Result, error) {
	ref := model.StageInProgress.Ref(task.Name)
	prompt := p.initialPrompt(task)
	res := &Result{}

	for round := 1; round <= p.maxRounds; round++ {
		req := Request{TaskName: task.Name, Prompt: prompt, Round: round}
		out, err := retry.Do(ctx, p.executor, ref, func(ctx context.Context) (string, error) {
			return p.agent.Invoke(ctx, req)
		})
		res.Rounds = round
		if err != nil {
			p.recorder.Record(eventlog.Entry{
				Action:  "agent_invoked",
				Source:  p.source,
				Result:  eventlog.ResultFailure,
				TaskRef: ref,
				Details: map[string]any{"iteration": round, "max_iter": p.maxRounds, "error": truncateTail(err.Error(), lastOutputTail)},
			})
			return res, fmt.Errorf("invoke agent for %s (round %d): %w", task.Name, round, err)
		}
		res.Output = out
		p.recorder.Record(eventlog.Entry{
			Action:  "agent_invoked",
			Source:  p.source,
			Result:  eventlog.ResultSuccess,
			TaskRef: ref,
			Details: map[string]any{"iteration": round, "max_iter": p.maxRounds},
		})
		p.logger.Debug("agent_round", zap.String("task", task.Name), zap.Int("round", round), zap.Int("output_len", len(out)))

		if strings.Contains(out, p.marker) {
			resp, err := ParseResponse(out, p.marker)
			if err != nil {
				return res, err
			}
			res.Response = resp
			return res, nil
		}
		if p.finalized(task.Name) {
			p.recorder.Record(eventlog.Entry{
				Action:  "task_complete_file_move",
				Source:  p.source,
				Result:  eventlog.ResultSuccess,
				TaskRef: ref,
				Details: map[string]any{"iteration": round, "method": "file_move_check"},
			})
			res.Finalized = true
			return res, nil
		}
		prompt = p.continuationPrompt(out)
	}

	p.recorder.Record(eventlog.Entry{
		Action:  "loop_exhausted",
		Source:  p.source,
		Result:  eventlog.ResultFailure,
		TaskRef: ref,
		Details: map[string]any{"iterations": p.maxRounds, "last_output": truncateTail(res.Output, lastOutputTail)},
	})
	return res, fmt.Errorf("%w: %s did not complete after %d rounds", ErrRoundsExhausted, task.Name, p.maxRounds)
}

func (p *Planner) initialPrompt(task *model.Task) string {
	var sb strings.Builder
	sb.WriteString("You are the task planner. Process this task.\n\n")
	sb.WriteString("## Task\n")
	sb.Write(task.Content)
	sb.WriteString("\n\n## Capabilities\n")
	sb.WriteString(p.capabilities)
	sb.WriteString("\n\nWrite a plan with a frontmatter header (objective, status, task_ref, action_required, ")
	sb.WriteString("action_type, domain) and a Steps section. List every action that needs approval in action_type. ")
	sb.WriteString("Include the email fields, the post draft, or the odoo_data payload when an action needs them. ")
	fmt.Fprintf(&sb, "End with %s.", p.marker)
	return sb.String()
}

func (p *Planner) continuationPrompt(previous string) string {
	return fmt.Sprintf("Continue. Previous:\n%s\nEnd with %s.", truncateTail(previous, continuationTail), p.marker)
}

// truncateTail keeps the last n bytes of s.
func truncateTail(s string, n int) string {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
