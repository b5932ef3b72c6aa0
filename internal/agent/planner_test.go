package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/retry"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []eventlog.Entry
}

func (m *memRecorder) Record(e eventlog.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memRecorder) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

// scripted answers each call with the next output, repeating the last one.
type scripted struct {
	outputs []string
	errs    []error
	reqs    []Request
}

func (s *scripted) Invoke(_ context.Context, req Request) (string, error) {
	s.reqs = append(s.reqs, req)
	i := len(s.reqs) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i >= len(s.outputs) {
		i = len(s.outputs) - 1
	}
	return s.outputs[i], nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func testTask() *model.Task {
	content := []byte("---\ntype: file_drop\n---\n\nPlease send the report.\n")
	task, _ := model.ParseTask("TASK_20260301_090000_report.md", content)
	return task
}

const completePlan = "---\nobjective: Send report\nstatus: complete\ntask_ref: In_Progress/TASK_20260301_090000_report.md\naction_required: yes\naction_type: email_send\ndomain: email\n---\n\n## Steps\n- draft\n\nTASK_COMPLETE\n"

func TestPlan_CompletesOnMarker(t *testing.T) {
	a := &scripted{outputs: []string{"Here is the plan:\n" + completePlan}}
	rec := &memRecorder{}
	p := NewPlanner(a, WithRecorder(rec, "orchestrator"), WithCapabilities("--- email.md ---\nsend mail"))

	res, err := p.Plan(context.Background(), testTask())
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, []model.ActionType{model.ActionEmailSend}, res.Response.Plan.ActionTypes)
	assert.True(t, res.Response.Plan.ActionRequired)
	assert.True(t, strings.HasPrefix(res.Response.Text, "---\nobjective: Send report"))
	assert.NotContains(t, res.Response.Text, "TASK_COMPLETE")

	require.Len(t, a.reqs, 1)
	assert.Contains(t, a.reqs[0].Prompt, "Please send the report.")
	assert.Contains(t, a.reqs[0].Prompt, "send mail")
	assert.Contains(t, a.reqs[0].Prompt, "End with TASK_COMPLETE.")
	assert.Equal(t, []string{"agent_invoked"}, rec.actions())
}

func TestPlan_ContinuesWithPreviousOutput(t *testing.T) {
	long := strings.Repeat("x", 3000) + "thinking"
	a := &scripted{outputs: []string{long, completePlan}}
	p := NewPlanner(a)

	res, err := p.Plan(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rounds)

	require.Len(t, a.reqs, 2)
	second := a.reqs[1]
	assert.Equal(t, 2, second.Round)
	assert.True(t, strings.HasPrefix(second.Prompt, "Continue. Previous:\n"))
	assert.True(t, strings.HasSuffix(second.Prompt, "thinking\nEnd with TASK_COMPLETE."))
	assert.Len(t, second.Prompt, len("Continue. Previous:\n")+2000+len("\nEnd with TASK_COMPLETE."))
}

func TestPlan_RoundsExhausted(t *testing.T) {
	a := &scripted{outputs: []string{"still working"}}
	rec := &memRecorder{}
	p := NewPlanner(a, WithMaxRounds(4), WithRecorder(rec, "orchestrator"))

	res, err := p.Plan(context.Background(), testTask())
	require.ErrorIs(t, err, ErrRoundsExhausted)
	assert.Equal(t, 4, res.Rounds)
	assert.Nil(t, res.Response)
	assert.Equal(t, "still working", res.Output)
	assert.Len(t, a.reqs, 4)

	actions := rec.actions()
	assert.Equal(t, "loop_exhausted", actions[len(actions)-1])
}

func TestPlan_StopsWhenFinalized(t *testing.T) {
	a := &scripted{outputs: []string{"moved it myself"}}
	rec := &memRecorder{}
	p := NewPlanner(a, WithRecorder(rec, "orchestrator"), WithFinalizedCheck(func(name string) bool {
		return name == "TASK_20260301_090000_report.md"
	}))

	res, err := p.Plan(context.Background(), testTask())
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.Nil(t, res.Response)
	assert.Len(t, a.reqs, 1)
	assert.Contains(t, rec.actions(), "task_complete_file_move")
}

func TestPlan_RetriesTransientAgentErrors(t *testing.T) {
	a := &scripted{
		outputs: []string{"", completePlan},
		errs:    []error{errors.New("connection reset by peer")},
	}
	rec := &memRecorder{}
	exec := retry.New(retry.DefaultPolicy(), retry.WithSleeper(noSleep), retry.WithRecorder(rec, "orchestrator"))
	p := NewPlanner(a, WithExecutor(exec), WithRecorder(rec, "orchestrator"))

	res, err := p.Plan(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rounds)
	assert.Len(t, a.reqs, 2)
	assert.Equal(t, []string{"retry_attempt", "agent_invoked"}, rec.actions())
}

func TestPlan_PermanentAgentErrorStops(t *testing.T) {
	a := &scripted{outputs: []string{""}, errs: []error{errors.New("invalid api key")}}
	p := NewPlanner(a, WithExecutor(retry.New(retry.DefaultPolicy(), retry.WithSleeper(noSleep))))

	_, err := p.Plan(context.Background(), testTask())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRoundsExhausted)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Len(t, a.reqs, 1)
}

func TestPlan_MarkerWithoutHeaderFails(t *testing.T) {
	a := &scripted{outputs: []string{"I did it. TASK_COMPLETE"}}
	p := NewPlanner(a)

	_, err := p.Plan(context.Background(), testTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse agent plan")
}

func TestDryRun_ProducesCompletePlan(t *testing.T) {
	p := NewPlanner(DryRun{})

	res, err := p.Plan(context.Background(), testTask())
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.False(t, res.Response.Plan.ActionRequired)
	assert.Empty(t, res.Response.Plan.ActionTypes)
	assert.Equal(t, "In_Progress/TASK_20260301_090000_report.md", res.Response.Plan.TaskRef)
}

func TestDryRun_CustomMarker(t *testing.T) {
	p := NewPlanner(DryRun{Marker: "DONE_DONE"}, WithCompletionMarker("DONE_DONE"), WithMaxRounds(1))

	res, err := p.Plan(context.Background(), testTask())
	require.NoError(t, err)
	assert.NotNil(t, res.Response)
}
