package agent

import (
	"context"
	"fmt"

	"github.com/msageha/taskvault/internal/model"
)

// DryRun answers every task with a finished plan that needs no action.
type DryRun struct {
	Marker string
}

func (d DryRun) Invoke(_ context.Context, req Request) (string, error) {
	marker := d.Marker
	if marker == "" {
		marker = DefaultCompletionMarker
	}
	return fmt.Sprintf("---\nobjective: Process %s\nstatus: complete\ntask_ref: %s\naction_required: no\n---\n\n## Steps\n- [x] Analyzed task (dry-run)\n\n%s\n",
		req.TaskName, model.StageInProgress.Ref(req.TaskName), marker), nil
}
