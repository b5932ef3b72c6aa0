package adapter

import "context"

// DryRun accepts every call without side effects.
type DryRun struct{}

func (DryRun) Call(_ context.Context, action string, params map[string]any) (*Result, error) {
	return &Result{
		Status: "dry_run",
		Raw:    map[string]any{"status": "dry_run", "action": action, "params": params},
	}, nil
}
