// Package adapter calls the external services that carry out approved actions.
// Every adapter speaks the same JSON-in, JSON-out contract: an action name and a
// parameter object go in, a result object with at least a status field comes out.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/retry"
)

// Adapter kinds accepted in the adapters config section.
const (
	KindCommand = "command"
	KindHTTP    = "http"
	KindDryRun  = "dry_run"
)

// StatusError is the status value adapters return on failure.
const StatusError = "error"

// ErrUnknownAction is returned for action types no adapter is registered for.
var ErrUnknownAction = errors.New("unknown action")

// Adapter performs one named action.
type Adapter interface {
	Call(ctx context.Context, action string, params map[string]any) (*Result, error)
}

// Result is a decoded adapter response.
type Result struct {
	Status   string
	RecordID string
	Raw      map[string]any
}

// ResultError reports an adapter response whose status was "error". It is
// classified for retry like any other failure.
type ResultError struct {
	Adapter   string
	Action    string
	Message   string
	Retryable *bool
}

func (e *ResultError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: adapter returned status error", e.Adapter, e.Action)
	}
	return fmt.Sprintf("%s %s: %s", e.Adapter, e.Action, e.Message)
}

// Transient reports whether the call is worth retrying. An explicit "retryable"
// field wins; a bare error status carries no detail and is retried; otherwise the
// message decides.
func (e *ResultError) Transient() bool {
	if e.Retryable != nil {
		return *e.Retryable
	}
	if e.Message == "" {
		return true
	}
	return retry.MessageIsTransient(e.Message)
}

var recordIDKeys = []string{"record_id", "post_id", "message_id", "id"}

// decodeResult parses an adapter response. A status of "error" becomes a *ResultError.
// Empty output counts as a bare error status.
func decodeResult(adapter, action string, data []byte) (*Result, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &ResultError{Adapter: adapter, Action: action}
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s %s: decode result: %w", adapter, action, err)
	}

	res := &Result{Raw: raw}
	res.Status, _ = raw["status"].(string)
	for _, key := range recordIDKeys {
		if v, ok := raw[key]; ok && v != nil {
			res.RecordID = fmt.Sprint(v)
			break
		}
	}

	if res.Status == StatusError {
		re := &ResultError{Adapter: adapter, Action: action}
		for _, key := range []string{"error", "message"} {
			if s, ok := raw[key].(string); ok && s != "" {
				re.Message = s
				break
			}
		}
		if b, ok := raw["retryable"].(bool); ok {
			re.Retryable = &b
		}
		return nil, re
	}
	if res.Status == "" {
		res.Status = "success"
	}
	return res, nil
}

// Registry maps adapter names to adapters.
type Registry struct {
	adapters map[string]Adapter
	fallback Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(name string, a Adapter) {
	r.adapters[name] = a
}

// SetFallback serves every name without a registered adapter.
func (r *Registry) SetFallback(a Adapter) {
	r.fallback = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: no adapter %q configured", ErrUnknownAction, name)
}

// ForAction returns the adapter that carries out action.
func (r *Registry) ForAction(action model.ActionType) (Adapter, error) {
	name := action.Adapter()
	if name == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return r.Get(name)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig builds a registry from the adapters config section. In dry-run mode every
// name resolves to the dry-run adapter. timeout bounds each HTTP request.
func FromConfig(cfgs map[string]model.AdapterConfig, dryRun bool, timeout time.Duration) (*Registry, error) {
	r := NewRegistry()
	if dryRun {
		r.SetFallback(DryRun{})
		return r, nil
	}
	for name, cfg := range cfgs {
		switch cfg.Kind {
		case KindCommand, "":
			a, err := NewCommand(name, cfg.Command)
			if err != nil {
				return nil, err
			}
			r.Register(name, a)
		case KindHTTP:
			a, err := NewHTTP(name, cfg, timeout)
			if err != nil {
				return nil, err
			}
			r.Register(name, a)
		case KindDryRun:
			r.Register(name, DryRun{})
		default:
			return nil, fmt.Errorf("adapter %s: unknown kind %q", name, cfg.Kind)
		}
	}
	return r, nil
}
