// Package agent invokes the reasoning agent that turns a task into a plan.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msageha/taskvault/internal/model"
)

// Backend names accepted in the agent config section.
const (
	BackendCLI    = "cli"
	BackendOllama = "ollama"
	BackendDryRun = "dry_run"
)

// Request is one call to the agent.
type Request struct {
	TaskName string
	Prompt   string
	Round    int
}

// Agent is a text-in, text-out reasoning collaborator.
type Agent interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, req Request) (string, error)

func (f AgentFunc) Invoke(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// New builds the agent selected by cfg. dryRun overrides the configured backend.
func New(cfg model.AgentConfig, dryRun bool) (Agent, error) {
	backend := cfg.Backend
	if dryRun {
		backend = BackendDryRun
	}
	switch backend {
	case BackendCLI, "":
		return NewCLI(cfg.Command)
	case BackendOllama:
		return NewOllama(cfg.Model)
	case BackendDryRun:
		return DryRun{Marker: cfg.CompletionMark}, nil
	default:
		return nil, fmt.Errorf("unknown agent backend %q", backend)
	}
}

// LoadCapabilities concatenates the capability documents (*.md) in dir in name order.
// A missing directory yields an empty catalogue.
func LoadCapabilities(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return "", err
	}
	sort.Strings(matches)

	var sb strings.Builder
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("read capability %s: %w", filepath.Base(path), err)
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n", filepath.Base(path))
		sb.Write(data)
	}
	return sb.String(), nil
}

// Response is the agent's completed answer.
type Response struct {
	Text string
	Plan *model.Plan
}

// ParseResponse extracts the plan from agent output. Text before the opening header
// delimiter and the completion marker itself are dropped.
func ParseResponse(output, marker string) (*Response, error) {
	text := output
	if marker != "" {
		if i := strings.LastIndex(text, marker); i >= 0 {
			text = text[:i]
		}
	}
	if i := headerStart(text); i > 0 {
		text = text[i:]
	}
	text = strings.TrimRight(text, " \t\n") + "\n"

	plan, err := model.ParsePlan(text)
	if err != nil {
		return nil, fmt.Errorf("parse agent plan: %w", err)
	}
	return &Response{Text: text, Plan: plan}, nil
}

func headerStart(text string) int {
	if strings.HasPrefix(text, "---\n") {
		return 0
	}
	if i := strings.Index(text, "\n---\n"); i >= 0 {
		return i + 1
	}
	return -1
}
