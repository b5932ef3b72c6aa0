package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const maxStderr = 500

// Command runs an adapter executable per call. The request is written to stdin as
// {"action": ..., "params": {...}} and the result is read from stdout.
type Command struct {
	name    string
	command []string
}

func NewCommand(name string, command []string) (*Command, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, fmt.Errorf("adapter %s: command is empty", name)
	}
	return &Command{name: name, command: append([]string(nil), command...)}, nil
}

type request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

func (c *Command) Call(ctx context.Context, action string, params map[string]any) (*Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	in, err := json.Marshal(request{Action: action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%s %s: encode request: %w", c.name, action, err)
	}

	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s %s: %w", c.name, action, ctxErr)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("%s %s: %w", c.name, action, runErr)
		}
		// A failing adapter that still printed a result reports through it.
		if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > maxStderr {
				msg = msg[:maxStderr]
			}
			return nil, fmt.Errorf("%s %s: %w: %s", c.name, action, runErr, msg)
		}
	}
	return decodeResult(c.name, action, stdout.Bytes())
}
