package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const maxStderr = 500

// CLI runs a command-line agent, passing the prompt as the final argument and reading
// the answer from stdout.
type CLI struct {
	command []string
	env     []string
}

// NewCLI returns a CLI agent for command, e.g. ["claude", "-p"].
func NewCLI(command []string) (*CLI, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("agent command is empty")
	}
	return &CLI{
		command: append([]string(nil), command...),
		// Clear CLAUDECODE so the CLI can be launched from inside another agent session.
		env: filterEnv(os.Environ(), "CLAUDECODE"),
	}, nil
}

func (c *CLI) Invoke(ctx context.Context, req Request) (string, error) {
	args := append(append([]string(nil), c.command[1:]...), req.Prompt)
	cmd := exec.CommandContext(ctx, c.command[0], args...)
	cmd.Env = c.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("agent %s: %w", c.command[0], ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = msg[:maxStderr]
		}
		return "", fmt.Errorf("agent %s: %w: %s", c.command[0], err, msg)
	}
	return stdout.String(), nil
}

// filterEnv returns a copy of environ with the named variable removed.
func filterEnv(environ []string, name string) []string {
	prefix := name + "="
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}
