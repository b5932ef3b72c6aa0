// Package notify sends best-effort desktop notifications for new alerts.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const sendTimeout = 5 * time.Second

// Notifier delivers an out-of-band notification.
type Notifier interface {
	Send(ctx context.Context, title, message string) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Send(context.Context, string, string) error { return nil }

// Desktop notifies via osascript on macOS and notify-send elsewhere.
type Desktop struct {
	goos string
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewDesktop() *Desktop {
	return &Desktop{goos: runtime.GOOS, run: runCommand}
}

func (d *Desktop) Send(ctx context.Context, title, message string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	name, args := d.command(title, message)
	if out, err := d.run(ctx, name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *Desktop) command(title, message string) (string, []string) {
	if d.goos == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return "osascript", []string{"-e", script}
	}
	return "notify-send", []string{"--urgency=critical", "--app-name=taskvault", title, message}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
