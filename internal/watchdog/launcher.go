package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/model"
)

// ExecLauncher starts components as detached child processes in their own session.
// Components with no Command run Self with the component's Args plus ExtraArgs.
type ExecLauncher struct {
	Self      string
	ExtraArgs []string
	LogDir    string
	Logger    *zap.Logger
}

func NewExecLauncher(logDir string, extraArgs []string, logger *zap.Logger) (*ExecLauncher, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecLauncher{Self: self, ExtraArgs: extraArgs, LogDir: logDir, Logger: logger}, nil
}

// Launch starts c and returns its pid. The child outlives ctx; its stdout and stderr
// go to <LogDir>/<name>.out.
func (l *ExecLauncher) Launch(_ context.Context, c model.ComponentConfig) (int, error) {
	argv := c.Command
	if len(argv) == 0 {
		if l.Self == "" {
			return 0, errors.New("no command configured")
		}
		argv = append([]string{l.Self}, c.Args...)
		argv = append(argv, l.ExtraArgs...)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = os.Environ()

	if l.LogDir != "" {
		if err := os.MkdirAll(l.LogDir, 0755); err != nil {
			return 0, fmt.Errorf("create log dir: %w", err)
		}
		out, err := os.OpenFile(filepath.Join(l.LogDir, c.Name+".out"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("open output log: %w", err)
		}
		defer out.Close()
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", c.Name, err)
	}
	pid := cmd.Process.Pid

	// Reap the child so a crashed component does not linger as a zombie that still
	// answers the liveness check.
	go func() {
		err := cmd.Wait()
		if l.Logger != nil {
			l.Logger.Info("process_exited", zap.String("process", c.Name), zap.Int("pid", pid), zap.Error(err))
		}
	}()
	return pid, nil
}
