// Package shell runs bash and python script bodies as subprocesses.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/creasty/defaults"

	"github.com/loomctl/loom"
)

var _ loom.ProcessLauncher = (*Launcher)(nil)

// Config selects the interpreter binaries and the grace period between a
// cancellation signal and a hard kill.
type Config struct {
	Bash      string        `yaml:"bash" default:"bash"`
	Python    string        `yaml:"python" default:"python3"`
	WaitDelay time.Duration `yaml:"waitDelay" default:"5s"`
}

// Launcher executes scripts synchronously, capturing stdout and the exit
// status. Cancellation is cooperative: the process receives SIGTERM first
// and is only killed after the configured grace period.
type Launcher struct {
	cfg Config
	l   *slog.Logger
}

func NewLauncher(cfg Config, l *slog.Logger) (*Launcher, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply launcher defaults: %w", err)
	}
	if l == nil {
		l = slog.Default()
	}
	return &Launcher{cfg: cfg, l: l}, nil
}

func (l *Launcher) Run(ctx context.Context, script string, shell loom.Shell) (string, int, error) {
	var cmd *exec.Cmd
	switch shell {
	case loom.ShellBash:
		cmd = exec.CommandContext(ctx, l.cfg.Bash, "-c", script)
	case loom.ShellPython:
		cmd = exec.CommandContext(ctx, l.cfg.Python, "-c", script)
	default:
		return "", 0, fmt.Errorf("unknown shell %q", shell)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = l.cfg.WaitDelay

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.String(), -1, fmt.Errorf("script cancelled: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			l.l.DebugContext(ctx, "script exited non-zero",
				"shell", string(shell),
				"exit_code", exitErr.ExitCode(),
				"stderr", stderr.String())
			return stdout.String(), exitErr.ExitCode(), nil
		}
		return "", 0, fmt.Errorf("failed to launch %s: %w", shell, err)
	}
	return stdout.String(), 0, nil
}
