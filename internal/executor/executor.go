// Package executor runs the local build tool for a batch of targets.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/msageha/stampede/internal/logging"
	"github.com/msageha/stampede/internal/model"
)

var ErrNoCommand = errors.New("executor.command is empty")

// FailureExitCode is returned when the tool could not be started or was
// killed by a signal.
const FailureExitCode = 1

// CommandBuilder runs the configured argv with the targets appended.
type CommandBuilder struct {
	argv    []string
	workDir string
	env     []string
	stdout  io.Writer
	stderr  io.Writer
	logger  *logging.Logger
}

func NewCommandBuilder(cfg model.ExecutorConfig, logger *logging.Logger) (*CommandBuilder, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, ErrNoCommand
	}
	if logger == nil {
		logger = logging.Discard()
	}

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}

	return &CommandBuilder{
		argv:    append([]string(nil), cfg.Command...),
		workDir: cfg.WorkDir,
		env:     env,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		logger:  logger,
	}, nil
}

// SetOutput redirects the tool's stdout and stderr.
func (b *CommandBuilder) SetOutput(stdout, stderr io.Writer) {
	b.stdout = stdout
	b.stderr = stderr
}

// Build runs the tool once for targets and returns its exit code. A tool
// that cannot be started yields FailureExitCode and an error. Cancelling ctx
// kills the process.
func (b *CommandBuilder) Build(ctx context.Context, targets []string) (int, error) {
	args := append(append([]string(nil), b.argv[1:]...), targets...)
	cmd := exec.CommandContext(ctx, b.argv[0], args...)
	cmd.Dir = b.workDir
	cmd.Stdout = b.stdout
	cmd.Stderr = b.stderr
	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}

	b.logger.Log(logging.LevelDebug, "exec %s %s", b.argv[0], strings.Join(args, " "))

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return FailureExitCode, fmt.Errorf("build interrupted: %w", ctxErr)
		}
		code := exitErr.ExitCode()
		if code < 0 {
			return FailureExitCode, fmt.Errorf("build tool terminated: %w", err)
		}
		b.logger.Log(logging.LevelInfo, "build tool exited code=%d targets=%d", code, len(targets))
		return code, nil
	}
	return FailureExitCode, fmt.Errorf("run build tool %s: %w", b.argv[0], err)
}
