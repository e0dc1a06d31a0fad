package core

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

// DefaultExecTimeout bounds a script run when no explicit timeout is
// configured.
const DefaultExecTimeout = 60 * time.Second

// timeoutReturnCode is the sentinel recorded for timeouts and spawn
// failures.
const timeoutReturnCode = -1

// Result is the outcome of a single script execution.
type Result struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Executor runs one external program per fire.
type Executor interface {
	Run(ctx context.Context, scriptPath string, args []string) Result
}

// ScriptExecutor spawns scripts directly with their argument vector and
// captures stdout/stderr. Exactly one attempt per fire, no retries.
type ScriptExecutor struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewScriptExecutor creates an executor with the given per-run timeout.
// A non-positive timeout falls back to DefaultExecTimeout.
func NewScriptExecutor(timeout time.Duration, logger *slog.Logger) *ScriptExecutor {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &ScriptExecutor{timeout: timeout, logger: logger}
}

// Run executes scriptPath with args, waiting up to the configured timeout.
// A timed-out process is terminated and reported as (-1, "", "execution
// timed out"); a spawn failure as (-1, "", error text). The exit code of a
// finished process is reported verbatim, success or not.
func (e *ScriptExecutor) Run(ctx context.Context, scriptPath string, args []string) Result {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, scriptPath, args...) // #nosec G204
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return sendTermination(cmd.Process)
	}
	// Escalate to SIGKILL if the process ignores SIGTERM.
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		e.logger.Error("spawn script", "script", scriptPath, "err", err)
		return Result{ReturnCode: timeoutReturnCode, Stderr: err.Error()}
	}
	waitErr := cmd.Wait()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("script exceeded timeout", "script", scriptPath, "timeout", e.timeout)
		return Result{ReturnCode: timeoutReturnCode, Stderr: "execution timed out"}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return Result{
				ReturnCode: exitErr.ExitCode(),
				Stdout:     stdout.String(),
				Stderr:     stderr.String(),
			}
		}
		return Result{ReturnCode: timeoutReturnCode, Stderr: waitErr.Error()}
	}

	return Result{ReturnCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}
}

func sendTermination(process *os.Process) error {
	if process == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}
	return process.Signal(syscall.SIGTERM)
}
