package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/shlex"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/dispatch"
	"github.com/hostbridge/hostbridge/pkg/workspace"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxOutputBytes      = 100_000
)

// ShellTools executes commands inside the workspace. Commands are split
// with shlex and executed directly, never through a shell, so metacharacters
// reach the child as literal arguments.
type ShellTools struct {
	ws     *workspace.Resolver
	logger *slog.Logger
}

// NewShellTools returns the shell tool set.
func NewShellTools(ws *workspace.Resolver, logger *slog.Logger) *ShellTools {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellTools{ws: ws, logger: logger}
}

// Register adds execute under the shell category.
func (t *ShellTools) Register(reg *dispatch.Registry) {
	reg.Register("shell", "execute", dispatch.ToolFunc(t.Execute))
}

// Execute runs one command with a timeout and truncated output capture.
func (t *ShellTools) Execute(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	command, err := requiredString(params, "command")
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidParam, "Command cannot be empty")
	}

	parts, err := shlex.Split(command)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidParam, "Invalid command syntax: %v", err)
	}
	if len(parts) == 0 {
		return nil, apperr.New(apperr.KindInvalidParam, "Command cannot be empty")
	}

	workingDir := t.ws.BaseDir()
	if override := overrideRoot(params, call); override != "" {
		workingDir, err = t.ws.Resolve(".", override)
		if err != nil {
			return nil, err
		}
	}
	info, err := os.Stat(workingDir)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidParam, "Working directory does not exist: %s", workingDir)
	}
	if !info.IsDir() {
		return nil, apperr.New(apperr.KindInvalidParam, "Working directory is not a directory: %s", workingDir)
	}

	timeout := time.Duration(intParam(params, "timeout", 0)) * time.Second
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}

	env := os.Environ()
	for k, v := range stringMapParam(params, "env") {
		env = append(env, k+"="+v)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, parts[0], parts[1:]...)
	cmd.Dir = workingDir
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	durationMS := time.Since(start).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, apperr.New(apperr.KindTimeout,
			"Command timed out after %d seconds. Consider increasing the timeout parameter.",
			int(timeout.Seconds()))
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(runErr, exec.ErrNotFound):
			return nil, apperr.New(apperr.KindInvalidParam,
				"Command not found: '%s'. Make sure the command is installed and available in PATH.",
				parts[0])
		case errors.Is(runErr, os.ErrPermission):
			return nil, apperr.New(apperr.KindSecurity,
				"Permission denied executing command: '%s'", parts[0])
		default:
			return nil, apperr.New(apperr.KindInvalidParam,
				"Failed to execute command: %v", runErr)
		}
	}

	t.logger.Info("shell_executed",
		"command", command,
		"exit_code", exitCode,
		"duration_ms", durationMS,
		"working_dir", workingDir)

	return map[string]any{
		"stdout":            truncateOutput(stdout.String()),
		"stderr":            truncateOutput(stderr.String()),
		"exit_code":         exitCode,
		"duration_ms":       durationMS,
		"command":           command,
		"working_directory": workingDir,
	}, nil
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + fmt.Sprintf("\n\n[Output truncated: %d bytes total]", len(s))
}
