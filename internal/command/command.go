package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// Result is the outcome of one external command.
type Result struct {
	Stdout string
	Stderr string
	// ExitCode is -1 when the command could not be started or was killed
	// by cancellation.
	ExitCode int
}

// Runner runs external commands.
type Runner interface {
	// Run returns an error only when the command could not run to
	// completion. A non-zero exit is reported through Result.ExitCode.
	Run(ctx context.Context, name string, args []string, workingDir string, env []string) (*Result, error)
}

type defaultRunner struct{}

// NewRunner returns the os/exec backed Runner.
func NewRunner() Runner {
	return &defaultRunner{}
}

func (r *defaultRunner) Run(ctx context.Context, name string, args []string, workingDir string, env []string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Dir = workingDir
	if len(env) > 0 {
		// Extra variables are added on top of the inherited environment.
		cmd.Env = append(os.Environ(), env...)
	}

	err := cmd.Run()
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}
	if err == nil {
		result.ExitCode = 0
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, err
}
