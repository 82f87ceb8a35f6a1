package exec

import (
	"context"
	"fmt"
	"strings"

	"github.com/gxo-labs/flowcore/internal/command"
	"github.com/gxo-labs/flowcore/internal/logger"
	"github.com/gxo-labs/flowcore/internal/module"
	"github.com/gxo-labs/flowcore/internal/paramutil"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/plugin"
)

func init() {
	module.Register("exec", NewExecModule)
}

// ExecModule runs a local command. A non-zero exit status is a task failure
// and therefore retried under the task's retry policy.
//
// Params: command (required), args, working_dir, environment ("K=V" list).
// The value is a map with stdout, stderr and exit_code.
type ExecModule struct {
	runner command.Runner
}

// NewExecModule is the registered factory.
func NewExecModule() plugin.Module {
	return &ExecModule{runner: command.NewRunner()}
}

// NewExecModuleWithRunner creates the module around a custom runner.
func NewExecModuleWithRunner(r command.Runner) plugin.Module {
	return &ExecModule{runner: r}
}

func (m *ExecModule) Perform(ctx context.Context, params map[string]interface{}, inputs map[string]interface{}) (interface{}, error) {
	if err := paramutil.CheckAllowed(params, []string{"command", "args", "working_dir", "environment"}); err != nil {
		return nil, err
	}
	cmd, err := paramutil.GetRequiredString(params, "command")
	if err != nil {
		return nil, err
	}
	args, _, err := paramutil.GetOptionalStringSlice(params, "args")
	if err != nil {
		return nil, err
	}
	workingDir, _, err := paramutil.GetOptionalString(params, "working_dir")
	if err != nil {
		return nil, err
	}
	environment, _, err := paramutil.GetOptionalStringSlice(params, "environment")
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	if module.IsDryRun(ctx) {
		log.Infof("Dry run: would execute '%s %s'", cmd, strings.Join(args, " "))
		return map[string]interface{}{
			"dry_run":   true,
			"command":   cmd,
			"args":      args,
			"stdout":    "",
			"stderr":    "",
			"exit_code": 0,
		}, nil
	}

	log.Debugf("Executing command '%s' with %d argument(s)", cmd, len(args))
	result, runErr := m.runner.Run(ctx, cmd, args, workingDir, environment)
	if runErr != nil {
		return nil, fmt.Errorf("failed to execute command '%s': %w", cmd, runErr)
	}
	summary := map[string]interface{}{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("command '%s' exited with non-zero status %d: %s",
			cmd, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return summary, nil
}
