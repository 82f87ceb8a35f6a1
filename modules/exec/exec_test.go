package exec_test

import (
	"context"
	"testing"

	"github.com/gxo-labs/flowcore/internal/command"
	"github.com/gxo-labs/flowcore/internal/module"
	"github.com/gxo-labs/flowcore/modules/exec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	result *command.Result
	err    error
	gotCmd string
	gotArg []string
	calls  int
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, workingDir string, env []string) (*command.Result, error) {
	f.calls++
	f.gotCmd = name
	f.gotArg = args
	return f.result, f.err
}

func TestExec_Success(t *testing.T) {
	runner := &fakeRunner{result: &command.Result{Stdout: "hi\n", ExitCode: 0}}
	m := exec.NewExecModuleWithRunner(runner)

	out, err := m.Perform(context.Background(),
		map[string]interface{}{"command": "echo", "args": []interface{}{"hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", runner.gotCmd)
	assert.Equal(t, []string{"hi"}, runner.gotArg)
	assert.Equal(t, "hi\n", out.(map[string]interface{})["stdout"])
}

func TestExec_NonZeroExitIsFailure(t *testing.T) {
	runner := &fakeRunner{result: &command.Result{Stderr: "boom", ExitCode: 3}}
	m := exec.NewExecModuleWithRunner(runner)

	_, err := m.Perform(context.Background(), map[string]interface{}{"command": "false"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-zero status 3: boom")
}

func TestExec_ParamErrors(t *testing.T) {
	m := exec.NewExecModuleWithRunner(&fakeRunner{})
	_, err := m.Perform(context.Background(), map[string]interface{}{}, nil)
	assert.ErrorContains(t, err, "missing required parameter 'command'")

	_, err = m.Perform(context.Background(), map[string]interface{}{"command": "x", "shell": true}, nil)
	assert.ErrorContains(t, err, "unknown parameter 'shell'")
}

func TestExec_DryRun(t *testing.T) {
	runner := &fakeRunner{}
	m := exec.NewExecModuleWithRunner(runner)

	out, err := m.Perform(module.WithDryRun(context.Background()), map[string]interface{}{"command": "rm"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, runner.calls)
	assert.Equal(t, true, out.(map[string]interface{})["dry_run"])
}

func TestExec_RealCommand(t *testing.T) {
	m := exec.NewExecModule()
	out, err := m.Perform(context.Background(),
		map[string]interface{}{"command": "sh", "args": []interface{}{"-c", "printf ok"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.(map[string]interface{})["stdout"])
}
