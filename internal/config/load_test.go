package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gxo-labs/flowcore/internal/config"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPlan = `
schemaVersion: "v1.0.0"
name: etl
mode: parallel
workers: 4
timeout: 5m
parameters:
  schema:
    type: object
    properties:
      region: {type: string, default: eu}
  values:
    region: us
concurrency_limits:
  db: 3
defaults:
  retry: {max_attempts: 2, delay: 1s}
  tags: [db]
  timeout: 30s
tasks:
  - name: extract
    type: "generate:from_list"
    params:
      items: [1, 2, 3]
  - name: add
    type: passthrough
    map: extract
    params:
      value: "{{ .item }}"
      region: "{{ .params.region }}"
    retry: {max_attempts: 3}
  - name: report
    type: passthrough
    params:
      total: "{{ .inputs.add }}"
    allow_failure: [add]
    timeout: 10s
`

func TestLoadPlan_Valid(t *testing.T) {
	plan, err := config.LoadPlan([]byte(validPlan), "etl.yaml")
	require.NoError(t, err)

	assert.Equal(t, "etl", plan.Name)
	assert.Equal(t, "etl.yaml", plan.FilePath)
	assert.Equal(t, 5*time.Minute, plan.GetTimeout())
	assert.Equal(t, map[string]int{"db": 3}, plan.ConcurrencyLimits)
	require.Len(t, plan.Tasks, 3)

	add := plan.Tasks[1]
	policy := add.GetRetryPolicy()
	assert.Equal(t, 3, policy.MaxAttempts, "task value wins over defaults")
	assert.Equal(t, time.Second, policy.Delay, "missing field is merged from defaults")
	assert.Equal(t, []string{"db"}, add.Tags)
	assert.Equal(t, 30*time.Second, add.GetTimeout())

	report := plan.Tasks[2]
	assert.Equal(t, 10*time.Second, report.GetTimeout())
	assert.Equal(t, []string{"add"}, report.Dependencies())
	assert.Equal(t, []string{"add"}, config.TemplateInputs(&report))
}

func TestLoadPlan_DefaultsDoNotAlias(t *testing.T) {
	plan, err := config.LoadPlan([]byte(validPlan), "etl.yaml")
	require.NoError(t, err)

	plan.Tasks[0].Tags[0] = "changed"
	plan.Tasks[0].Retry.Delay = "9s"
	assert.Equal(t, "db", plan.Tasks[2].Tags[0])
	assert.Equal(t, "1s", plan.Tasks[2].Retry.Delay)
}

func TestLoadPlan_ParameterValues(t *testing.T) {
	plan, err := config.LoadPlan([]byte(validPlan), "etl.yaml")
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"region": "us"}, plan.ParameterValues(nil))
	assert.Equal(t, map[string]interface{}{"region": "ap"}, plan.ParameterValues(map[string]interface{}{"region": "ap"}))
	assert.NotNil(t, plan.ParameterSchema())
}

func TestLoadPlan_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "empty",
			yaml:    "   ",
			wantMsg: "plan content cannot be empty",
		},
		{
			name:    "schema violation",
			yaml:    "schemaVersion: v1.0.0\nname: x\ntasks:\n  - name: a\n    type: passthrough\n    bogus: 1\n",
			wantMsg: "failed schema validation",
		},
		{
			name:    "incompatible major",
			yaml:    "schemaVersion: v2.0.0\nname: x\ntasks:\n  - name: a\n    type: passthrough\n",
			wantMsg: "not compatible with engine requirement 'v1'",
		},
		{
			name:    "invalid version",
			yaml:    "schemaVersion: banana\nname: x\ntasks:\n  - name: a\n    type: passthrough\n",
			wantMsg: "invalid 'schemaVersion' format",
		},
		{
			name:    "unknown reference",
			yaml:    "schemaVersion: v1.0.0\nname: x\ntasks:\n  - name: a\n    type: passthrough\n    wait_for: [ghost]\n",
			wantMsg: "wait_for references unknown task 'ghost'",
		},
		{
			name:    "self reference",
			yaml:    "schemaVersion: v1.0.0\nname: x\ntasks:\n  - name: a\n    type: passthrough\n    inputs: [a]\n",
			wantMsg: "inputs cannot reference the task itself",
		},
		{
			name:    "duplicate names",
			yaml:    "schemaVersion: v1.0.0\nname: x\ntasks:\n  - name: a\n    type: passthrough\n  - name: a\n    type: passthrough\n",
			wantMsg: "duplicate task name",
		},
		{
			name:    "unknown template input",
			yaml:    "schemaVersion: v1.0.0\nname: x\ntasks:\n  - name: a\n    type: passthrough\n    params:\n      v: \"{{ .inputs.ghost }}\"\n",
			wantMsg: "template references unknown task '.inputs.ghost'",
		},
		{
			name:    "broken template",
			yaml:    "schemaVersion: v1.0.0\nname: x\ntasks:\n  - name: a\n    type: passthrough\n    params:\n      v: \"{{ if .params.x }}\"\n",
			wantMsg: "invalid template syntax",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadPlan([]byte(tt.yaml), "test.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadPlan_AggregatesProblems(t *testing.T) {
	yaml := `
schemaVersion: v1.0.0
name: x
tasks:
  - name: a
    type: passthrough
    wait_for: [ghost]
    allow_failure: [phantom]
`
	_, err := config.LoadPlan([]byte(yaml), "x.yaml")
	require.Error(t, err)
	var ve *fcerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Problems, 2)
	assert.Contains(t, ve.Error(), "has 2 validation error(s)")
}

func TestLoadPlanFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validPlan), 0o600))

	plan, err := config.LoadPlanFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, plan.FilePath)

	_, err = config.LoadPlanFromFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	var ce *fcerrors.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestLoadLimits(t *testing.T) {
	limits, err := config.LoadLimits([]byte("limits:\n  db: 3\n  api: 10\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"db": 3, "api": 10}, limits)

	_, err = config.LoadLimits([]byte("limits:\n  db: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")

	_, err = config.LoadLimits([]byte("limitz:\n  db: 1\n"))
	require.Error(t, err)
}
