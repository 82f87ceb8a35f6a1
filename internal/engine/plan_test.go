package engine_test

import (
	"errors"
	"sort"
	"testing"

	"github.com/gxo-labs/flowcore/internal/config"
	"github.com/gxo-labs/flowcore/internal/secrets"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	fcstate "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mapPlan = `
schemaVersion: "v1.0.0"
name: map_plan
parameters:
  values:
    prefix: item
concurrency_limits:
  api: 2
tasks:
  - name: items
    type: "generate:from_list"
    params:
      items: [1, 2, 3]
  - name: label
    type: record
    map: items
    tags: [api]
    params:
      value: "{{ .params.prefix }}-{{ .item }}-{{ .index }}"
  - name: summary
    type: record
    params:
      labels: "{{ .inputs.label }}"
`

func TestRunPlan_MapsAndCollectsInputs(t *testing.T) {
	env := setupTestEngine(t)

	report, err := env.engine.RunPlan(testContext(t), []byte(mapPlan), nil)
	require.NoError(t, err)
	assert.Equal(t, string(fcstate.Completed), report.State)
	assert.Equal(t, "map_plan", report.FlowName)
	assert.Len(t, nodesOf(report, "label"), 3)
	assert.Equal(t, 2, env.engine.Limiter().Limit("api"), "plan limits are applied to the engine")
	assert.Equal(t, 0, env.engine.Limiter().Held("api"))

	var labels []string
	for _, p := range env.recorder.params("label") {
		labels = append(labels, p["value"].(string))
	}
	sort.Strings(labels)
	assert.Equal(t, []string{"item-1-0", "item-2-1", "item-3-2"}, labels)

	summary := env.recorder.params("summary")
	require.Len(t, summary, 1)
	collected, ok := summary[0]["labels"].([]interface{})
	require.True(t, ok, "a whole-value template keeps the input's type")
	require.Len(t, collected, 3)
	assert.Equal(t, map[string]interface{}{"value": "item-1-0"}, collected[0])
}

func TestRunPlan_ParamOverrides(t *testing.T) {
	env := setupTestEngine(t)

	_, err := env.engine.RunPlan(testContext(t), []byte(mapPlan), map[string]interface{}{"prefix": "row"})
	require.NoError(t, err)
	var labels []string
	for _, p := range env.recorder.params("label") {
		labels = append(labels, p["value"].(string))
	}
	sort.Strings(labels)
	assert.Equal(t, []string{"row-1-0", "row-2-1", "row-3-2"}, labels)
}

func TestRunPlan_FailureIsolationAndAllowFailure(t *testing.T) {
	env := setupTestEngine(t)
	plan := `
schemaVersion: "v1.0.0"
name: cleanup_plan
tasks:
  - name: work
    type: mock
    params:
      fail_message: "quota exceeded"
  - name: after_work
    type: record
    wait_for: [work]
  - name: cleanup
    type: record
    allow_failure: [work]
    params:
      note: done
`
	report, err := env.engine.RunPlan(testContext(t), []byte(plan), nil)
	require.Error(t, err)
	assert.Equal(t, string(fcstate.Failed), report.State)
	assert.Equal(t, string(fcstate.Failed), nodesOf(report, "work")[0].State)
	assert.Equal(t, string(fcstate.NotReady), nodesOf(report, "after_work")[0].State)
	assert.Equal(t, string(fcstate.Completed), nodesOf(report, "cleanup")[0].State)
	assert.Contains(t, report.Error, "quota exceeded")
}

func TestRunPlan_MissingTemplateKeyFailsTask(t *testing.T) {
	env := setupTestEngine(t)
	plan := `
schemaVersion: "v1.0.0"
name: missing_key
parameters:
  values:
    region: eu
tasks:
  - name: first
    type: record
    params:
      target: "{{ .params.regoin }}"
  - name: second
    type: record
    params:
      target: "{{ .params.regoin }}"
`
	report, err := env.engine.RunPlan(testContext(t), []byte(plan), nil)
	require.Error(t, err)
	assert.Equal(t, string(fcstate.Failed), report.State)
	for _, task := range []string{"first", "second"} {
		nodes := nodesOf(report, task)
		require.Len(t, nodes, 1)
		assert.Equal(t, string(fcstate.Failed), nodes[0].State, task)
		assert.Contains(t, nodes[0].Error, "regoin", task)
		assert.Empty(t, env.recorder.params(task), "module of %s must not run", task)
	}
}

func TestRunPlan_MapOverFailedSource(t *testing.T) {
	env := setupTestEngine(t)
	plan := `
schemaVersion: "v1.0.0"
name: failed_source
tasks:
  - name: items
    type: mock
    params:
      fail_message: "no items"
  - name: each
    type: record
    map: items
`
	report, err := env.engine.RunPlan(testContext(t), []byte(plan), nil)
	require.Error(t, err)
	nodes := nodesOf(report, "each")
	require.Len(t, nodes, 1)
	assert.Equal(t, string(fcstate.NotReady), nodes[0].State)
	assert.Empty(t, env.recorder.params("each"))
}

func TestRunPlan_SecretsAreRedacted(t *testing.T) {
	env := setupTestEngine(t)
	env.secrets.values["db_password"] = "s3cr3t-value"
	plan := `
schemaVersion: "v1.0.0"
name: secret_plan
tasks:
  - name: connect
    type: record
    params:
      dsn: "postgres://app:{{ secret \"db_password\" }}@db/app"
  - name: consume
    type: record
    params:
      upstream: "{{ .inputs.connect.dsn }}"
  - name: leak
    type: mock
    params:
      fail_message: "login failed with {{ secret \"db_password\" }}"
`
	report, err := env.engine.RunPlan(testContext(t), []byte(plan), nil)
	require.Error(t, err)

	connect := env.recorder.params("connect")
	require.Len(t, connect, 1)
	assert.Equal(t, "postgres://app:s3cr3t-value@db/app", connect[0]["dsn"], "the module sees the real value")

	consume := env.recorder.params("consume")
	require.Len(t, consume, 1)
	assert.Equal(t, "postgres://app:"+secrets.RedactedPlaceholder+"@db/app", consume[0]["upstream"])

	leak := nodesOf(report, "leak")
	require.Len(t, leak, 1)
	assert.NotContains(t, leak[0].Error, "s3cr3t-value")
	assert.Contains(t, leak[0].Error, secrets.RedactedPlaceholder)
	assert.NotContains(t, report.Error, "s3cr3t-value")
}

func TestRunPlan_CompileErrors(t *testing.T) {
	testCases := []struct {
		name     string
		plan     string
		contains string
		isConfig bool
	}{
		{
			name: "cycle",
			plan: `
schemaVersion: "v1.0.0"
name: cyclic
tasks:
  - {name: a, type: mock, wait_for: [b]}
  - {name: b, type: mock, wait_for: [a]}
`,
			contains: "cycle detected",
			isConfig: true,
		},
		{
			name: "unknown module",
			plan: `
schemaVersion: "v1.0.0"
name: unknown
tasks:
  - {name: a, type: "does:not_exist"}
`,
			contains: "does:not_exist",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupTestEngine(t)
			report, err := env.engine.RunPlan(testContext(t), []byte(tc.plan), nil)
			require.Error(t, err)
			assert.Nil(t, report)
			assert.Contains(t, err.Error(), tc.contains)
			if tc.isConfig {
				var ce *fcerrors.ConfigError
				assert.True(t, errors.As(err, &ce))
			} else {
				var ve *fcerrors.ValidationError
				assert.True(t, errors.As(err, &ve))
			}
		})
	}
}

func TestCompilePlan_Options(t *testing.T) {
	env := setupTestEngine(t)
	plan, err := config.LoadPlan([]byte(`
schemaVersion: "v1.0.0"
name: sequential_plan
version: "1.4.0"
mode: sequential
timeout: 1m
tasks:
  - {name: only, type: mock}
`), "inline")
	require.NoError(t, err)

	def, err := env.engine.CompilePlan(plan)
	require.NoError(t, err)
	assert.Equal(t, "sequential_plan@1.4.0", def.Identity())
	assert.Equal(t, "sequential", string(def.Mode()))
	assert.Equal(t, "1m0s", def.Timeout().String())

	report, err := env.engine.RunLoadedPlan(testContext(t), plan, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalNodes)
}
