package template_test

import (
	"context"
	"sync"
	"testing"

	"github.com/gxo-labs/flowcore/internal/secrets"
	"github.com/gxo-labs/flowcore/internal/template"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSecrets map[string]string

func (m mapSecrets) GetSecret(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Emit(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func TestGoRenderer_Render(t *testing.T) {
	r := template.NewGoRenderer(nil, nil, nil)
	data := map[string]interface{}{"params": map[string]interface{}{"name": "world"}}

	out, err := r.Render("hello {{ .params.name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	_, err = r.Render("{{ .params.missing.deeper }}", data)
	require.Error(t, err)
	assert.True(t, fcerrors.IsValidation(err))

	_, err = r.Render("{{ .params.name ", data)
	require.Error(t, err)
}

func TestGoRenderer_MissingKeyFailsOnEveryRender(t *testing.T) {
	root := template.NewGoRenderer(nil, nil, nil)
	data := map[string]interface{}{"params": map[string]interface{}{"name": "world"}}

	// The first render parses, later ones reuse the cached parse, including
	// from a renderer bound to another tracker.
	renderers := []*template.GoRenderer{root, root, root.WithTracker(secrets.NewSecretTracker())}
	for i, r := range renderers {
		out, err := r.Render("value={{ .params.missing }}", data)
		require.Error(t, err, "render %d returned %q", i, out)
		assert.True(t, fcerrors.IsValidation(err))
		assert.Contains(t, err.Error(), "missing")

		_, err = r.Resolve("{{ .params.missing }}", data)
		assert.Error(t, err, "resolve %d", i)

		out, err = r.Render("hello {{ .params.name }}", data)
		require.NoError(t, err)
		assert.Equal(t, "hello world", out)
	}
}

func TestGoRenderer_ResolveKeepsType(t *testing.T) {
	r := template.NewGoRenderer(nil, nil, nil)
	list := []interface{}{1, 2, 3}
	data := map[string]interface{}{"inputs": map[string]interface{}{"extract": list}}

	v, err := r.Resolve("{{ .inputs.extract }}", data)
	require.NoError(t, err)
	assert.Equal(t, list, v)

	v, err = r.Resolve("count: {{ len .inputs.extract }}", data)
	require.NoError(t, err)
	assert.Equal(t, "count: 3", v)
}

func TestGoRenderer_RenderParams(t *testing.T) {
	r := template.NewGoRenderer(nil, nil, nil)
	data := map[string]interface{}{
		"item":   "b",
		"index":  1,
		"params": map[string]interface{}{"prefix": "x-"},
	}
	params := map[string]interface{}{
		"literal": "no template here",
		"value":   "{{ .params.prefix }}{{ .item }}",
		"index":   "{{ .index }}",
		"nested":  map[string]interface{}{"list": []interface{}{"{{ .item }}", 7}},
	}

	out, err := r.RenderParams(params, data)
	require.NoError(t, err)
	assert.Equal(t, "no template here", out["literal"])
	assert.Equal(t, "x-b", out["value"])
	assert.Equal(t, 1, out["index"])
	assert.Equal(t, []interface{}{"b", 7}, out["nested"].(map[string]interface{})["list"])
	assert.Equal(t, "{{ .item }}", params["nested"].(map[string]interface{})["list"].([]interface{})[0])

	_, err = r.RenderParams(map[string]interface{}{"bad": "{{ .nope.x }}"}, data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parameter 'bad'")
}

func TestGoRenderer_ExtractVariables(t *testing.T) {
	r := template.NewGoRenderer(nil, nil, nil)

	vars, err := r.ExtractVariables(`{{ if .params.verbose }}{{ .inputs.extract }}{{ end }} {{ env "HOME" }}`)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"params.verbose", "inputs.extract"}, vars)

	vars, err = r.ExtractVariables("{{ broken")
	require.NoError(t, err)
	assert.Empty(t, vars)
}

func TestGoRenderer_SecretIsTrackedPerRenderer(t *testing.T) {
	bus := &recordingBus{}
	root := template.NewGoRenderer(mapSecrets{"db": "hunter2"}, bus, nil)
	tracker := secrets.NewSecretTracker()
	r := root.WithTracker(tracker)

	out, err := r.Render(`dsn=user:{{ secret "db" }}@host`, nil)
	require.NoError(t, err)
	assert.Equal(t, "dsn=user:hunter2@host", out)
	assert.True(t, tracker.IsTracked("hunter2"))

	redacted, changed := template.RedactTrackedSecrets(out, tracker)
	assert.True(t, changed)
	assert.Equal(t, "dsn=user:[REDACTED]@host", redacted)

	require.Len(t, bus.events, 1)
	assert.Equal(t, events.SecretAccessed, bus.events[0].Type)
	assert.Equal(t, "db", bus.events[0].Payload["secret_key"])

	other := secrets.NewSecretTracker()
	_, err = root.WithTracker(other).Render(`{{ secret "db" }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Len())

	_, err = r.Render(`{{ secret "missing" }}`, nil)
	require.Error(t, err)
}

func TestFuncMap_Helpers(t *testing.T) {
	r := template.NewGoRenderer(nil, nil, nil)
	data := map[string]interface{}{"list": []interface{}{"a", "b"}, "empty": ""}

	out, err := r.Render(`{{ join "," .list }}|{{ .empty | default "d" }}|{{ toJSON .list }}|{{ eq 1 1 }}`, data)
	require.NoError(t, err)
	assert.Equal(t, `a,b|d|["a","b"]|true`, out)
}
