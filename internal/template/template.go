// Package template renders the string parameters of plan tasks. A parameter
// that is exactly one field reference keeps the referenced value's type;
// anything else renders to a string.
package template

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"

	"github.com/gxo-labs/flowcore/internal/secrets"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	fcsecrets "github.com/gxo-labs/flowcore/pkg/flowcore/v1/secrets"
)

const missingKeyOption = "missingkey=error"

var simpleVarRegex = regexp.MustCompile(`^\s*\{\{\s*\.([a-zA-Z0-9_.]+)\s*\}\}\s*$`)

// Renderer renders plan parameter templates.
type Renderer interface {
	Render(templateString string, data interface{}) (string, error)
	Resolve(templateString string, data interface{}) (interface{}, error)
	ExtractVariables(templateString string) ([]string, error)
}

// parseCache is shared by every renderer derived from the same root.
type parseCache struct {
	mu        sync.Mutex
	templates map[string]*template.Template
	vars      map[string][]string
}

// GoRenderer implements Renderer with text/template. It is safe for
// concurrent use.
type GoRenderer struct {
	secretsProvider fcsecrets.Provider
	eventBus        events.Bus
	tracker         *secrets.SecretTracker
	cache           *parseCache
}

// NewGoRenderer creates a renderer. tracker may be nil when resolved secrets
// need not be scrubbed from results.
func NewGoRenderer(provider fcsecrets.Provider, bus events.Bus, tracker *secrets.SecretTracker) *GoRenderer {
	return &GoRenderer{
		secretsProvider: provider,
		eventBus:        bus,
		tracker:         tracker,
		cache: &parseCache{
			templates: make(map[string]*template.Template),
			vars:      make(map[string][]string),
		},
	}
}

// WithTracker returns a renderer sharing r's parse cache whose secret
// function records into tracker. Each node gets its own.
func (r *GoRenderer) WithTracker(tracker *secrets.SecretTracker) *GoRenderer {
	return &GoRenderer{
		secretsProvider: r.secretsProvider,
		eventBus:        r.eventBus,
		tracker:         tracker,
		cache:           r.cache,
	}
}

func (r *GoRenderer) funcMap() template.FuncMap {
	return GetFuncMap(r.secretsProvider, r.eventBus, r.tracker)
}

// Render executes templateString against data.
func (r *GoRenderer) Render(templateString string, data interface{}) (string, error) {
	t, err := r.getOrParseTemplate(templateString)
	if err != nil {
		return "", fcerrors.NewValidationError("template parse error", err)
	}
	var buf bytes.Buffer
	if execErr := t.Execute(&buf, data); execErr != nil {
		return "", fcerrors.NewValidationError("template execution error", execErr)
	}
	return buf.String(), nil
}

// Resolve returns the referenced value itself for a lone `{{ .a.b }}`
// reference and falls back to Render otherwise.
func (r *GoRenderer) Resolve(templateString string, data interface{}) (interface{}, error) {
	if matches := simpleVarRegex.FindStringSubmatch(templateString); len(matches) == 2 {
		if mapData, ok := data.(map[string]interface{}); ok {
			if value, found := lookup(mapData, matches[1]); found {
				return value, nil
			}
		}
	}
	return r.Render(templateString, data)
}

// RenderParams resolves every template string in params, descending into
// nested maps and lists. params is not modified.
func (r *GoRenderer) RenderParams(params map[string]interface{}, data map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for key, value := range params {
		rendered, err := r.renderValue(value, data)
		if err != nil {
			return nil, fmt.Errorf("parameter '%s': %w", key, err)
		}
		out[key] = rendered
	}
	return out, nil
}

func (r *GoRenderer) renderValue(value interface{}, data map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !IsTemplate(v) {
			return v, nil
		}
		return r.Resolve(v, data)
	case map[string]interface{}:
		return r.RenderParams(v, data)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := r.renderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// IsTemplate reports whether s contains an action.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{") && strings.Contains(s, "}}")
}

// CheckSyntax parses templateString with every template function declared,
// without rendering it.
func CheckSyntax(templateString string) error {
	_, err := template.New("check").Funcs(declaredFuncs(GetFuncMap(nil, nil, nil))).Parse(templateString)
	return err
}

// declaredFuncs adds a stand-in secret function so templates using it parse
// without a provider.
func declaredFuncs(funcs template.FuncMap) template.FuncMap {
	if _, ok := funcs["secret"]; !ok {
		funcs["secret"] = func(string) (string, error) { return "", nil }
	}
	return funcs
}

// ExtractVariables lists the dotted field paths templateString references,
// e.g. "inputs.extract" for `{{ .inputs.extract }}`. Unparsable templates
// yield no variables; rendering reports their error.
func (r *GoRenderer) ExtractVariables(templateString string) ([]string, error) {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()

	if cached, exists := r.cache.vars[templateString]; exists {
		return cached, nil
	}
	funcs := declaredFuncs(r.funcMap())
	t, parseErr := template.New("extract").Option(missingKeyOption).Funcs(funcs).Parse(templateString)
	if parseErr != nil {
		return nil, nil
	}
	found := make(map[string]struct{})
	if t.Root != nil {
		extractNodeVariablesRecursive(t.Root, found, funcs)
	}
	variables := make([]string, 0, len(found))
	for v := range found {
		variables = append(variables, v)
	}
	r.cache.vars[templateString] = variables
	return variables, nil
}

// getOrParseTemplate returns the freshly parsed template on first use and a
// clone of the cached one afterwards. Clones lose the template's options, so
// missingkey=error is applied again, and the function map is rebound so the
// secret function records into this renderer's tracker.
func (r *GoRenderer) getOrParseTemplate(templateString string) (*template.Template, error) {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()

	funcs := r.funcMap()
	if cached, exists := r.cache.templates[templateString]; exists {
		cloned, err := cached.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone cached template: %w", err)
		}
		return cloned.Option(missingKeyOption).Funcs(funcs), nil
	}
	t, err := template.New("param").Option(missingKeyOption).Funcs(funcs).Parse(templateString)
	if err != nil {
		return nil, err
	}
	r.cache.templates[templateString] = t
	return t, nil
}

func lookup(data map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		currentMap, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if current, ok = currentMap[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

func fieldPath(node parse.Node, funcMap template.FuncMap) string {
	switch n := node.(type) {
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			if _, isFunc := funcMap[n.Ident[0]]; !isFunc {
				return strings.Join(n.Ident, ".")
			}
		}
	case *parse.ChainNode:
		return fieldPath(n.Node, funcMap)
	}
	return ""
}

func extractNodeVariablesRecursive(node parse.Node, vars map[string]struct{}, funcMap template.FuncMap) {
	if node == nil {
		return
	}
	if path := fieldPath(node, funcMap); path != "" {
		vars[path] = struct{}{}
	}

	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, sub := range n.Nodes {
			extractNodeVariablesRecursive(sub, vars, funcMap)
		}
	case *parse.ActionNode:
		if n.Pipe != nil {
			extractNodeVariablesRecursive(n.Pipe, vars, funcMap)
		}
	case *parse.IfNode:
		extractBranch(&n.BranchNode, vars, funcMap)
	case *parse.RangeNode:
		extractBranch(&n.BranchNode, vars, funcMap)
	case *parse.WithNode:
		extractBranch(&n.BranchNode, vars, funcMap)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			for _, arg := range cmd.Args {
				extractNodeVariablesRecursive(arg, vars, funcMap)
			}
		}
	}
}

func extractBranch(b *parse.BranchNode, vars map[string]struct{}, funcMap template.FuncMap) {
	if b.Pipe != nil {
		extractNodeVariablesRecursive(b.Pipe, vars, funcMap)
	}
	if b.List != nil {
		extractNodeVariablesRecursive(b.List, vars, funcMap)
	}
	if b.ElseList != nil {
		extractNodeVariablesRecursive(b.ElseList, vars, funcMap)
	}
}
