package template

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"
	"text/template"
	"time"

	"github.com/gxo-labs/flowcore/internal/secrets"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	pkgsecrets "github.com/gxo-labs/flowcore/pkg/flowcore/v1/secrets"
)

const secretLookupTimeout = 10 * time.Second

// GetFuncMap returns the functions available to plan templates. Secrets
// resolved through it are added to tracker so the node's result can be
// scrubbed before it is stored.
func GetFuncMap(secretsProvider pkgsecrets.Provider, bus events.Bus, tracker *secrets.SecretTracker) template.FuncMap {
	fm := template.FuncMap{
		"env": os.Getenv,
		"eq": func(a, b interface{}) bool {
			return reflect.DeepEqual(a, b)
		},
		"default": funcDefault,
		"join":    funcJoin,
		"toJSON":  funcToJSON,
	}
	if secretsProvider != nil {
		fm["secret"] = createSecretFunc(secretsProvider, bus, tracker)
	}
	return fm
}

// funcDefault is used as `{{ .params.x | default "y" }}`.
func funcDefault(fallback, value interface{}) interface{} {
	if value == nil {
		return fallback
	}
	if s, ok := value.(string); ok && s == "" {
		return fallback
	}
	return value
}

func funcJoin(sep string, items interface{}) (string, error) {
	rv := reflect.ValueOf(items)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return "", fmt.Errorf("join expects a list, got %T", items)
	}
	parts := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		parts[i] = fmt.Sprint(rv.Index(i).Interface())
	}
	return strings.Join(parts, sep), nil
}

func funcToJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func createSecretFunc(provider pkgsecrets.Provider, bus events.Bus, tracker *secrets.SecretTracker) func(string) (string, error) {
	return func(key string) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), secretLookupTimeout)
		defer cancel()

		value, found, err := provider.GetSecret(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to retrieve secret '%s': %w", key, err)
		}
		if !found {
			return "", fmt.Errorf("secret '%s' not found", key)
		}

		if bus != nil {
			bus.Emit(events.Event{
				Type:      events.SecretAccessed,
				Timestamp: time.Now(),
				Payload:   map[string]interface{}{"secret_key": key},
			})
		}
		if tracker != nil {
			tracker.Add(value)
		}
		return value, nil
	}
}
