package config

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed flowcore_plan_schema_v1.json
var schemaV1Bytes []byte

var (
	schemaV1   *gojsonschema.Schema
	schemaOnce sync.Once
	schemaErr  error
)

// loadSchema compiles the embedded plan schema once.
func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemaV1Bytes) == 0 {
			schemaErr = fcerrors.NewConfigError("embedded schema 'flowcore_plan_schema_v1.json' is empty", nil)
			return
		}
		schemaV1, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaV1Bytes))
		if schemaErr != nil {
			schemaErr = fcerrors.NewConfigError("failed to compile embedded schema 'flowcore_plan_schema_v1.json'", schemaErr)
		}
	})
	return schemaV1, schemaErr
}

// ValidateWithSchema checks a YAML plan document against the embedded v1
// plan schema.
func ValidateWithSchema(documentYAML []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	// gojsonschema wants JSON-like values, so decode the YAML generically first.
	var doc interface{}
	if err := yaml.Unmarshal(documentYAML, &doc); err != nil {
		return fcerrors.NewConfigError("failed to parse plan YAML for schema validation", err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fcerrors.NewConfigError("schema validation process failed", err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" || field == "" {
			field = desc.Context().String()
		}
		problems = append(problems, fmt.Sprintf("field '%s': %s", field, desc.Description()))
	}
	sort.Strings(problems)
	return fcerrors.NewAggregateValidationError("plan schema", problems)
}
