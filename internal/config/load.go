package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersionConstraint is the schemaVersion major a v1 engine
// accepts.
const SupportedSchemaVersionConstraint = "v1"

// LoadPlan parses a YAML plan, checks it against the embedded JSON schema
// and the supported schema version, validates it logically and merges the
// plan defaults into every task.
func LoadPlan(planYAML []byte, filePathHint string) (*Plan, error) {
	if len(bytes.TrimSpace(planYAML)) == 0 {
		return nil, fcerrors.NewConfigError("plan content cannot be empty", nil)
	}

	if err := ValidateWithSchema(planYAML); err != nil {
		return nil, fcerrors.NewConfigError(fmt.Sprintf("plan '%s' failed schema validation", filePathHint), err)
	}

	var plan Plan
	if err := yamlUnmarshalStrict(planYAML, &plan); err != nil {
		return nil, fcerrors.NewConfigError(fmt.Sprintf("failed to parse plan YAML '%s'", filePathHint), err)
	}
	plan.FilePath = filePathHint

	if err := checkSchemaVersion(plan.SchemaVersion, filePathHint); err != nil {
		return nil, err
	}

	if validationErrs := ValidatePlanStructure(&plan); len(validationErrs) > 0 {
		problems := make([]string, 0, len(validationErrs))
		for _, vErr := range validationErrs {
			var ve *fcerrors.ValidationError
			if errors.As(vErr, &ve) && ve.Cause == nil {
				problems = append(problems, ve.Message)
			} else {
				problems = append(problems, vErr.Error())
			}
		}
		return nil, fcerrors.NewAggregateValidationError(fmt.Sprintf("plan '%s'", filePathHint), problems)
	}

	if err := ApplyDefaults(&plan); err != nil {
		return nil, fcerrors.NewConfigError(fmt.Sprintf("failed to apply defaults of plan '%s'", filePathHint), err)
	}
	return &plan, nil
}

// LoadPlanFromFile reads and loads a plan from disk.
func LoadPlanFromFile(filePath string) (*Plan, error) {
	data, absPath, err := readFile(filePath, "plan")
	if err != nil {
		return nil, err
	}
	return LoadPlan(data, absPath)
}

func checkSchemaVersion(version, filePathHint string) error {
	if version == "" {
		return fcerrors.NewValidationError(fmt.Sprintf("plan '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	sv := version
	if !strings.HasPrefix(sv, "v") {
		sv = "v" + sv
	}
	if !semver.IsValid(sv) {
		return fcerrors.NewValidationError(fmt.Sprintf("plan '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, version), nil)
	}
	if semver.Major(sv) != SupportedSchemaVersionConstraint {
		return fcerrors.NewValidationError(
			fmt.Sprintf("plan '%s' schemaVersion '%s' is not compatible with engine requirement '%s'",
				filePathHint, version, SupportedSchemaVersionConstraint),
			nil,
		)
	}
	return nil
}

// limitsFile is the layout of a concurrency limits file.
type limitsFile struct {
	Limits map[string]int `yaml:"limits"`
}

// LoadLimits parses a `limits: {tag: n}` document.
func LoadLimits(data []byte) (map[string]int, error) {
	var lf limitsFile
	if err := yamlUnmarshalStrict(data, &lf); err != nil {
		return nil, fcerrors.NewConfigError("failed to parse limits YAML", err)
	}
	var problems []string
	for tag, n := range lf.Limits {
		if strings.TrimSpace(tag) == "" {
			problems = append(problems, "tag names cannot be empty")
		}
		if n <= 0 {
			problems = append(problems, fmt.Sprintf("limit of tag '%s' must be positive, got %d", tag, n))
		}
	}
	if len(problems) > 0 {
		return nil, fcerrors.NewAggregateValidationError("limits file", problems)
	}
	if lf.Limits == nil {
		lf.Limits = map[string]int{}
	}
	return lf.Limits, nil
}

// LoadLimitsFromFile reads a limits file from disk.
func LoadLimitsFromFile(filePath string) (map[string]int, error) {
	data, _, err := readFile(filePath, "limits")
	if err != nil {
		return nil, err
	}
	return LoadLimits(data)
}

func readFile(filePath, kind string) ([]byte, string, error) {
	if filePath == "" {
		return nil, "", fcerrors.NewConfigError(fmt.Sprintf("%s file path cannot be empty", kind), nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, "", fcerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, "", fcerrors.NewConfigError(fmt.Sprintf("failed to read %s file '%s'", kind, absPath), err)
	}
	return data, absPath, nil
}

// yamlUnmarshalStrict rejects fields the target struct does not declare.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(in))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
