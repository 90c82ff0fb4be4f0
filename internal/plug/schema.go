// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package plug

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jsoniter "github.com/json-iterator/go"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SchemaID is the $id of the manifest schema.
const SchemaID = "https://plugos.dev/schemas/plug.schema.json"

var (
	schemaMu    sync.Mutex
	schemaCache *jschema.Schema
)

// JSONSchema describes FunctionDef: a handler name plus free-form hook
// metadata.
func (FunctionDef) JSONSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("handler", &jsonschema.Schema{
		Type:        "string",
		Description: "Lua function implementing this function; defaults to the function name",
	})
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		AdditionalProperties: jsonschema.TrueSchema,
	}
}

// GenerateSchema generates a JSON Schema from the Manifest struct.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		FieldNameTag:   "yaml",
	}
	schema := r.Reflect(&Manifest{})

	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "PlugOS Plug Manifest"
	schema.Description = "Schema for plug.yaml manifest files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// ValidateSchema validates YAML data against the manifest JSON Schema.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("manifest data is empty")
	}

	var yamlData any
	if err := yaml.Unmarshal(data, &yamlData); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	// Round-trip through JSON so numbers and keys match what the validator
	// expects from a JSON document.
	raw, err := json.Marshal(convertToJSONTypes(yamlData))
	if err != nil {
		return fmt.Errorf("manifest cannot be represented as JSON: %w", err)
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("manifest cannot be represented as JSON: %w", err)
	}

	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func compiledSchema() (*jschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	if schemaCache != nil {
		return schemaCache, nil
	}

	schemaBytes, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	schemaData, err := jschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema JSON: %w", err)
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("plug.schema.json", schemaData); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := c.Compile("plug.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	schemaCache = sch
	return sch, nil
}

// convertToJSONTypes stringifies non-string map keys, which YAML allows and
// JSON does not.
func convertToJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			result[k] = convertToJSONTypes(item)
		}
		return result
	case map[any]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			result[fmt.Sprint(k)] = convertToJSONTypes(item)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = convertToJSONTypes(item)
		}
		return result
	default:
		return val
	}
}

// SchemaProblems flattens a ValidateSchema error into one message per
// violation.
func SchemaProblems(err error) []string {
	if err == nil {
		return nil
	}
	var verr *jschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}

	var problems []string
	for _, line := range strings.Split(verr.Error(), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		problems = append(problems, "schema: "+strings.TrimPrefix(line, "- "))
	}
	if len(problems) == 0 {
		problems = append(problems, "schema: "+verr.Error())
	}
	return problems
}
