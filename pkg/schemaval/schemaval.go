// Package schemaval wraps a JSON-Schema engine behind the single predicate
// the orchestrators need. Each call compiles the schema fresh: compiled
// schemas are never shared between calls, so validating against one schema
// can never be influenced by another.
package schemaval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validate checks data against schema. A nil or empty schema means "no
// constraint" and is always valid. Error strings are "<path> <message>"
// pairs in schema traversal order, deterministic for identical inputs.
func Validate(schema map[string]any, data any) Result {
	if len(schema) == 0 {
		return Result{Valid: true}
	}

	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return Result{Valid: false, Errors: []string{"/ schema is not serializable: " + err.Error()}}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaBytes)); err != nil {
		return Result{Valid: false, Errors: []string{"/ invalid schema: " + err.Error()}}
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return Result{Valid: false, Errors: []string{"/ invalid schema: " + err.Error()}}
	}

	// Round-trip the instance through JSON so engine-visible types are always
	// the ones encoding/json produces, whatever the caller decoded with.
	normalized, err := normalize(data)
	if err != nil {
		return Result{Valid: false, Errors: []string{"/ data is not serializable: " + err.Error()}}
	}

	if err := compiled.Validate(normalized); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return Result{Valid: false, Errors: flatten(ve)}
		}
		return Result{Valid: false, Errors: []string{"/ " + err.Error()}}
	}
	return Result{Valid: true}
}

func normalize(data any) (any, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(ve *jsonschema.ValidationError) []string {
	basic := ve.BasicOutput()
	out := make([]string, 0, len(basic.Errors))
	for _, e := range basic.Errors {
		// Aggregation nodes only restate which subschema failed.
		if e.KeywordLocation == "" || isAggregate(e.Error) {
			continue
		}
		path := e.InstanceLocation
		if path == "" {
			path = "/"
		}
		out = append(out, fmt.Sprintf("%s %s", path, e.Error))
	}
	if len(out) == 0 {
		path := "/" // root-level failure with no leaf detail
		out = append(out, fmt.Sprintf("%s %s", path, ve.Message))
	}
	return out
}

func isAggregate(msg string) bool {
	return strings.HasPrefix(msg, "doesn't validate with")
}
