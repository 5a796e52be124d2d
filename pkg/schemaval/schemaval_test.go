package schemaval

import (
	"reflect"
	"testing"
)

func TestValidate_EmptySchemaAlwaysValid(t *testing.T) {
	for _, data := range []any{nil, 42, "text", map[string]any{"k": "v"}, []any{1, 2}} {
		if got := Validate(nil, data); !got.Valid {
			t.Fatalf("nil schema must accept %#v: %v", data, got.Errors)
		}
		if got := Validate(map[string]any{}, data); !got.Valid {
			t.Fatalf("empty schema must accept %#v: %v", data, got.Errors)
		}
	}
}

func TestValidate_TypeMismatch(t *testing.T) {
	schema := map[string]any{"type": "number"}
	if got := Validate(schema, "five"); got.Valid {
		t.Fatal("string must not validate as number")
	}
	if got := Validate(schema, 5); !got.Valid {
		t.Fatalf("5 must validate as number: %v", got.Errors)
	}
	// Integers produced by the sandbox arrive as Go ints, floats as float64.
	if got := Validate(schema, 5.0); !got.Valid {
		t.Fatalf("5.0 must validate as number: %v", got.Errors)
	}
}

func TestValidate_ObjectConstraints(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"a", "b"},
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
	}
	got := Validate(schema, map[string]any{"a": 1})
	if got.Valid {
		t.Fatal("missing required property must fail")
	}
	if len(got.Errors) == 0 {
		t.Fatal("expected enumerated errors")
	}

	got = Validate(schema, map[string]any{"a": 1, "b": 2})
	if !got.Valid {
		t.Fatalf("conforming object must pass: %v", got.Errors)
	}
}

func TestValidate_DeterministicErrors(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"x", "y"},
	}
	data := map[string]any{}
	first := Validate(schema, data)
	for i := 0; i < 5; i++ {
		again := Validate(schema, data)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("errors must be deterministic: %v vs %v", first, again)
		}
	}
}

func TestValidate_CallsAreIsolated(t *testing.T) {
	// Two different schema bodies, interleaved: the second call's result must
	// not be influenced by what was compiled for the first.
	numeric := map[string]any{"type": "number"}
	stringy := map[string]any{"type": "string"}

	if got := Validate(numeric, 5); !got.Valid {
		t.Fatalf("numeric: %v", got.Errors)
	}
	if got := Validate(stringy, 5); got.Valid {
		t.Fatal("string schema must reject 5 regardless of prior calls")
	}
	if got := Validate(numeric, 5); !got.Valid {
		t.Fatalf("numeric again: %v", got.Errors)
	}
}

func TestValidate_BadSchemaReported(t *testing.T) {
	schema := map[string]any{"type": 12345}
	got := Validate(schema, 5)
	if got.Valid {
		t.Fatal("malformed schema must not validate")
	}
}
