package httpx

import (
	"net/http/httptest"
	"strings"
	"testing"
)

type samplePayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestReadJSONDecodesKnownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"alpha","count":3}`))
	var p samplePayload
	if err := ReadJSON(req, &p); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if p.Name != "alpha" || p.Count != 3 {
		t.Fatalf("decoded %+v", p)
	}
}

func TestReadJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"alpha","extra":true}`))
	var p samplePayload
	if err := ReadJSON(req, &p); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestReadJSONRejectsTrailingData(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"alpha"}{"name":"beta"}`))
	var p samplePayload
	if err := ReadJSON(req, &p); err == nil {
		t.Fatal("expected error for trailing data")
	}
}
