package rfc3161

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBuildTimestampQuery(t *testing.T) {
	digest := strings.Repeat("ab", 32)

	req, err := buildTimestampQuery("sha256:"+digest, "1.2.3.4")
	if err != nil {
		t.Fatalf("buildTimestampQuery error: %v", err)
	}
	if len(req) == 0 {
		t.Fatalf("expected non-empty DER request")
	}

	// The prefix is optional.
	bare, err := buildTimestampQuery(digest, "")
	if err != nil {
		t.Fatalf("buildTimestampQuery without prefix: %v", err)
	}
	if len(bare) == 0 {
		t.Fatalf("expected non-empty DER request")
	}
}

func TestBuildTimestampQueryRejectsBadHash(t *testing.T) {
	cases := []string{"", "not-hex", "sha256:abcd", strings.Repeat("ab", 33)}
	for _, c := range cases {
		if _, err := buildTimestampQuery(c, ""); err == nil {
			t.Fatalf("expected error for hash %q", c)
		}
	}
}

func TestAnchorRoundTrip(t *testing.T) {
	fixedToken := []byte{0x30, 0x03, 0x01, 0x01, 0xff}
	tsa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/timestamp-query" {
			t.Fatalf("unexpected content type %q", got)
		}
		w.Header().Set("Content-Type", "application/timestamp-reply")
		_, _ = w.Write(fixedToken)
	}))
	defer tsa.Close()

	a, err := New(Config{TSAURL: tsa.URL}, tsa.Client())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	receipt, err := a.Anchor(context.Background(), "sha256:"+strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("Anchor error: %v", err)
	}
	if receipt.Kind != "rfc3161" {
		t.Fatalf("unexpected receipt kind %q", receipt.Kind)
	}
	if receipt.Ref != base64.StdEncoding.EncodeToString(fixedToken) {
		t.Fatalf("unexpected receipt ref %q", receipt.Ref)
	}
}

func TestAnchorPropagatesTSAError(t *testing.T) {
	tsa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer tsa.Close()

	a, err := New(Config{TSAURL: tsa.URL}, tsa.Client())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if _, err := a.Anchor(context.Background(), strings.Repeat("ab", 32)); err == nil {
		t.Fatalf("expected error from failing TSA")
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatalf("expected error for missing tsa url")
	}
}
