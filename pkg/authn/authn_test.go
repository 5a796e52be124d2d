package authn

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strconv"
	"testing"
	"time"
)

func signedHeaders(t *testing.T, at time.Time) (wallet, sig, ts string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	wallet = base64.StdEncoding.EncodeToString(pub)
	ts = strconv.FormatInt(at.Unix(), 10)
	sig = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, BuildMessage(wallet, ts)))
	return wallet, sig, ts
}

func TestVerify_ValidSignature(t *testing.T) {
	now := time.Unix(1770000000, 0)
	wallet, sig, ts := signedHeaders(t, now)
	if err := Verify(wallet, sig, ts, now); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	now := time.Unix(1770000000, 0)
	wallet, _, ts := signedHeaders(t, now)
	_, otherSig, _ := signedHeaders(t, now)
	if err := Verify(wallet, otherSig, ts, now); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	now := time.Unix(1770000000, 0)
	wallet, sig, ts := signedHeaders(t, now.Add(-10*time.Minute))
	if err := Verify(wallet, sig, ts, now); !errors.Is(err, ErrStaleTime) {
		t.Fatalf("got %v, want ErrStaleTime", err)
	}
}

func TestVerify_SkewWithinWindow(t *testing.T) {
	now := time.Unix(1770000000, 0)
	wallet, sig, ts := signedHeaders(t, now.Add(2*time.Minute))
	if err := Verify(wallet, sig, ts, now); err != nil {
		t.Fatalf("2 minute skew must pass: %v", err)
	}
}

func TestVerifySignature_MalformedInputs(t *testing.T) {
	if VerifySignature("%%%", "also-bad", "123") {
		t.Fatal("malformed wallet must not verify")
	}
	if VerifySignature(base64.StdEncoding.EncodeToString([]byte("short")), "c2ln", "123") {
		t.Fatal("wrong-length key must not verify")
	}
}

func TestVerifyTimestamp_NonNumeric(t *testing.T) {
	if VerifyTimestamp("yesterday", time.Now()) {
		t.Fatal("non-numeric timestamp must fail")
	}
}
