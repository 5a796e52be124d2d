// Package rfc3161 anchors execution hashes through an RFC 3161
// timestamp authority. The TSA signs the hash together with its own
// clock, which gives an existence proof without touching a chain.
package rfc3161

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/moridanjin/clawver-protocol/pkg/anchor"
)

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

type Config struct {
	TSAURL    string
	PolicyOID string
}

// Anchorer submits timestamp queries for execution hashes and returns
// the DER token from the authority as the anchor reference.
type Anchorer struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config, httpClient *http.Client) (*Anchorer, error) {
	if strings.TrimSpace(cfg.TSAURL) == "" {
		return nil, fmt.Errorf("rfc3161 anchor: tsa url required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Second}
	}
	return &Anchorer{cfg: cfg, httpClient: httpClient}, nil
}

func (a *Anchorer) Anchor(ctx context.Context, executionHash string) (anchor.Receipt, error) {
	reqDER, err := buildTimestampQuery(executionHash, a.cfg.PolicyOID)
	if err != nil {
		return anchor.Receipt{}, err
	}
	token, err := a.requestToken(ctx, reqDER)
	if err != nil {
		return anchor.Receipt{}, err
	}
	return anchor.Receipt{
		Kind: "rfc3161",
		Ref:  base64.StdEncoding.EncodeToString(token),
	}, nil
}

// buildTimestampQuery encodes a TimeStampReq for a sha256 execution
// hash. Accepts the hash with or without the "sha256:" prefix.
func buildTimestampQuery(executionHash, policyOID string) ([]byte, error) {
	hashHex := strings.TrimPrefix(strings.TrimSpace(executionHash), "sha256:")
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("rfc3161 anchor: invalid execution hash: %w", err)
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("rfc3161 anchor: execution hash must be 32 bytes, got %d", len(digest))
	}
	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm: oidSHA256,
				Parameters: asn1.RawValue{
					Class: asn1.ClassUniversal,
					Tag:   asn1.TagNull,
				},
			},
			HashedMessage: digest,
		},
		CertReq: true,
	}
	if p := strings.TrimSpace(policyOID); p != "" {
		oid, err := parseOID(p)
		if err != nil {
			return nil, err
		}
		req.ReqPolicy = oid
	}
	return asn1.Marshal(req)
}

func (a *Anchorer) requestToken(ctx context.Context, reqDER []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TSAURL, bytes.NewReader(reqDER))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rfc3161 anchor: tsa returned status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("rfc3161 anchor: tsa returned empty body")
	}
	return body, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, eBadOID
	}
	out := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, eBadOID
		}
		var n int
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return nil, eBadOID
			}
			n = (n * 10) + int(ch-'0')
		}
		out = append(out, n)
	}
	return out, nil
}

var eBadOID = fmt.Errorf("rfc3161 anchor: invalid policy oid")
