package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// harness reads {code, input} as JSON on stdin and writes a single
// JSON result line on stdout. Skill code may be either a function
// expression (called with the input) or a statement body with `input`
// in scope; both styles are accepted. The input value travels as data,
// never as source text.
const nodeHarness = `
let raw = "";
process.stdin.on("data", (c) => { raw += c; });
process.stdin.on("end", () => {
  let code, input;
  try {
    ({ code, input } = JSON.parse(raw));
  } catch (err) {
    process.stdout.write(JSON.stringify({ ok: false, error: "invalid payload" }));
    return;
  }
  const run = async () => {
    let candidate;
    try {
      candidate = new Function('"use strict"; return (' + code + ');')();
    } catch (_) {}
    if (typeof candidate === "function") {
      return candidate(input);
    }
    const fn = new Function("input", '"use strict"; return (async () => { ' + code + " })();");
    return fn(input);
  };
  run()
    .then((output) => {
      process.stdout.write(JSON.stringify({ ok: true, output: output === undefined ? null : output }));
    })
    .catch((err) => {
      process.stdout.write(JSON.stringify({ ok: false, error: (err && err.message) || String(err) }));
    });
});
`

type harnessResult struct {
	OK     bool   `json:"ok"`
	Output any    `json:"output"`
	Error  string `json:"error"`
}

// NodeEngine runs each call in a fresh node subprocess with a scrubbed
// environment and a V8 heap ceiling. Isolation comes from the process
// boundary; the deadline from the caller's context.
type NodeEngine struct {
	nodePath string
}

func NewNodeEngine() (*NodeEngine, error) {
	path, err := exec.LookPath("node")
	if err != nil {
		return nil, fmt.Errorf("sandbox: node binary not found: %w", err)
	}
	return &NodeEngine{nodePath: path}, nil
}

func (e *NodeEngine) Execute(ctx context.Context, code string, input any, maxMemoryMb int) (any, error) {
	payload, err := json.Marshal(map[string]any{"code": code, "input": input})
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.nodePath,
		fmt.Sprintf("--max-old-space-size=%d", maxMemoryMb),
		"-e", nodeHarness)
	cmd.Env = []string{}
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, context.DeadlineExceeded
	}
	if runErr != nil {
		if isOOMKill(stderr.String()) {
			return nil, ErrMemoryExceeded
		}
		return nil, fmt.Errorf("sandbox: process failed: %s", firstLine(stderr.String(), runErr.Error()))
	}

	var res harnessResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("sandbox: unreadable result: %w", err)
	}
	if !res.OK {
		return nil, fmt.Errorf("%s", res.Error)
	}
	return res.Output, nil
}

func (e *NodeEngine) Close() error { return nil }

func isOOMKill(stderr string) bool {
	return strings.Contains(stderr, "JavaScript heap out of memory") ||
		strings.Contains(stderr, "Allocation failed")
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
