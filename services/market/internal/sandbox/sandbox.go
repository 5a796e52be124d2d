// Package sandbox executes untrusted skill code under wall-clock and
// memory limits. The Runner owns limit clamping, the deadline, and
// failure classification; the Engine is only the execution vehicle.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Failure classes reported to orchestrators. Timeout and memory are
// derived from the runner's own enforcement, not from skill-authored
// error text.
const (
	FailureTimeout = "timeout"
	FailureMemory  = "memory_exceeded"
	FailureRuntime = "runtime_error"
)

const (
	MinTimeoutMs     = 100
	MaxTimeoutMs     = 30000
	DefaultTimeoutMs = 5000

	MinMemoryMb     = 1
	MaxMemoryMb     = 256
	DefaultMemoryMb = 64
)

// ErrMemoryExceeded is returned by engines that can attribute a crash
// to the memory ceiling.
var ErrMemoryExceeded = errors.New("memory limit exceeded")

type Result struct {
	Success         bool   `json:"success"`
	Output          any    `json:"output"`
	Failure         string `json:"failure,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// Engine runs code against an already-deserialized input value. The
// input must reach the code as a value, never as spliced source text.
type Engine interface {
	Execute(ctx context.Context, code string, input any, maxMemoryMb int) (any, error)
	Close() error
}

func ClampTimeoutMs(v int) int {
	if v <= 0 {
		return DefaultTimeoutMs
	}
	if v < MinTimeoutMs {
		return MinTimeoutMs
	}
	if v > MaxTimeoutMs {
		return MaxTimeoutMs
	}
	return v
}

func ClampMemoryMb(v int) int {
	if v <= 0 {
		return DefaultMemoryMb
	}
	if v < MinMemoryMb {
		return MinMemoryMb
	}
	if v > MaxMemoryMb {
		return MaxMemoryMb
	}
	return v
}

type Runner struct{ engine Engine }

func NewRunner(engine Engine) *Runner { return &Runner{engine: engine} }

func (r *Runner) Run(ctx context.Context, code string, input any, timeoutMs, maxMemoryMb int) Result {
	timeoutMs = ClampTimeoutMs(timeoutMs)
	maxMemoryMb = ClampMemoryMb(maxMemoryMb)

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := r.engine.Execute(execCtx, code, input, maxMemoryMb)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		res := Result{ExecutionTimeMs: elapsed}
		switch {
		case errors.Is(err, context.DeadlineExceeded) || execCtx.Err() == context.DeadlineExceeded:
			res.Failure = FailureTimeout
			res.Error = fmt.Sprintf("execution timed out after %dms", timeoutMs)
		case errors.Is(err, ErrMemoryExceeded):
			res.Failure = FailureMemory
			res.Error = fmt.Sprintf("memory limit of %dMB exceeded", maxMemoryMb)
		default:
			res.Failure = FailureRuntime
			res.Error = err.Error()
		}
		return res
	}
	return Result{Success: true, Output: decodeOutput(out), ExecutionTimeMs: elapsed}
}

// decodeOutput makes one best-effort pass at turning a text result
// back into a structured value, keeping the raw text on failure.
func decodeOutput(out any) any {
	s, ok := out.(string)
	if !ok {
		return out
	}
	var structured any
	if err := json.Unmarshal([]byte(s), &structured); err != nil {
		return s
	}
	return structured
}

var (
	defaultMu     sync.Mutex
	defaultRunner *Runner
	defaultEngine Engine
)

// Default returns the process-wide runner, creating the node engine on
// first use.
func Default() (*Runner, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRunner != nil {
		return defaultRunner, nil
	}
	engine, err := NewNodeEngine()
	if err != nil {
		return nil, err
	}
	defaultEngine = engine
	defaultRunner = NewRunner(engine)
	return defaultRunner, nil
}

// CloseDefault disposes the process-wide engine on shutdown.
func CloseDefault() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine == nil {
		return nil
	}
	err := defaultEngine.Close()
	defaultEngine = nil
	defaultRunner = nil
	return err
}
