// Package functions executes tenant WebAssembly functions in per-invocation
// sandboxes backed by a shared cache of compiled modules.
package functions

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RuntimeKind is the declared runtime of a function.
type RuntimeKind string

const (
	// RuntimeWasm is precompiled WebAssembly executed natively by the engine.
	RuntimeWasm RuntimeKind = "wasm"
	// RuntimeJavaScript is reserved; no executor is registered for it.
	RuntimeJavaScript RuntimeKind = "javascript"
	// RuntimePython is reserved; no executor is registered for it.
	RuntimePython RuntimeKind = "python"
	// RuntimeRust is reserved; no executor is registered for it.
	RuntimeRust RuntimeKind = "rust"
)

var knownRuntimes = []RuntimeKind{RuntimeWasm, RuntimeJavaScript, RuntimePython, RuntimeRust}

// ParseRuntimeKind parses a declared runtime. Unknown values are an error
// rather than a silent default.
func ParseRuntimeKind(s string) (RuntimeKind, error) {
	kind := RuntimeKind(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range knownRuntimes {
		if k == kind {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown runtime: %q", s)
}

// ValidEnvName reports whether k can be passed to a guest as an environment
// variable name.
func ValidEnvName(k string) bool {
	return k != "" && !strings.ContainsAny(k, "=\x00")
}

// FunctionRecord is a read-only snapshot of a deployed function.
type FunctionRecord struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	OwnerID        string            `json:"owner_id"`
	Runtime        RuntimeKind       `json:"runtime"`
	Code           []byte            `json:"-"`
	CodeDigest     string            `json:"code_digest,omitempty"`
	EntryPoint     string            `json:"entry_point"`
	Environment    map[string]string `json:"environment,omitempty"`
	MemoryLimitMB  int               `json:"memory_limit_mb"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	IsActive       bool              `json:"is_active"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ExecutionContext carries invocation-scoped settings into a sandbox.
type ExecutionContext struct {
	FunctionID    string
	InvocationID  string
	Environment   map[string]string
	MemoryLimitMB int
	Timeout       time.Duration

	// generation is the executor's cache generation read before the
	// function record was loaded, when pinned.
	generation uint64
	pinned     bool
}

// NewExecutionContext builds a fresh context for one invocation of fn.
func NewExecutionContext(fn *FunctionRecord) *ExecutionContext {
	return &ExecutionContext{
		FunctionID:    fn.ID,
		InvocationID:  uuid.New().String(),
		Environment:   maps.Clone(fn.Environment),
		MemoryLimitMB: fn.MemoryLimitMB,
		Timeout:       time.Duration(fn.TimeoutSeconds) * time.Second,
	}
}

// sandboxName is unique per live instance within a runtime.
func (c *ExecutionContext) sandboxName() string {
	return c.FunctionID + "#" + c.InvocationID
}

// ExecutionResult is the outcome of one invocation. It is not modified once
// returned.
type ExecutionResult struct {
	Output       json.RawMessage `json:"output"`
	Logs         []string        `json:"logs,omitempty"`
	Duration     time.Duration   `json:"-"`
	MemoryUsedMB float64         `json:"memory_used_mb"`
	Error        *Error          `json:"error,omitempty"`
}

// Success reports whether the invocation completed without error.
func (r *ExecutionResult) Success() bool {
	return r.Error == nil
}

// ExecutionTimeMs returns the wall-clock duration in milliseconds.
func (r *ExecutionResult) ExecutionTimeMs() int64 {
	return r.Duration.Milliseconds()
}

// InvocationRequest is a request to run a function.
type InvocationRequest struct {
	FunctionID  string            `json:"function_id"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
}

// InvocationResponse is what the front door returns to its caller.
type InvocationResponse struct {
	StatusCode      int               `json:"status_code"`
	Body            json.RawMessage   `json:"body"`
	Headers         map[string]string `json:"headers"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	MemoryUsedMB    float64           `json:"memory_used_mb"`
	InvocationID    string            `json:"invocation_id"`
	ErrorKind       ErrorKind         `json:"-"`
}

// InvocationRecord is the persisted summary of one invocation.
type InvocationRecord struct {
	ID              string    `json:"id"`
	FunctionID      string    `json:"function_id"`
	InvocationID    string    `json:"invocation_id"`
	Success         bool      `json:"success"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	MemoryUsedMB    float64   `json:"memory_used_mb"`
	Logs            []string  `json:"logs,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Recorder receives invocation records. Implementations must not block the
// caller and must report their own failures out of band.
type Recorder interface {
	Record(rec InvocationRecord)
}
