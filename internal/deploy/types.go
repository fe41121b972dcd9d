// Package deploy stores function definitions and validates new code before
// it can be invoked.
package deploy

import (
	"time"

	"github.com/watzon/forge/internal/functions"
)

// DeployRequest is the payload for creating or replacing a function. For
// wasm functions Code is the base64-encoded module; other runtimes carry
// source text as-is.
type DeployRequest struct {
	Name           string            `json:"name"`
	Runtime        string            `json:"runtime"`
	Code           string            `json:"code"`
	EntryPoint     string            `json:"entry_point"`
	Environment    map[string]string `json:"environment,omitempty"`
	MemoryLimitMB  *int              `json:"memory_limit_mb,omitempty"`
	TimeoutSeconds *int              `json:"timeout_seconds,omitempty"`
}

// DeployResponse describes a stored function.
type DeployResponse struct {
	FunctionID string    `json:"function_id"`
	URL        string    `json:"url"`
	CodeDigest string    `json:"code_digest"`
	DeployedAt time.Time `json:"deployed_at"`
}

// Function is the listing view of a function; it never carries code.
type Function struct {
	functions.FunctionRecord
	CodeSize int64 `json:"code_size"`
}

// definition is a decoded, validated request ready to be stored.
type definition struct {
	name        string
	runtime     functions.RuntimeKind
	code        []byte
	entryPoint  string
	environment map[string]string
	memoryMB    int
	timeoutSecs int
	active      bool
}
