package functions

import (
	"context"
)

// Executor runs one invocation of a function. Errors detected before a
// sandbox exists are returned as errors; everything that happens inside the
// sandbox is reported in the result.
type Executor interface {
	Execute(ctx context.Context, fn *FunctionRecord, payload []byte, execCtx *ExecutionContext) (*ExecutionResult, error)
}

// Invalidator drops cached state for a function after its code changes.
type Invalidator interface {
	Invalidate(functionID string)
}

// Versioned is implemented by executors that cache compiled state per
// function. Generation changes whenever that state is invalidated.
type Versioned interface {
	Generation(functionID string) uint64
}

// WasmExecutor runs native WebAssembly functions: compile through the
// module cache, then execute in a fresh sandbox.
type WasmExecutor struct {
	engine *Engine
	cache  *ModuleCache
}

// NewWasmExecutor creates an executor sharing engine and cache.
func NewWasmExecutor(engine *Engine, cache *ModuleCache) *WasmExecutor {
	return &WasmExecutor{engine: engine, cache: cache}
}

// Execute implements Executor.
func (x *WasmExecutor) Execute(ctx context.Context, fn *FunctionRecord, payload []byte, execCtx *ExecutionContext) (*ExecutionResult, error) {
	gen := execCtx.generation
	if !execCtx.pinned {
		gen = x.cache.Generation(fn.ID)
	}
	ref, err := x.cache.GetOrCompileAt(ctx, fn.ID, gen, fn.Code)
	if err != nil {
		return nil, err
	}
	defer ref.Release()

	if !ref.Module().HasExport(fn.EntryPoint) {
		return nil, newError(KindValidation, nil, "entry point %q not found", fn.EntryPoint)
	}

	return x.engine.Execute(ctx, ref.Module(), fn.EntryPoint, payload, execCtx), nil
}

// Invalidate implements Invalidator.
func (x *WasmExecutor) Invalidate(functionID string) {
	x.cache.Invalidate(functionID)
}

// Generation implements Versioned.
func (x *WasmExecutor) Generation(functionID string) uint64 {
	return x.cache.Generation(functionID)
}
