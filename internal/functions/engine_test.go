package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/forge/internal/wasmtest"
)

func testEngineWith(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()

	engine, err := NewEngine(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		engine.Close(context.Background())
	})

	return engine
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return testEngineWith(t, EngineConfig{
		MaxMemoryMB:    1024,
		MaxOutputBytes: 1 << 20,
		MaxLogBytes:    64 << 10,
	})
}

func compileModule(t *testing.T, engine *Engine, code []byte) *CompiledModule {
	t.Helper()

	module, err := engine.Compile(context.Background(), code)
	require.NoError(t, err)

	t.Cleanup(func() {
		module.Close(context.Background())
	})

	return module
}

func testExecCtx(memoryMB int, timeout time.Duration) *ExecutionContext {
	return NewExecutionContext(&FunctionRecord{
		ID:             "fn-test",
		MemoryLimitMB:  memoryMB,
		TimeoutSeconds: int(timeout / time.Second),
	})
}

func run(t *testing.T, engine *Engine, code []byte, payload string, execCtx *ExecutionContext) *ExecutionResult {
	t.Helper()
	module := compileModule(t, engine, code)
	return engine.Execute(context.Background(), module, wasmtest.Entry, []byte(payload), execCtx)
}

func TestEngine_Compile(t *testing.T) {
	engine := testEngine(t)

	t.Run("valid module", func(t *testing.T) {
		module := compileModule(t, engine, wasmtest.Echo())
		require.True(t, module.HasExport(wasmtest.Entry))
		require.Equal(t, []string{wasmtest.Entry}, module.Exports())
		require.Equal(t, uint64(pageSize), module.InitialMemoryBytes())
		require.Len(t, module.Digest(), 64)
		require.False(t, module.CompiledAt().IsZero())
	})

	t.Run("malformed code", func(t *testing.T) {
		_, err := engine.Compile(context.Background(), []byte("not wasm at all"))
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("empty code", func(t *testing.T) {
		_, err := engine.Compile(context.Background(), nil)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("non-wasi import", func(t *testing.T) {
		_, err := engine.Compile(context.Background(), wasmtest.ImportsHost())
		require.ErrorIs(t, err, ErrValidation)
		require.Contains(t, err.Error(), "env.host_call")
	})
}

func TestEngine_EchoesPayload(t *testing.T) {
	engine := testEngine(t)

	result := run(t, engine, wasmtest.Echo(), `{"x":1}`, testExecCtx(128, 5*time.Second))

	require.Nil(t, result.Error)
	require.True(t, result.Success())
	require.JSONEq(t, `{"x":1}`, string(result.Output))
	require.Greater(t, result.Duration, time.Duration(0))
	require.Greater(t, result.MemoryUsedMB, 0.0)
	require.Equal(t, 0, engine.ActiveSandboxes())
}

func TestEngine_OutputEncoding(t *testing.T) {
	engine := testEngine(t)

	tests := []struct {
		name   string
		stdout string
		want   string
	}{
		{name: "json object", stdout: `{"ok":true}`, want: `{"ok":true}`},
		{name: "plain text", stdout: "hello", want: `"hello"`},
		{name: "empty", stdout: "", want: `null`},
		{name: "trailing newline", stdout: "[1,2]\n", want: `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := run(t, engine, wasmtest.Constant(tt.stdout, ""), "null", testExecCtx(16, 5*time.Second))
			require.Nil(t, result.Error)
			require.JSONEq(t, tt.want, string(result.Output))
		})
	}
}

func TestEngine_StderrBecomesLogs(t *testing.T) {
	engine := testEngine(t)

	result := run(t, engine, wasmtest.Constant(`1`, "first\nsecond\n"), "null", testExecCtx(16, 5*time.Second))

	require.Nil(t, result.Error)
	require.Equal(t, []string{"first", "second"}, result.Logs)
}

func TestEngine_ReactorInitialize(t *testing.T) {
	engine := testEngine(t)

	result := run(t, engine, wasmtest.Reactor(`"ready"`, "initialized"), "null", testExecCtx(16, 5*time.Second))

	require.Nil(t, result.Error)
	require.JSONEq(t, `"ready"`, string(result.Output))
	require.Equal(t, []string{"initialized"}, result.Logs)
}

func TestEngine_EntryPointErrors(t *testing.T) {
	engine := testEngine(t)

	t.Run("missing", func(t *testing.T) {
		module := compileModule(t, engine, wasmtest.Echo())
		result := engine.Execute(context.Background(), module, "nope", nil, testExecCtx(16, time.Second))
		require.ErrorIs(t, result.Error, ErrValidation)
		require.JSONEq(t, `null`, string(result.Output))
	})

	t.Run("takes parameters", func(t *testing.T) {
		result := run(t, engine, wasmtest.WithParams(), "null", testExecCtx(16, time.Second))
		require.ErrorIs(t, result.Error, ErrValidation)
	})

	t.Run("module still usable", func(t *testing.T) {
		module := compileModule(t, engine, wasmtest.Echo())
		bad := engine.Execute(context.Background(), module, "nope", nil, testExecCtx(16, time.Second))
		require.Error(t, bad.Error)

		good := engine.Execute(context.Background(), module, wasmtest.Entry, []byte(`2`), testExecCtx(16, time.Second))
		require.Nil(t, good.Error)
		require.JSONEq(t, `2`, string(good.Output))
	})
}

func TestEngine_Traps(t *testing.T) {
	engine := testEngine(t)

	tests := []struct {
		name string
		code []byte
	}{
		{name: "divide by zero", code: wasmtest.DivideByZero()},
		{name: "unreachable", code: wasmtest.Unreachable()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := run(t, engine, tt.code, "null", testExecCtx(16, 5*time.Second))
			require.Error(t, result.Error)
			require.Equal(t, KindTrap, result.Error.Kind)
			require.True(t, result.Error.Kind.TenantFault())
			require.Equal(t, 0, engine.ActiveSandboxes())
		})
	}
}

func TestEngine_Timeout(t *testing.T) {
	engine := testEngine(t)
	module := compileModule(t, engine, wasmtest.InfiniteLoop())

	execCtx := testExecCtx(16, 0)
	execCtx.Timeout = 200 * time.Millisecond

	start := time.Now()
	result := engine.Execute(context.Background(), module, wasmtest.Entry, nil, execCtx)
	elapsed := time.Since(start)

	require.Error(t, result.Error)
	require.Equal(t, KindTimeout, result.Error.Kind)
	require.Less(t, elapsed, 700*time.Millisecond)
	require.GreaterOrEqual(t, result.Duration, 200*time.Millisecond)
	require.Equal(t, 0, engine.ActiveSandboxes())
}

func TestEngine_RepeatedTimeoutsReleaseSandboxes(t *testing.T) {
	engine := testEngine(t)
	module := compileModule(t, engine, wasmtest.InfiniteLoop())

	timeout := func() {
		execCtx := testExecCtx(16, 0)
		execCtx.Timeout = 10 * time.Millisecond
		result := engine.Execute(context.Background(), module, wasmtest.Entry, nil, execCtx)
		require.Equal(t, KindTimeout, result.Error.Kind)
	}

	heapInuse := func() uint64 {
		runtime.GC()
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.HeapInuse
	}

	// Warm up so one-time allocations are not counted as growth.
	for range 10 {
		timeout()
	}
	before := heapInuse()

	for range 100 {
		timeout()
	}
	require.Equal(t, 0, engine.ActiveSandboxes())

	after := heapInuse()
	const tolerance = 16 << 20
	if after > before {
		require.Less(t, after-before, uint64(tolerance), "heap grew from %d to %d bytes", before, after)
	}

	// The compiled module is unaffected by the timeouts.
	echo := compileModule(t, engine, wasmtest.Echo())
	result := engine.Execute(context.Background(), echo, wasmtest.Entry, []byte(`true`), testExecCtx(16, time.Second))
	require.Nil(t, result.Error)
}

func TestEngine_CallerCancellationIsInternal(t *testing.T) {
	engine := testEngine(t)
	module := compileModule(t, engine, wasmtest.InfiniteLoop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	result := engine.Execute(ctx, module, wasmtest.Entry, nil, testExecCtx(16, 10*time.Second))
	require.Error(t, result.Error)
	require.Equal(t, KindInternal, result.Error.Kind)
}

func TestEngine_MemoryLimit(t *testing.T) {
	engine := testEngine(t)

	t.Run("growth within limit", func(t *testing.T) {
		result := run(t, engine, wasmtest.Grow(16), "null", testExecCtx(2, 5*time.Second))
		require.Nil(t, result.Error)
		require.InDelta(t, 17.0/16.0, result.MemoryUsedMB, 0.001)
	})

	t.Run("growth beyond limit", func(t *testing.T) {
		result := run(t, engine, wasmtest.Grow(32), "null", testExecCtx(2, 5*time.Second))
		require.Error(t, result.Error)
		require.Equal(t, KindResourceExceeded, result.Error.Kind)
	})

	t.Run("refused growth that traps", func(t *testing.T) {
		result := run(t, engine, wasmtest.GrowFromPayload(), "4", testExecCtx(128, 5*time.Second))
		require.Error(t, result.Error)
		require.Equal(t, KindResourceExceeded, result.Error.Kind)
		require.Less(t, result.MemoryUsedMB, 128.0)
	})

	t.Run("initial memory above limit", func(t *testing.T) {
		result := run(t, engine, wasmtest.InitialMemory(32), "null", testExecCtx(1, 5*time.Second))
		require.Error(t, result.Error)
		require.Equal(t, KindResourceExceeded, result.Error.Kind)
		require.Zero(t, result.MemoryUsedMB)
	})

	t.Run("unexported initial memory above limit", func(t *testing.T) {
		var buf bytes.Buffer
		prev := log.Logger
		log.Logger = zerolog.New(&buf).Level(zerolog.InfoLevel)
		t.Cleanup(func() { log.Logger = prev })

		result := run(t, engine, wasmtest.UnexportedMemory(32), "null", testExecCtx(1, 5*time.Second))
		require.Error(t, result.Error)
		require.Equal(t, KindResourceExceeded, result.Error.Kind)
		require.NotContains(t, buf.String(), "Sandbox panicked")
	})

	require.Equal(t, 0, engine.ActiveSandboxes())
}

func TestEngine_OutputCap(t *testing.T) {
	engine := testEngineWith(t, EngineConfig{MaxMemoryMB: 64, MaxOutputBytes: 4})

	result := run(t, engine, wasmtest.Constant(`"too long"`, ""), "null", testExecCtx(16, 5*time.Second))
	require.Error(t, result.Error)
	require.Equal(t, KindResourceExceeded, result.Error.Kind)

	result = run(t, engine, wasmtest.Constant(`123`, ""), "null", testExecCtx(16, 5*time.Second))
	require.Nil(t, result.Error)
}

func TestEngine_Interpreter(t *testing.T) {
	engine := testEngineWith(t, EngineConfig{MaxMemoryMB: 64, Interpreter: true})

	result := run(t, engine, wasmtest.Echo(), `"interp"`, testExecCtx(16, 5*time.Second))
	require.Nil(t, result.Error)
	require.JSONEq(t, `"interp"`, string(result.Output))
}

func TestEngine_CompilationCacheDir(t *testing.T) {
	engine := testEngineWith(t, EngineConfig{MaxMemoryMB: 64, CompilationCacheDir: t.TempDir()})

	result := run(t, engine, wasmtest.Echo(), `1`, testExecCtx(16, 5*time.Second))
	require.Nil(t, result.Error)
}

func TestEngine_ConcurrentInvocationsAreIsolated(t *testing.T) {
	engine := testEngine(t)
	module := compileModule(t, engine, wasmtest.Echo())

	const workers = 32
	var wg sync.WaitGroup
	results := make([]*ExecutionResult, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := fmt.Sprintf(`{"i":%d}`, i)
			results[i] = engine.Execute(context.Background(), module, wasmtest.Entry, []byte(payload), testExecCtx(16, 5*time.Second))
		}()
	}
	wg.Wait()

	for i, result := range results {
		require.Nil(t, result.Error)
		var out struct{ I int }
		require.NoError(t, json.Unmarshal(result.Output, &out))
		assert.Equal(t, i, out.I)
	}
	require.Equal(t, 0, engine.ActiveSandboxes())
}

func TestClassifyPrefersLimiterRejection(t *testing.T) {
	limiter := NewResourceLimiter(1)
	limiter.Allocate(0, 4*bytesPerMB).Reallocate(2 * bytesPerMB)

	err := classify(context.Background(), limiter, fmt.Errorf("wasm error: unreachable"), false)
	require.Equal(t, KindResourceExceeded, err.Kind)
}

func TestEncodeOutput(t *testing.T) {
	require.JSONEq(t, `null`, string(encodeOutput(nil)))
	require.JSONEq(t, `"a b"`, string(encodeOutput([]byte("a b"))))
	require.JSONEq(t, `{"a":1}`, string(encodeOutput([]byte(" {\"a\":1}\n"))))
}
