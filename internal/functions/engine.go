package functions

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/crypto/blake2b"

	"github.com/watzon/forge/internal/metrics"
)

const (
	pageSize       = 65536
	pagesPerMB     = bytesPerMB / pageSize
	maxMemoryPages = 65536

	reactorInit = "_initialize"
)

// EngineConfig configures the WebAssembly runtime shared by all sandboxes.
type EngineConfig struct {
	// MaxMemoryMB is the hard ceiling for any single memory, regardless of
	// a function's own limit.
	MaxMemoryMB int
	// MaxOutputBytes caps what a sandbox may write to stdout. Zero disables
	// the cap.
	MaxOutputBytes int
	// MaxLogBytes caps what a sandbox may write to stderr. Excess is dropped.
	MaxLogBytes int
	// CompilationCacheDir persists compiled machine code across restarts.
	CompilationCacheDir string
	// Interpreter selects the interpreter instead of the compiler.
	Interpreter bool
}

// CompiledModule is an immutable compiled function, shared by every sandbox
// created from it.
type CompiledModule struct {
	compiled      wazero.CompiledModule
	digest        string
	compiledAt    time.Time
	exports       map[string]api.FunctionDefinition
	initialMemory uint64
}

// Digest returns the BLAKE2b-256 digest of the code the module was compiled
// from.
func (m *CompiledModule) Digest() string { return m.digest }

// CompiledAt returns when the module was compiled.
func (m *CompiledModule) CompiledAt() time.Time { return m.compiledAt }

// InitialMemoryBytes returns the linear memory the module needs before any
// code runs.
func (m *CompiledModule) InitialMemoryBytes() uint64 { return m.initialMemory }

// Exports returns the sorted names of the exported functions.
func (m *CompiledModule) Exports() []string {
	return slices.Sorted(maps.Keys(m.exports))
}

// HasExport reports whether the module exports a function named name.
func (m *CompiledModule) HasExport(name string) bool {
	_, ok := m.exports[name]
	return ok
}

// Close releases the compiled code.
func (m *CompiledModule) Close(ctx context.Context) error {
	if m.compiled == nil {
		return nil
	}
	return m.compiled.Close(ctx)
}

// Engine compiles modules and runs each invocation in its own sandbox.
type Engine struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	cfg     EngineConfig
	active  atomic.Int64
}

// NewEngine creates the runtime and instantiates WASI into it.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	var rc wazero.RuntimeConfig
	if cfg.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	} else {
		rc = wazero.NewRuntimeConfig()
	}
	rc = rc.WithCloseOnContextDone(true)

	if cfg.MaxMemoryMB > 0 {
		pages := min(cfg.MaxMemoryMB*pagesPerMB, maxMemoryPages)
		rc = rc.WithMemoryLimitPages(uint32(pages))
	}

	var cache wazero.CompilationCache
	if cfg.CompilationCacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CompilationCacheDir)
		if err != nil {
			return nil, fmt.Errorf("opening compilation cache: %w", err)
		}
		cache = c
		rc = rc.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiating wasi: %w", err)
	}

	return &Engine{runtime: rt, cache: cache, cfg: cfg}, nil
}

// Compile validates and compiles code. Malformed code and imports the
// sandbox cannot satisfy are validation errors.
func (e *Engine) Compile(ctx context.Context, code []byte) (*CompiledModule, error) {
	if len(code) == 0 {
		return nil, newError(KindValidation, nil, "module is empty")
	}

	start := time.Now()
	compiled, err := e.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, newError(KindValidation, err, "compiling module")
	}
	metrics.ObserveCompile(time.Since(start))

	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, _ := def.Import()
		if moduleName != wasi_snapshot_preview1.ModuleName {
			compiled.Close(ctx)
			return nil, newError(KindValidation, nil, "unsupported import %s.%s", moduleName, name)
		}
	}

	if imported := compiled.ImportedMemories(); len(imported) > 0 {
		compiled.Close(ctx)
		return nil, newError(KindValidation, nil, "memory imports are not supported")
	}

	// Unexported memories are not visible here; the limiter refuses them
	// at instantiation instead.
	var initial uint64
	for _, mem := range compiled.ExportedMemories() {
		initial = max(initial, uint64(mem.Min())*pageSize)
	}

	return &CompiledModule{
		compiled:      compiled,
		digest:        CodeDigest(code),
		compiledAt:    time.Now(),
		exports:       compiled.ExportedFunctions(),
		initialMemory: initial,
	}, nil
}

// CodeDigest is the hex BLAKE2b-256 of a module's bytes.
func CodeDigest(code []byte) string {
	sum := blake2b.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// ActiveSandboxes returns the number of sandboxes currently alive.
func (e *Engine) ActiveSandboxes() int {
	return int(e.active.Load())
}

// Close tears down the runtime and every module compiled by it.
func (e *Engine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Execute runs entryPoint of module in a fresh sandbox. The payload is the
// guest's stdin; what it writes to stdout becomes the output and each line on
// stderr becomes a log line. The sandbox is closed before Execute returns on
// every path, and failures are always reported in the result.
func (e *Engine) Execute(ctx context.Context, module *CompiledModule, entryPoint string, payload []byte, execCtx *ExecutionContext) (result *ExecutionResult) {
	start := time.Now()
	limiter := NewResourceLimiter(execCtx.MemoryLimitMB)
	stdout := &cappedBuffer{limit: e.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{limit: e.cfg.MaxLogBytes}
	result = &ExecutionResult{}

	defer func() {
		if r := recover(); r != nil {
			// wazero panics when the limiter refuses a module's
			// unexported memory.
			if rej := limiter.RejectionError(); rej != nil {
				log.Debug().
					Str("function_id", execCtx.FunctionID).
					Str("invocation_id", execCtx.InvocationID).
					Interface("panic", r).
					Msg("Sandbox memory refused")
				result.Error = rej
			} else {
				log.Error().
					Str("function_id", execCtx.FunctionID).
					Str("invocation_id", execCtx.InvocationID).
					Interface("panic", r).
					Msg("Sandbox panicked")
				result.Error = newError(KindInternal, fmt.Errorf("%v", r), "sandbox panicked")
			}
		}
		result.Logs = stderr.lines()
		result.Duration = time.Since(start)
		result.MemoryUsedMB = limiter.PeakMB()
		if result.Output == nil {
			result.Output = json.RawMessage("null")
		}
	}()

	if module == nil {
		result.Error = newError(KindInternal, nil, "no compiled module")
		return result
	}

	def, ok := module.exports[entryPoint]
	if !ok {
		result.Error = newError(KindValidation, nil, "entry point %q not found", entryPoint)
		return result
	}
	if len(def.ParamTypes()) > 0 {
		result.Error = newError(KindValidation, nil, "entry point %q must not take parameters", entryPoint)
		return result
	}
	if err := limiter.Admit(module.initialMemory); err != nil {
		result.Error = err.(*Error)
		return result
	}

	e.active.Add(1)
	metrics.SandboxStarted()
	defer func() {
		e.active.Add(-1)
		metrics.SandboxFinished()
	}()

	var runCtx context.Context
	var cancel context.CancelFunc
	if execCtx.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, execCtx.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	runCtx = limiter.Attach(runCtx)

	mod, err := e.runtime.InstantiateModule(runCtx, module.compiled, e.moduleConfig(execCtx, payload, stdout, stderr))
	if err != nil {
		result.Error = classify(runCtx, limiter, err, true)
		return result
	}
	defer mod.Close(context.Background())

	if init := mod.ExportedFunction(reactorInit); init != nil && entryPoint != reactorInit {
		_, err = init.Call(runCtx)
	}
	if err == nil || isCleanExit(err) {
		_, err = mod.ExportedFunction(entryPoint).Call(runCtx)
	}
	if err != nil && !isCleanExit(err) {
		result.Error = classify(runCtx, limiter, err, false)
		return result
	}
	if limiter.Rejected() {
		result.Error = limiter.RejectionError()
		return result
	}
	if stdout.overflow {
		result.Error = newError(KindResourceExceeded, nil, "output exceeds %d bytes", e.cfg.MaxOutputBytes)
		return result
	}

	result.Output = encodeOutput(stdout.Bytes())
	return result
}

func (e *Engine) moduleConfig(execCtx *ExecutionContext, payload []byte, stdout, stderr *cappedBuffer) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(execCtx.sandboxName()).
		WithArgs(execCtx.FunctionID).
		WithStdin(bytes.NewReader(payload)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithStartFunctions()

	for _, k := range slices.Sorted(maps.Keys(execCtx.Environment)) {
		cfg = cfg.WithEnv(k, execCtx.Environment[k])
	}
	return cfg.
		WithEnv("FORGE_FUNCTION_ID", execCtx.FunctionID).
		WithEnv("FORGE_INVOCATION_ID", execCtx.InvocationID)
}

// classify maps a failed instantiation or call to exactly one error kind.
// Limiter rejection wins over everything else because a refused growth is
// usually what made the guest fault.
func classify(runCtx context.Context, limiter *ResourceLimiter, err error, instantiating bool) *Error {
	if rej := limiter.RejectionError(); rej != nil {
		rej.Err = err
		return rej
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return newError(KindTimeout, err, "execution exceeded deadline")
		case sys.ExitCodeContextCanceled:
			return newError(KindInternal, err, "invocation cancelled")
		}
		if !instantiating {
			return newError(KindTrap, err, "function exited with code %d", exitErr.ExitCode())
		}
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, err, "execution exceeded deadline")
	}
	if instantiating {
		return newError(KindInternal, err, "instantiating sandbox")
	}
	return newError(KindTrap, err, "function trapped")
}

func isCleanExit(err error) bool {
	var exitErr *sys.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 0
}

func encodeOutput(out []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(bytes.Clone(trimmed))
	}
	encoded, _ := json.Marshal(string(out))
	return encoded
}

// cappedBuffer collects guest output up to limit bytes and drops the rest.
// The guest always sees a full write.
type cappedBuffer struct {
	bytes.Buffer
	limit    int
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 {
		room := b.limit - b.Len()
		if len(p) > room {
			b.overflow = true
			if room > 0 {
				b.Buffer.Write(p[:room])
			}
			return len(p), nil
		}
	}
	return b.Buffer.Write(p)
}

func (b *cappedBuffer) lines() []string {
	text := strings.TrimRight(b.String(), "\r\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
