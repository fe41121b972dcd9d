package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/forge/internal/config"
	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/server"
	"github.com/watzon/forge/internal/storage"
)

var (
	runPayload     string
	runPayloadFile string
	runEntry       string
	runMemory      int
	runTimeout     time.Duration
	runEnv         map[string]string
)

var runCmd = &cobra.Command{
	Use:   "run <module>",
	Short: "Run a WebAssembly module once",
	Long: `Compile a module and run a single invocation in a fresh sandbox,
without a database or server. The module may be a local path, a file://
URI or an s3://bucket/key URI; *.zst and *.gz objects are decompressed.

The payload is read from --payload, or from --payload-file ("-" for stdin).
The invocation result is printed as JSON. The command exits non-zero when
the invocation fails.

Examples:
  forge run hello.wasm --payload '{"name":"forge"}'
  echo '[1,2,3]' | forge run sum.wasm --payload-file -
  forge run s3://functions/hello.wasm.zst --memory 64 --timeout 5s`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPayload, "payload", "", "JSON payload passed to the function")
	runCmd.Flags().StringVar(&runPayloadFile, "payload-file", "", `Read the payload from a file ("-" for stdin)`)
	runCmd.Flags().StringVarP(&runEntry, "entry", "e", "handle", "Exported function to call")
	runCmd.Flags().IntVar(&runMemory, "memory", 0, "Memory limit in MB (default from engine config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Execution timeout (default from engine config)")
	runCmd.Flags().StringToStringVar(&runEnv, "env", nil, "Environment variables (KEY=VALUE)")

	rootCmd.AddCommand(runCmd)
}

// runOptions describes a one-off local invocation.
type runOptions struct {
	Module      string
	Payload     []byte
	EntryPoint  string
	MemoryMB    int
	Timeout     time.Duration
	Environment map[string]string
}

// runOutput is what `forge run` prints.
type runOutput struct {
	InvocationID    string                     `json:"invocation_id"`
	Success         bool                       `json:"success"`
	ExecutionTimeMs int64                      `json:"execution_time_ms"`
	Result          *functions.ExecutionResult `json:"result"`
}

func runRun(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(cmd.InOrStdin())
	if err != nil {
		return err
	}

	out, err := runModule(cmd.Context(), cfg, runOptions{
		Module:      args[0],
		Payload:     payload,
		EntryPoint:  runEntry,
		MemoryMB:    runMemory,
		Timeout:     runTimeout,
		Environment: runEnv,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}

	if !out.Success {
		return out.Result.Error
	}
	return nil
}

func readPayload(stdin io.Reader) ([]byte, error) {
	switch {
	case runPayload != "" && runPayloadFile != "":
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	case runPayload != "":
		return []byte(runPayload), nil
	case runPayloadFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
		return data, nil
	case runPayloadFile != "":
		data, err := os.ReadFile(runPayloadFile)
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
		return data, nil
	default:
		return nil, nil
	}
}

// runModule fetches, compiles and invokes a module once with the engine
// limits from c.
func runModule(ctx context.Context, c *config.Config, opts runOptions) (*runOutput, error) {
	payload := []byte(strings.TrimSpace(string(opts.Payload)))
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	source, err := storage.NewSourceFromConfig(ctx, c.Storage)
	if err != nil {
		return nil, err
	}
	code, err := source.Fetch(ctx, opts.Module)
	if err != nil {
		return nil, fmt.Errorf("fetching module: %w", err)
	}

	engine, err := functions.NewEngine(ctx, server.EngineConfig(c.Engine))
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	defer engine.Close(ctx)

	cache := functions.NewModuleCache(engine, 1)
	defer cache.Close()

	registry := functions.NewRegistry()
	registry.Register(functions.RuntimeWasm, functions.NewWasmExecutor(engine, cache))
	invoker := functions.NewService(nil, registry, nil, server.Limits(c.Engine))

	fn := &functions.FunctionRecord{
		ID:             "local:" + filepath.Base(opts.Module),
		Name:           filepath.Base(opts.Module),
		Runtime:        functions.RuntimeWasm,
		Code:           code,
		CodeDigest:     functions.CodeDigest(code),
		EntryPoint:     opts.EntryPoint,
		Environment:    opts.Environment,
		MemoryLimitMB:  opts.MemoryMB,
		TimeoutSeconds: int(math.Ceil(opts.Timeout.Seconds())),
		IsActive:       true,
	}
	if fn.EntryPoint == "" {
		fn.EntryPoint = "handle"
	}
	for k := range fn.Environment {
		if !functions.ValidEnvName(k) {
			return nil, functions.ValidationError("invalid environment variable name %q", k)
		}
	}

	log.Debug().
		Str("module", opts.Module).
		Str("digest", fn.CodeDigest).
		Int("bytes", len(code)).
		Msg("Running module")

	result, execCtx, err := invoker.Execute(ctx, fn, payload)
	if err != nil {
		return nil, err
	}

	return &runOutput{
		InvocationID:    execCtx.InvocationID,
		Success:         result.Success(),
		ExecutionTimeMs: result.ExecutionTimeMs(),
		Result:          result,
	}, nil
}
