package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watzon/forge/internal/metrics"
)

// InvocationIDHeader carries the invocation id on every response.
const InvocationIDHeader = "X-Forge-Invocation-Id"

// FunctionStore supplies function records. GetFunction returns an error
// matching ErrNotFound when the function does not exist.
type FunctionStore interface {
	GetFunction(ctx context.Context, id string) (*FunctionRecord, error)
}

// Limits are the defaults and ceilings applied to a function's declared
// memory limit and timeout.
type Limits struct {
	DefaultMemoryMB int
	MaxMemoryMB     int
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
}

// Apply fills zero values in execCtx with defaults and clamps both limits
// to their ceilings.
func (l Limits) Apply(execCtx *ExecutionContext) {
	if execCtx.MemoryLimitMB <= 0 {
		execCtx.MemoryLimitMB = l.DefaultMemoryMB
	}
	if l.MaxMemoryMB > 0 && execCtx.MemoryLimitMB > l.MaxMemoryMB {
		execCtx.MemoryLimitMB = l.MaxMemoryMB
	}
	if execCtx.Timeout <= 0 {
		execCtx.Timeout = l.DefaultTimeout
	}
	if l.MaxTimeout > 0 && execCtx.Timeout > l.MaxTimeout {
		execCtx.Timeout = l.MaxTimeout
	}
}

// Service is the entry point for invocations. It looks functions up,
// dispatches them by runtime, and reports every outcome to the recorder.
type Service struct {
	store    FunctionStore
	registry *Registry
	recorder Recorder
	limits   Limits
}

// NewService creates an invocation service. recorder may be nil.
func NewService(store FunctionStore, registry *Registry, recorder Recorder, limits Limits) *Service {
	return &Service{
		store:    store,
		registry: registry,
		recorder: recorder,
		limits:   limits,
	}
}

// Registry returns the runtime registry used for dispatch.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Invoke runs the function named by req. Failures detected before a sandbox
// is built (not found, validation, unsupported runtime, compile failures)
// are returned as errors. Failures inside the sandbox produce a 500 response
// carrying the error kind.
func (s *Service) Invoke(ctx context.Context, req *InvocationRequest) (*InvocationResponse, error) {
	// Read before the record so code loaded ahead of a concurrent update
	// is never cached after the update's invalidation.
	gens := s.registry.generations(req.FunctionID)

	fn, err := s.store.GetFunction(ctx, req.FunctionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NotFoundError(req.FunctionID)
		}
		return nil, newError(KindInternal, err, "loading function %s", req.FunctionID)
	}
	if !fn.IsActive {
		return nil, NotFoundError(req.FunctionID)
	}

	result, execCtx, err := s.execute(ctx, fn, req.Payload, gens)
	if err != nil {
		return nil, err
	}
	return buildResponse(result, execCtx), nil
}

// Execute runs fn directly, without a store lookup. The returned context
// identifies the invocation.
func (s *Service) Execute(ctx context.Context, fn *FunctionRecord, payload []byte) (*ExecutionResult, *ExecutionContext, error) {
	return s.execute(ctx, fn, payload, s.registry.generations(fn.ID))
}

func (s *Service) execute(ctx context.Context, fn *FunctionRecord, payload []byte, gens map[RuntimeKind]uint64) (*ExecutionResult, *ExecutionContext, error) {
	if len(payload) == 0 {
		payload = []byte("null")
	}

	execCtx := NewExecutionContext(fn)
	s.limits.Apply(execCtx)
	if gen, ok := gens[fn.Runtime]; ok {
		execCtx.generation, execCtx.pinned = gen, true
	}

	logger := log.With().
		Str("function_id", fn.ID).
		Str("invocation_id", execCtx.InvocationID).
		Str("runtime", string(fn.Runtime)).
		Logger()

	start := time.Now()
	executor, err := s.registry.Resolve(fn.Runtime)
	if err != nil {
		s.finish(&logger, fn, execCtx, &ExecutionResult{Duration: time.Since(start), Error: asError(err)})
		return nil, execCtx, err
	}

	result, err := executor.Execute(ctx, fn, payload, execCtx)
	if err != nil {
		s.finish(&logger, fn, execCtx, &ExecutionResult{Duration: time.Since(start), Error: asError(err)})
		return nil, execCtx, err
	}

	s.finish(&logger, fn, execCtx, result)
	return result, execCtx, nil
}

func (s *Service) finish(logger *zerolog.Logger, fn *FunctionRecord, execCtx *ExecutionContext, result *ExecutionResult) {
	outcome := "success"
	var kind ErrorKind
	if result.Error != nil {
		kind = result.Error.Kind
		outcome = string(kind)
	}

	metrics.RecordInvocation(string(fn.Runtime), outcome, result.Duration, result.MemoryUsedMB)

	var event *zerolog.Event
	switch {
	case result.Error == nil:
		event = logger.Debug()
	case kind.TenantFault():
		event = logger.Info().Str("error", result.Error.Error())
	default:
		event = logger.Error().Str("error", result.Error.Error())
	}
	event.
		Str("outcome", outcome).
		Dur("duration", result.Duration).
		Float64("memory_mb", result.MemoryUsedMB).
		Int("log_lines", len(result.Logs)).
		Msg("Function invoked")

	if s.recorder == nil {
		return
	}
	s.recorder.Record(InvocationRecord{
		ID:              ulid.Make().String(),
		FunctionID:      fn.ID,
		InvocationID:    execCtx.InvocationID,
		Success:         result.Error == nil,
		ErrorKind:       kind,
		ExecutionTimeMs: result.ExecutionTimeMs(),
		MemoryUsedMB:    result.MemoryUsedMB,
		Logs:            result.Logs,
		CreatedAt:       time.Now().UTC(),
	})
}

func asError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return newError(KindInternal, err, "executing function")
}

type errorBody struct {
	Error struct {
		Kind    ErrorKind `json:"kind"`
		Message string    `json:"message"`
	} `json:"error"`
}

// ErrorBody renders err as the JSON body returned for failed invocations.
func ErrorBody(err error) json.RawMessage {
	fe := asError(err)
	var body errorBody
	body.Error.Kind = fe.Kind
	body.Error.Message = fe.Message
	out, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		return json.RawMessage(fmt.Sprintf(`{"error":{"kind":%q,"message":"internal error"}}`, KindInternal))
	}
	return out
}

func buildResponse(result *ExecutionResult, execCtx *ExecutionContext) *InvocationResponse {
	resp := &InvocationResponse{
		StatusCode: http.StatusOK,
		Body:       result.Output,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			InvocationIDHeader: execCtx.InvocationID,
		},
		ExecutionTimeMs: result.ExecutionTimeMs(),
		MemoryUsedMB:    result.MemoryUsedMB,
		InvocationID:    execCtx.InvocationID,
	}
	if result.Error != nil {
		resp.StatusCode = http.StatusInternalServerError
		resp.Body = ErrorBody(result.Error)
		resp.ErrorKind = result.Error.Kind
	}
	return resp
}
