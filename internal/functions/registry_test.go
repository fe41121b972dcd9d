package functions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubExecutor struct{}

func (stubExecutor) Execute(context.Context, *FunctionRecord, []byte, *ExecutionContext) (*ExecutionResult, error) {
	return &ExecutionResult{}, nil
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	r.Register(RuntimeWasm, stubExecutor{})

	x, err := r.Resolve(RuntimeWasm)
	require.NoError(t, err)
	require.NotNil(t, x)

	for _, kind := range []RuntimeKind{RuntimeJavaScript, RuntimePython, RuntimeRust, "cobol"} {
		_, err := r.Resolve(kind)
		require.ErrorIs(t, err, ErrUnsupported, "kind %s", kind)
		require.Equal(t, KindUnsupported, KindOf(err))
		require.False(t, KindOf(err).TenantFault())
	}
}

func TestRegistry_SupportsAndKinds(t *testing.T) {
	r := NewRegistry()
	require.Empty(t, r.Kinds())

	r.Register(RuntimeWasm, stubExecutor{})
	r.Register(RuntimePython, stubExecutor{})

	require.True(t, r.Supports(RuntimeWasm))
	require.False(t, r.Supports(RuntimeRust))
	require.Equal(t, []RuntimeKind{RuntimePython, RuntimeWasm}, r.Kinds())
}

func TestParseRuntimeKind(t *testing.T) {
	tests := []struct {
		in      string
		want    RuntimeKind
		wantErr bool
	}{
		{in: "wasm", want: RuntimeWasm},
		{in: " WASM ", want: RuntimeWasm},
		{in: "javascript", want: RuntimeJavaScript},
		{in: "python", want: RuntimePython},
		{in: "rust", want: RuntimeRust},
		{in: "", wantErr: true},
		{in: "node", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRuntimeKind(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestErrorKinds(t *testing.T) {
	err := newError(KindTrap, context.DeadlineExceeded, "wrapped")

	require.ErrorIs(t, err, ErrTrap)
	require.NotErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, KindTrap, KindOf(err))
	require.Equal(t, KindInternal, KindOf(context.Canceled))
	require.Equal(t, ErrorKind(""), KindOf(nil))

	require.True(t, KindTimeout.TenantFault())
	require.True(t, KindResourceExceeded.TenantFault())
	require.False(t, KindInternal.TenantFault())
	require.False(t, KindNotFound.TenantFault())
}

func TestNewExecutionContext(t *testing.T) {
	fn := &FunctionRecord{
		ID:             "fn",
		Environment:    map[string]string{"A": "1"},
		MemoryLimitMB:  64,
		TimeoutSeconds: 3,
	}

	a := NewExecutionContext(fn)
	b := NewExecutionContext(fn)

	require.NotEqual(t, a.InvocationID, b.InvocationID)
	require.Equal(t, "fn#"+a.InvocationID, a.sandboxName())
	require.Equal(t, 64, a.MemoryLimitMB)
	require.Equal(t, int64(3), int64(a.Timeout.Seconds()))

	a.Environment["A"] = "changed"
	require.Equal(t, "1", fn.Environment["A"], "environment is copied")
}
