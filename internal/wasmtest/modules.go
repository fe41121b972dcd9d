package wasmtest

import "bytes"

// Entry is the export name used by every prebuilt module.
const Entry = "handle"

// Memory layout shared by the prebuilt modules: an iovec at 0, the
// nread/nwritten slot at 8, and the data buffer from 16.
const (
	iovecAddr  = 0
	resultAddr = 8
	bufferAddr = 16
	bufferSize = 4096
)

func join(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func writeConst(fdWrite uint32, fd int32, offset uint32, n int) []byte {
	return join(
		I32Const(iovecAddr), I32Const(int32(offset)), I32Store(),
		I32Const(iovecAddr+4), I32Const(int32(n)), I32Store(),
		I32Const(fd), I32Const(iovecAddr), I32Const(1), I32Const(resultAddr), Call(fdWrite), Ops(OpDrop),
	)
}

func readStdin(fdRead uint32) []byte {
	return join(
		I32Const(iovecAddr), I32Const(bufferAddr), I32Store(),
		I32Const(iovecAddr+4), I32Const(bufferSize), I32Store(),
		I32Const(0), I32Const(iovecAddr), I32Const(1), I32Const(resultAddr), Call(fdRead), Ops(OpDrop),
	)
}

// Echo copies stdin to stdout.
func Echo() []byte {
	b := New()
	fdRead := b.ImportFdRead()
	fdWrite := b.ImportFdWrite()
	b.Memory(1, "memory")
	b.Func(Entry, nil, nil, nil,
		readStdin(fdRead),
		I32Const(iovecAddr+4), I32Const(resultAddr), I32Load(), I32Store(),
		I32Const(1), I32Const(iovecAddr), I32Const(1), I32Const(resultAddr), Call(fdWrite), Ops(OpDrop),
	)
	return b.Build()
}

// Constant writes stdout to fd 1 and, when non-empty, stderr to fd 2.
func Constant(stdout, stderr string) []byte {
	b := New()
	fdWrite := b.ImportFdWrite()
	b.Memory(1, "memory")
	b.Data(bufferAddr, []byte(stdout))
	body := writeConst(fdWrite, 1, bufferAddr, len(stdout))
	if stderr != "" {
		off := uint32(bufferAddr + len(stdout))
		b.Data(off, []byte(stderr))
		body = join(writeConst(fdWrite, 2, off, len(stderr)), body)
	}
	b.Func(Entry, nil, nil, nil, body)
	return b.Build()
}

// Reactor exports _initialize, which writes initLog to stderr, and an entry
// point that writes stdout.
func Reactor(stdout, initLog string) []byte {
	b := New()
	fdWrite := b.ImportFdWrite()
	b.Memory(1, "memory")
	b.Data(bufferAddr, []byte(stdout))
	logAddr := uint32(bufferAddr + len(stdout))
	b.Data(logAddr, []byte(initLog))
	b.Func("_initialize", nil, nil, nil, writeConst(fdWrite, 2, logAddr, len(initLog)))
	b.Func(Entry, nil, nil, nil, writeConst(fdWrite, 1, bufferAddr, len(stdout)))
	return b.Build()
}

// ImportsHost imports a function from a module other than WASI.
func ImportsHost() []byte {
	b := New()
	b.ImportFunc("env", "host_call", nil, nil)
	b.Func(Entry, nil, nil, nil)
	return b.Build()
}

// DivideByZero traps with an integer divide by zero.
func DivideByZero() []byte {
	b := New()
	b.Func(Entry, nil, nil, nil, I32Const(1), I32Const(0), Ops(OpI32DivS, OpDrop))
	return b.Build()
}

// Unreachable traps immediately.
func Unreachable() []byte {
	b := New()
	b.Func(Entry, nil, nil, nil, Ops(OpUnreachable))
	return b.Build()
}

// InfiniteLoop never returns.
func InfiniteLoop() []byte {
	b := New()
	b.Func(Entry, nil, nil, nil, Loop())
	return b.Build()
}

// Grow grows memory by pages and ignores the outcome.
func Grow(pages int32) []byte {
	b := New()
	b.Memory(1, "memory")
	b.Func(Entry, nil, nil, nil, I32Const(pages), MemoryGrow(), Ops(OpDrop))
	return b.Build()
}

// GrowFromPayload reads a single ASCII digit n from stdin and grows memory by
// n*64MiB, trapping when the growth is refused.
func GrowFromPayload() []byte {
	b := New()
	fdRead := b.ImportFdRead()
	b.Memory(1, "memory")
	b.Func(Entry, nil, nil, nil,
		readStdin(fdRead),
		I32Const(bufferAddr), I32Load8U(), I32Const('0'), Ops(OpI32Sub),
		I32Const(1024), Ops(OpI32Mul),
		MemoryGrow(),
		I32Const(-1), Ops(OpI32Eq),
		TrapIf(),
	)
	return b.Build()
}

// InitialMemory declares pages of initial memory and does nothing.
func InitialMemory(pages uint32) []byte {
	b := New()
	b.Memory(pages, "memory")
	b.Func(Entry, nil, nil, nil)
	return b.Build()
}

// UnexportedMemory is InitialMemory without exporting the memory.
func UnexportedMemory(pages uint32) []byte {
	b := New()
	b.Memory(pages, "")
	b.Func(Entry, nil, nil, nil)
	return b.Build()
}

// WithParams exports an entry point that takes an i32 parameter.
func WithParams() []byte {
	b := New()
	b.Func(Entry, []byte{I32}, nil, nil)
	return b.Build()
}
