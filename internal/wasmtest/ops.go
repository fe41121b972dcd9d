package wasmtest

// Opcodes used by the test modules.
const (
	OpUnreachable byte = 0x00
	OpEnd         byte = 0x0b
	OpDrop        byte = 0x1a
	OpI32Eq       byte = 0x46
	OpI32Sub      byte = 0x6b
	OpI32Mul      byte = 0x6c
	OpI32DivS     byte = 0x6d
)

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return appendS32([]byte{0x41}, v)
}

// Call encodes call idx.
func Call(idx uint32) []byte {
	return appendU32([]byte{0x10}, idx)
}

// I32Store encodes i32.store with natural alignment and zero offset.
func I32Store() []byte {
	return []byte{0x36, 0x02, 0x00}
}

// I32Load encodes i32.load with natural alignment and zero offset.
func I32Load() []byte {
	return []byte{0x28, 0x02, 0x00}
}

// I32Load8U encodes i32.load8_u with zero offset.
func I32Load8U() []byte {
	return []byte{0x2d, 0x00, 0x00}
}

// MemoryGrow encodes memory.grow on memory 0.
func MemoryGrow() []byte {
	return []byte{0x40, 0x00}
}

// Loop encodes an infinite loop: loop br 0 end.
func Loop() []byte {
	return []byte{0x03, 0x40, 0x0c, 0x00, OpEnd}
}

// TrapIf encodes: if (top of stack) unreachable end.
func TrapIf() []byte {
	return []byte{0x04, 0x40, OpUnreachable, OpEnd}
}

// Ops concatenates opcodes into a body fragment.
func Ops(ops ...byte) []byte {
	return ops
}
