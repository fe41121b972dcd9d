// Package wasmtest assembles small WebAssembly binaries for tests.
//
// It covers only what the engine tests need: function imports, a single
// linear memory, exported functions, and active data segments.
package wasmtest

import (
	"bytes"
	"encoding/binary"
)

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// WASIModule is the import module name for WASI preview1.
const WASIModule = "wasi_snapshot_preview1"

type funcType struct {
	params  []byte
	results []byte
}

type importedFunc struct {
	module string
	name   string
	typ    uint32
}

type definedFunc struct {
	export string
	typ    uint32
	locals []byte
	body   []byte
}

type dataSegment struct {
	offset uint32
	bytes  []byte
}

type memory struct {
	min    uint32
	max    uint32
	hasMax bool
	export string
}

// Builder builds a module. Imports must be declared before functions so
// that function indices stay stable.
type Builder struct {
	types   []funcType
	imports []importedFunc
	funcs   []definedFunc
	mem     *memory
	data    []dataSegment
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results []byte) uint32 {
	for i, t := range b.types {
		if bytes.Equal(t.params, params) && bytes.Equal(t.results, results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// ImportFunc declares a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []byte) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	b.imports = append(b.imports, importedFunc{
		module: module,
		name:   name,
		typ:    b.typeIndex(params, results),
	})
	return uint32(len(b.imports) - 1)
}

// ImportFdRead imports WASI fd_read.
func (b *Builder) ImportFdRead() uint32 {
	return b.ImportFunc(WASIModule, "fd_read", []byte{I32, I32, I32, I32}, []byte{I32})
}

// ImportFdWrite imports WASI fd_write.
func (b *Builder) ImportFdWrite() uint32 {
	return b.ImportFunc(WASIModule, "fd_write", []byte{I32, I32, I32, I32}, []byte{I32})
}

// Func defines a function with the given body (without the trailing end
// opcode). A non-empty export name exports it. Each entry in locals declares
// one local of that type.
func (b *Builder) Func(export string, params, results, locals []byte, body ...[]byte) uint32 {
	b.funcs = append(b.funcs, definedFunc{
		export: export,
		typ:    b.typeIndex(params, results),
		locals: locals,
		body:   bytes.Join(body, nil),
	})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Memory declares the module memory with a minimum size in pages.
func (b *Builder) Memory(minPages uint32, export string) *Builder {
	b.mem = &memory{min: minPages, export: export}
	return b
}

// MemoryWithMax declares the module memory with both limits.
func (b *Builder) MemoryWithMax(minPages, maxPages uint32, export string) *Builder {
	b.mem = &memory{min: minPages, max: maxPages, hasMax: true, export: export}
	return b
}

// Data adds an active data segment for memory 0.
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	b.data = append(b.data, dataSegment{offset: offset, bytes: data})
	return b
}

// Build encodes the module.
func (b *Builder) Build() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(b.types) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(b.types)))
		for _, t := range b.types {
			sec = append(sec, 0x60)
			sec = appendU32(sec, uint32(len(t.params)))
			sec = append(sec, t.params...)
			sec = appendU32(sec, uint32(len(t.results)))
			sec = append(sec, t.results...)
		}
		writeSection(&out, 1, sec)
	}

	if len(b.imports) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(b.imports)))
		for _, imp := range b.imports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, 0x00)
			sec = appendU32(sec, imp.typ)
		}
		writeSection(&out, 2, sec)
	}

	if len(b.funcs) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			sec = appendU32(sec, f.typ)
		}
		writeSection(&out, 3, sec)
	}

	if b.mem != nil {
		var sec []byte
		sec = appendU32(sec, 1)
		if b.mem.hasMax {
			sec = append(sec, 0x01)
			sec = appendU32(sec, b.mem.min)
			sec = appendU32(sec, b.mem.max)
		} else {
			sec = append(sec, 0x00)
			sec = appendU32(sec, b.mem.min)
		}
		writeSection(&out, 5, sec)
	}

	var exports []byte
	var exportCount uint32
	for i, f := range b.funcs {
		if f.export == "" {
			continue
		}
		exportCount++
		exports = appendName(exports, f.export)
		exports = append(exports, 0x00)
		exports = appendU32(exports, uint32(len(b.imports)+i))
	}
	if b.mem != nil && b.mem.export != "" {
		exportCount++
		exports = appendName(exports, b.mem.export)
		exports = append(exports, 0x02)
		exports = appendU32(exports, 0)
	}
	if exportCount > 0 {
		writeSection(&out, 7, append(appendU32(nil, exportCount), exports...))
	}

	if len(b.funcs) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			var body []byte
			body = appendU32(body, uint32(len(f.locals)))
			for _, l := range f.locals {
				body = appendU32(body, 1)
				body = append(body, l)
			}
			body = append(body, f.body...)
			body = append(body, OpEnd)
			sec = appendU32(sec, uint32(len(body)))
			sec = append(sec, body...)
		}
		writeSection(&out, 10, sec)
	}

	if len(b.data) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(b.data)))
		for _, d := range b.data {
			sec = append(sec, 0x00)
			sec = append(sec, I32Const(int32(d.offset))...)
			sec = append(sec, OpEnd)
			sec = appendU32(sec, uint32(len(d.bytes)))
			sec = append(sec, d.bytes...)
		}
		writeSection(&out, 11, sec)
	}

	return out.Bytes()
}

func writeSection(out *bytes.Buffer, id byte, contents []byte) {
	out.WriteByte(id)
	out.Write(appendU32(nil, uint32(len(contents))))
	out.Write(contents)
}

func appendName(b []byte, name string) []byte {
	b = appendU32(b, uint32(len(name)))
	return append(b, name...)
}

func appendU32(b []byte, v uint32) []byte {
	return binary.AppendUvarint(b, uint64(v))
}

func appendS32(b []byte, v int32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
