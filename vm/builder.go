package vm

import (
	"fortio.org/safecast"
)

// ChunkBuilder assembles a Chunk instruction by instruction. It is the
// producer-side counterpart of the interpreter and is what external
// compiler front ends (and this package's tests) use to emit code.
type ChunkBuilder struct {
	chunk Chunk
	line  uint32
}

// NewChunkBuilder returns an empty builder for the named source.
func NewChunkBuilder(srcName string) *ChunkBuilder {
	return &ChunkBuilder{chunk: Chunk{SrcName: srcName}}
}

// SetLine records the source line for subsequently emitted bytes.
func (b *ChunkBuilder) SetLine(line uint32) { b.line = line }

// PC returns the current emit offset.
func (b *ChunkBuilder) PC() int { return len(b.chunk.Code) }

func (b *ChunkBuilder) emit(bytes ...byte) int {
	at := len(b.chunk.Code)
	b.chunk.Code = append(b.chunk.Code, bytes...)
	for range bytes {
		b.chunk.Lines = append(b.chunk.Lines, b.line)
	}
	return at
}

// Op emits an opcode with raw u8 operands. Wider operands are
// appended with U16/U48; Build validates the final layout.
func (b *ChunkBuilder) Op(op Opcode, operands ...byte) int {
	at := b.emit(byte(op))
	b.emit(operands...)
	return at
}

// U16 appends a little-endian u16 operand to the last instruction.
func (b *ChunkBuilder) U16(v uint16) {
	b.emit(byte(v), byte(v>>8))
}

// U48 appends a 6-byte operand to the last instruction.
func (b *ChunkBuilder) U48(v uint64) {
	b.emit(byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40))
}

// PatchU16 overwrites a previously emitted u16 at the given offset.
func (b *ChunkBuilder) PatchU16(at int, v uint16) {
	writeU16(b.chunk.Code, at, v)
}

// AddConst appends a constant and returns its pool index.
func (b *ChunkBuilder) AddConst(v Value) uint8 {
	idx, err := safecast.Conv[uint8](len(b.chunk.Consts))
	if err != nil {
		panic("builder: constant pool overflow")
	}
	b.chunk.Consts = append(b.chunk.Consts, v)
	return idx
}

// AddString interns a static string and returns its id. The id carries
// no flavour; AddStringConst boxes it as ASCII or UTF-8 by content.
func (b *ChunkBuilder) AddString(s string) uint32 {
	for i, existing := range b.chunk.Strings {
		if existing == s {
			return uint32(i)
		}
	}
	b.chunk.Strings = append(b.chunk.Strings, s)
	return uint32(len(b.chunk.Strings) - 1)
}

// AddStringConst interns s and adds a static string constant for it,
// returning the pool index.
func (b *ChunkBuilder) AddStringConst(s string) uint8 {
	id := b.AddString(s)
	if isASCII(s) {
		return b.AddConst(StaticAstring(id))
	}
	return b.AddConst(StaticUstring(id))
}

// AddTagLit interns a tag literal name (#Name) and returns its id.
func (b *ChunkBuilder) AddTagLit(name string) uint32 {
	for i, existing := range b.chunk.TagLits {
		if existing == name {
			return uint32(i)
		}
	}
	b.chunk.TagLits = append(b.chunk.TagLits, name)
	return uint32(len(b.chunk.TagLits) - 1)
}

// AddFunc registers a function covering [pc, end). Returns the
// function id used by Lambda/Closure/StaticFunc/CallSym operands.
func (b *ChunkBuilder) AddFunc(f FuncInfo) uint16 {
	id, err := safecast.Conv[uint16](len(b.chunk.Funcs))
	if err != nil {
		panic("builder: function table overflow")
	}
	b.chunk.Funcs = append(b.chunk.Funcs, f)
	return id
}

// AddMethodSym registers a method symbol name and returns its id.
func (b *ChunkBuilder) AddMethodSym(name string) uint8 {
	for i, s := range b.chunk.MethodSyms {
		if s.Name == name {
			return uint8(i)
		}
	}
	b.chunk.MethodSyms = append(b.chunk.MethodSyms, MethodSym{Name: name})
	return uint8(len(b.chunk.MethodSyms) - 1)
}

// BindMethod adds a per-type implementation to a method symbol.
func (b *ChunkBuilder) BindMethod(symID uint8, entry MethodEntry) {
	sym := &b.chunk.MethodSyms[symID]
	sym.Entries = append(sym.Entries, entry)
}

// AddStaticVar registers a static variable slot and returns its id.
func (b *ChunkBuilder) AddStaticVar(name string) uint16 {
	b.chunk.StaticVars = append(b.chunk.StaticVars, name)
	return uint16(len(b.chunk.StaticVars) - 1)
}

// SetMain marks the entry function.
func (b *ChunkBuilder) SetMain(funcID uint16) { b.chunk.Main = funcID }

// Build finalises and validates the chunk.
func (b *ChunkBuilder) Build() (*Chunk, error) {
	c := b.chunk
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// MustBuild is Build for callers that treat emission errors as bugs.
func (b *ChunkBuilder) MustBuild() *Chunk {
	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
