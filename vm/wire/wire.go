// Package wire implements the serialized chunk format: a canonical
// CBOR envelope around the constant pool bit patterns, the
// instruction buffer and the symbol tables. Encoding is canonical so
// the same chunk always produces the same bytes, which the
// content-addressed store relies on.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/fenlang/fen/vm"
)

// FormatVersion is bumped whenever the envelope layout changes.
const FormatVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ErrVersionMismatch is returned when decoding an envelope written by
// an incompatible runtime.
var ErrVersionMismatch = errors.New("wire: chunk format version mismatch")

// chunkEnvelope is the on-the-wire shape. Counts travel explicitly so
// a decoder can validate before touching the payload.
type chunkEnvelope struct {
	Version    uint32       `cbor:"1,keyasint"`
	NumConsts  uint32       `cbor:"2,keyasint"`
	NumFuncs   uint32       `cbor:"3,keyasint"`
	NumStrings uint32       `cbor:"4,keyasint"`
	Consts     []uint64     `cbor:"5,keyasint"`
	Code       []byte       `cbor:"6,keyasint"`
	Strings    []string     `cbor:"7,keyasint"`
	Funcs      []funcWire   `cbor:"8,keyasint"`
	Methods    []methodWire `cbor:"9,keyasint"`
	StaticVars []string     `cbor:"10,keyasint"`
	TagLits    []string     `cbor:"11,keyasint"`
	Main       uint16       `cbor:"12,keyasint"`
	SrcName    string       `cbor:"13,keyasint"`
	Lines      []uint32     `cbor:"14,keyasint"`
}

type funcWire struct {
	Name          string  `cbor:"1,keyasint"`
	PC            uint32  `cbor:"2,keyasint"`
	End           uint32  `cbor:"3,keyasint"`
	NumParams     uint8   `cbor:"4,keyasint"`
	NumLocals     uint8   `cbor:"5,keyasint"`
	IsHost        bool    `cbor:"6,keyasint"`
	HostID        uint16  `cbor:"7,keyasint"`
	RetainedSlots []uint8 `cbor:"8,keyasint"`
}

type methodWire struct {
	Name    string      `cbor:"1,keyasint"`
	Entries []entryWire `cbor:"2,keyasint"`
}

type entryWire struct {
	TypeID    uint32 `cbor:"1,keyasint"`
	FuncID    uint16 `cbor:"2,keyasint"`
	HostID    uint16 `cbor:"3,keyasint"`
	NumParams uint8  `cbor:"4,keyasint"`
}

// EncodeChunk serializes a chunk. The instruction byte sequence and
// constant pool round-trip bit for bit.
func EncodeChunk(c *vm.Chunk) ([]byte, error) {
	env := chunkEnvelope{
		Version:    FormatVersion,
		NumConsts:  uint32(len(c.Consts)),
		NumFuncs:   uint32(len(c.Funcs)),
		NumStrings: uint32(len(c.Strings)),
		Consts:     make([]uint64, len(c.Consts)),
		Code:       c.Code,
		Strings:    c.Strings,
		Funcs:      make([]funcWire, len(c.Funcs)),
		Methods:    make([]methodWire, len(c.MethodSyms)),
		StaticVars: c.StaticVars,
		TagLits:    c.TagLits,
		Main:       c.Main,
		SrcName:    c.SrcName,
		Lines:      c.Lines,
	}
	for i, v := range c.Consts {
		env.Consts[i] = uint64(v)
	}
	for i, f := range c.Funcs {
		env.Funcs[i] = funcWire{
			Name:          f.Name,
			PC:            f.PC,
			End:           f.End,
			NumParams:     f.NumParams,
			NumLocals:     f.NumLocals,
			IsHost:        f.IsHost,
			HostID:        f.HostID,
			RetainedSlots: f.RetainedSlots,
		}
	}
	for i, m := range c.MethodSyms {
		mw := methodWire{Name: m.Name, Entries: make([]entryWire, len(m.Entries))}
		for j, e := range m.Entries {
			mw.Entries[j] = entryWire{
				TypeID:    uint32(e.TypeID),
				FuncID:    e.FuncID,
				HostID:    e.HostID,
				NumParams: e.NumParams,
			}
		}
		env.Methods[i] = mw
	}
	return cborEncMode.Marshal(&env)
}

func decodeEnvelope(data []byte, env *chunkEnvelope) error {
	return cbor.Unmarshal(data, env)
}

// DecodeChunk deserializes and validates a chunk envelope.
func DecodeChunk(data []byte) (*vm.Chunk, error) {
	var env chunkEnvelope
	if err := decodeEnvelope(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	if env.Version != FormatVersion {
		return nil, ErrVersionMismatch
	}
	if int(env.NumConsts) != len(env.Consts) ||
		int(env.NumFuncs) != len(env.Funcs) ||
		int(env.NumStrings) != len(env.Strings) {
		return nil, errors.New("wire: header counts disagree with payload")
	}
	c := &vm.Chunk{
		Consts:     make([]vm.Value, len(env.Consts)),
		Code:       env.Code,
		Strings:    env.Strings,
		Funcs:      make([]vm.FuncInfo, len(env.Funcs)),
		MethodSyms: make([]vm.MethodSym, len(env.Methods)),
		StaticVars: env.StaticVars,
		TagLits:    env.TagLits,
		Main:       env.Main,
		SrcName:    env.SrcName,
		Lines:      env.Lines,
	}
	for i, u := range env.Consts {
		c.Consts[i] = vm.Value(u)
	}
	for i, f := range env.Funcs {
		c.Funcs[i] = vm.FuncInfo{
			Name:          f.Name,
			PC:            f.PC,
			End:           f.End,
			NumParams:     f.NumParams,
			NumLocals:     f.NumLocals,
			IsHost:        f.IsHost,
			HostID:        f.HostID,
			RetainedSlots: f.RetainedSlots,
		}
	}
	for i, m := range env.Methods {
		ms := vm.MethodSym{Name: m.Name, Entries: make([]vm.MethodEntry, len(m.Entries))}
		for j, e := range m.Entries {
			ms.Entries[j] = vm.MethodEntry{
				TypeID:    vm.TypeID(e.TypeID),
				FuncID:    e.FuncID,
				HostID:    e.HostID,
				NumParams: e.NumParams,
			}
		}
		c.MethodSyms[i] = ms
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
