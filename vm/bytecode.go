package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single byte-coded instruction. Operands are
// little-endian and instruction sizes are fixed per opcode.
type Opcode byte

// Constants and literals.
const (
	OpConstOp   Opcode = iota // [idx, dst] push constant from pool
	OpConstI8                 // [i8, dst] inline float constant
	OpConstI8Int              // [i8, dst] inline integer constant
	OpTrue                    // [dst]
	OpFalse                   // [dst]
	OpNone                    // [dst]
	OpTag                     // [symID, dst] symbol value
	OpTagLiteral              // [litID, dst] interned tag literal
)

// Moves and refcount primitives.
const (
	OpCopy Opcode = iota + 8 // [src, dst]
	OpCopyReleaseDst         // [src, dst] release dst first
	OpCopyRetainSrc          // [src, dst] retain src
	OpCopyRetainRelease      // [src, dst] retain src, release dst
	OpRetain                 // [local]
	OpRelease                // [local]
	OpReleaseN               // [n, local...]
	OpSetInitN               // [n, local...] init locals to none
)

// Arithmetic.
const (
	OpAdd Opcode = iota + 16 // [l, r, dst]
	OpSub
	OpMul
	OpDiv
	OpPow
	OpMod
	OpNeg     // [src, dst]
	OpAddInt  // [l, r, dst] 48-bit wrap
	OpSubInt  // [l, r, dst] 48-bit wrap
	OpLessInt // [l, r, dst]
)

// Comparison and boolean.
const (
	OpCompare Opcode = iota + 26 // [l, r, dst]
	OpCompareNot
	OpLess
	OpGreater
	OpLessEqual
	OpGreaterEqual
	OpNot // [src, dst]
)

// Bitwise.
const (
	OpBitwiseAnd Opcode = iota + 33 // [l, r, dst]
	OpBitwiseOr
	OpBitwiseXor
	OpBitwiseNot // [src, dst]
	OpBitwiseLeftShift
	OpBitwiseRightShift
)

// Control flow.
const (
	OpJump Opcode = iota + 39 // [i16]
	OpJumpCond                // [i16, cond]
	OpJumpNotCond             // [i16, cond]
	OpJumpNotNone             // [i16, src]
	OpMatch                   // [expr, numCases, (constIdx, u16)*, elseU16]
)

// Calls and returns.
const (
	OpCall0 Opcode = iota + 44 // [startLocal, numArgs]
	OpCall1                    // [startLocal, numArgs]
	OpCallSym                  // [startLocal, numArgs, numRet, symU16, pad*5]
	OpCallFuncIC               // [startLocal, numArgs, numRet, numLocals, fnU48]
	OpCallNativeFuncIC         // [startLocal, numArgs, numRet, pad, fnU48]
	OpCallObjSym               // [startLocal, numArgs, numRet, symID, pad, fnU48, typeU16]
	OpCallObjFuncIC            // same layout as OpCallObjSym
	OpCallObjNativeFuncIC      // same layout as OpCallObjSym
	OpRet0                     // []
	OpRet1                     // []
)

// Aggregates.
const (
	OpList Opcode = iota + 54 // [startLocal, numElems, dst]
	OpMap                     // [startLocal, numEntries, dst]
	OpMapEmpty                // [dst]
	OpObjectSmall             // [sid, startLocal, numFields, dst]
	OpObject                  // [sid, startLocal, numFields, dst]
	OpIndex                   // [recv, idx, dst]
	OpReverseIndex            // [recv, idx, dst]
	OpSetIndex                // [recv, idx, val]
	OpSetIndexRelease         // [recv, idx, val]
	OpSlice                   // [recv, start, end, dst]
	OpField                   // [recv, dst, symID, typeU16, offset, pad]
	OpFieldIC                 // same layout as OpField
	OpFieldRetain             // same layout as OpField
	OpFieldRetainIC           // same layout as OpField
	OpFieldRelease            // same layout as OpField
	OpSetField                // [recv, symID, val, typeU16, offset]
	OpSetFieldRelease         // same layout as OpSetField
	OpSetFieldReleaseIC       // same layout as OpSetField
	OpStringTemplate          // [startLocal, count, dst]
)

// Closures and boxes.
const (
	OpLambda Opcode = iota + 73 // [funcU16, dst]
	OpClosure                   // [funcU16, numCaptured, startLocal, dst]
	OpBox                       // [src, dst]
	OpBoxValue                  // [box, dst]
	OpBoxValueRetain            // [box, dst]
	OpSetBoxValue               // [box, val]
	OpSetBoxValueRelease        // [box, val]
)

// Iteration.
const (
	OpForRangeInit    Opcode = iota + 80 // [start, end, step, cnt, userCnt, jumpU16]
	OpForRange                           // [cnt, step, end, userCnt, backU16]
	OpForRangeReverse                    // [cnt, step, end, userCnt, backU16]
)

// Statics.
const (
	OpStaticFunc Opcode = iota + 83 // [funcU16, dst]
	OpStaticVar                     // [varU16, dst]
	OpSetStaticFunc                 // [funcU16, src]
	OpSetStaticVar                  // [varU16, src]
	OpSym                           // [symKind, symU16, dst]
)

// Fibers.
const (
	OpCoinit Opcode = iota + 88 // [startArgs, numArgs, jumpU16, dst]
	OpCoyield                   // [val]
	OpCoresume                  // [fiber, dst]
	OpCoreturn                  // [val]
)

// Misc.
const (
	OpTryValue Opcode = iota + 92 // [src, dst, jumpU16]
	OpEnd                         // [local]
)

// NumOpcodes is the count of defined opcodes.
const NumOpcodes = int(OpEnd) + 1

// opSizes lists the fixed instruction size per opcode, including the
// opcode byte. Variable-size opcodes (ReleaseN, SetInitN, Match) are
// marked 0 and measured from their operands.
var opSizes = [NumOpcodes]int{
	OpConstOp: 3, OpConstI8: 3, OpConstI8Int: 3,
	OpTrue: 2, OpFalse: 2, OpNone: 2,
	OpTag: 3, OpTagLiteral: 3,

	OpCopy: 3, OpCopyReleaseDst: 3, OpCopyRetainSrc: 3, OpCopyRetainRelease: 3,
	OpRetain: 2, OpRelease: 2, OpReleaseN: 0, OpSetInitN: 0,

	OpAdd: 4, OpSub: 4, OpMul: 4, OpDiv: 4, OpPow: 4, OpMod: 4,
	OpNeg: 3, OpAddInt: 4, OpSubInt: 4, OpLessInt: 4,

	OpCompare: 4, OpCompareNot: 4, OpLess: 4, OpGreater: 4,
	OpLessEqual: 4, OpGreaterEqual: 4, OpNot: 3,

	OpBitwiseAnd: 4, OpBitwiseOr: 4, OpBitwiseXor: 4,
	OpBitwiseNot: 3, OpBitwiseLeftShift: 4, OpBitwiseRightShift: 4,

	OpJump: 3, OpJumpCond: 4, OpJumpNotCond: 4, OpJumpNotNone: 4, OpMatch: 0,

	OpCall0: 3, OpCall1: 3,
	OpCallSym: 11, OpCallFuncIC: 11, OpCallNativeFuncIC: 11,
	OpCallObjSym: 14, OpCallObjFuncIC: 14, OpCallObjNativeFuncIC: 14,
	OpRet0: 1, OpRet1: 1,

	OpList: 4, OpMap: 4, OpMapEmpty: 2,
	OpObjectSmall: 5, OpObject: 5,
	OpIndex: 4, OpReverseIndex: 4, OpSetIndex: 4, OpSetIndexRelease: 4,
	OpSlice: 5,
	OpField: 8, OpFieldIC: 8, OpFieldRetain: 8, OpFieldRetainIC: 8,
	OpFieldRelease: 8,
	OpSetField: 7, OpSetFieldRelease: 7, OpSetFieldReleaseIC: 7,
	OpStringTemplate: 4,

	OpLambda: 4, OpClosure: 6,
	OpBox: 3, OpBoxValue: 3, OpBoxValueRetain: 3,
	OpSetBoxValue: 3, OpSetBoxValueRelease: 3,

	OpForRangeInit: 8, OpForRange: 7, OpForRangeReverse: 7,

	OpStaticFunc: 4, OpStaticVar: 4, OpSetStaticFunc: 4, OpSetStaticVar: 4,
	OpSym: 5,

	OpCoinit: 6, OpCoyield: 2, OpCoresume: 3, OpCoreturn: 2,

	OpTryValue: 5, OpEnd: 2,
}

// instrSize returns the encoded size of the instruction at code[pc].
func instrSize(code []byte, pc int) int {
	op := Opcode(code[pc])
	if s := opSizes[op]; s != 0 {
		return s
	}
	switch op {
	case OpReleaseN, OpSetInitN:
		return 2 + int(code[pc+1])
	case OpMatch:
		return 3 + int(code[pc+2])*3 + 2
	default:
		panic(fmt.Sprintf("instrSize: unknown opcode %d", op))
	}
}

var opNames = [NumOpcodes]string{
	OpConstOp: "ConstOp", OpConstI8: "ConstI8", OpConstI8Int: "ConstI8Int",
	OpTrue: "True", OpFalse: "False", OpNone: "None",
	OpTag: "Tag", OpTagLiteral: "TagLiteral",
	OpCopy: "Copy", OpCopyReleaseDst: "CopyReleaseDst",
	OpCopyRetainSrc: "CopyRetainSrc", OpCopyRetainRelease: "CopyRetainRelease",
	OpRetain: "Retain", OpRelease: "Release", OpReleaseN: "ReleaseN",
	OpSetInitN: "SetInitN",
	OpAdd:      "Add", OpSub: "Sub", OpMul: "Mul", OpDiv: "Div",
	OpPow: "Pow", OpMod: "Mod", OpNeg: "Neg",
	OpAddInt: "AddInt", OpSubInt: "SubInt", OpLessInt: "LessInt",
	OpCompare: "Compare", OpCompareNot: "CompareNot",
	OpLess: "Less", OpGreater: "Greater",
	OpLessEqual: "LessEqual", OpGreaterEqual: "GreaterEqual", OpNot: "Not",
	OpBitwiseAnd: "BitwiseAnd", OpBitwiseOr: "BitwiseOr",
	OpBitwiseXor: "BitwiseXor", OpBitwiseNot: "BitwiseNot",
	OpBitwiseLeftShift: "BitwiseLeftShift", OpBitwiseRightShift: "BitwiseRightShift",
	OpJump: "Jump", OpJumpCond: "JumpCond", OpJumpNotCond: "JumpNotCond",
	OpJumpNotNone: "JumpNotNone", OpMatch: "Match",
	OpCall0: "Call0", OpCall1: "Call1", OpCallSym: "CallSym",
	OpCallFuncIC: "CallFuncIC", OpCallNativeFuncIC: "CallNativeFuncIC",
	OpCallObjSym: "CallObjSym", OpCallObjFuncIC: "CallObjFuncIC",
	OpCallObjNativeFuncIC: "CallObjNativeFuncIC",
	OpRet0:                "Ret0", OpRet1: "Ret1",
	OpList: "List", OpMap: "Map", OpMapEmpty: "MapEmpty",
	OpObjectSmall: "ObjectSmall", OpObject: "Object",
	OpIndex: "Index", OpReverseIndex: "ReverseIndex",
	OpSetIndex: "SetIndex", OpSetIndexRelease: "SetIndexRelease",
	OpSlice: "Slice",
	OpField: "Field", OpFieldIC: "FieldIC",
	OpFieldRetain: "FieldRetain", OpFieldRetainIC: "FieldRetainIC",
	OpFieldRelease: "FieldRelease",
	OpSetField:     "SetField", OpSetFieldRelease: "SetFieldRelease",
	OpSetFieldReleaseIC: "SetFieldReleaseIC",
	OpStringTemplate:    "StringTemplate",
	OpLambda:            "Lambda", OpClosure: "Closure",
	OpBox: "Box", OpBoxValue: "BoxValue", OpBoxValueRetain: "BoxValueRetain",
	OpSetBoxValue: "SetBoxValue", OpSetBoxValueRelease: "SetBoxValueRelease",
	OpForRangeInit: "ForRangeInit", OpForRange: "ForRange",
	OpForRangeReverse: "ForRangeReverse",
	OpStaticFunc:      "StaticFunc", OpStaticVar: "StaticVar",
	OpSetStaticFunc: "SetStaticFunc", OpSetStaticVar: "SetStaticVar",
	OpSym:    "Sym",
	OpCoinit: "Coinit", OpCoyield: "Coyield", OpCoresume: "Coresume",
	OpCoreturn: "Coreturn",
	OpTryValue: "TryValue", OpEnd: "End",
}

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	if int(op) < NumOpcodes && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("Opcode(%d)", byte(op))
}

// ---------------------------------------------------------------------------
// Little-endian operand helpers
// ---------------------------------------------------------------------------

func readU16(code []byte, at int) uint16 {
	return binary.LittleEndian.Uint16(code[at:])
}

func readI16(code []byte, at int) int16 {
	return int16(binary.LittleEndian.Uint16(code[at:]))
}

// readU48 reads a 6-byte function reference.
func readU48(code []byte, at int) uint64 {
	var v uint64
	for i := 5; i >= 0; i-- {
		v = v<<8 | uint64(code[at+i])
	}
	return v
}

func writeU16(code []byte, at int, v uint16) {
	binary.LittleEndian.PutUint16(code[at:], v)
}

func writeU48(code []byte, at int, v uint64) {
	for i := 0; i < 6; i++ {
		code[at+i] = byte(v >> (8 * i))
	}
}

// ---------------------------------------------------------------------------
// Chunk: the compiled artifact for one source module
// ---------------------------------------------------------------------------

// FuncInfo describes one function symbol. Most entries are bytecode
// functions; host-backed entries carry an index into the VM's host
// function table instead of a code range.
type FuncInfo struct {
	Name      string
	PC        uint32 // entry offset into Code
	End       uint32 // one past the last instruction
	NumParams uint8
	NumLocals uint8 // frame size excluding the 4 header slots
	IsHost    bool
	HostID    uint16

	// RetainedSlots lists the frame-relative local slots that hold
	// retained values at steady state. The unwinder releases them
	// when a panic or fiber teardown peels this frame.
	RetainedSlots []uint8
}

// MethodEntry binds a method symbol to an implementation for one
// receiver type.
type MethodEntry struct {
	TypeID    TypeID
	FuncID    uint16 // bytecode function, or NullMethodFunc for host
	HostID    uint16 // index into the VM host-func table
	NumParams uint8
}

// NullMethodFunc marks a host-backed method entry.
const NullMethodFunc = ^uint16(0)

// MethodSym is one method symbol with its per-type overloads.
type MethodSym struct {
	Name    string
	Entries []MethodEntry
}

// Chunk is the read-only compiled artifact the VM executes: constant
// pool, instruction buffer, and the symbol tables the instructions
// index into.
type Chunk struct {
	// Consts holds packed value bit patterns. Heap constants are
	// encoded as static string ids and resolved at load.
	Consts []Value

	// Code is the instruction buffer. It is deliberately mutable:
	// inline caching and loop specialisation rewrite opcode bytes in
	// place.
	Code []byte

	// Strings backs the static string values (tags 4 and 5).
	Strings []string

	Funcs      []FuncInfo
	MethodSyms []MethodSym

	// StaticVars names the chunk's static variable slots; values live
	// in the VM.
	StaticVars []string

	// TagLits interns the tag literal names (#Symbol payloads).
	TagLits []string

	// Main is the entry function index.
	Main uint16

	// Debug info.
	SrcName string
	Lines   []uint32 // instruction offset -> source line
}

// funcForPC returns the function whose body covers the given pc,
// preferring the tightest range when bodies nest (fiber bodies sit
// inside their enclosing function's span). Used by the unwinder.
func (c *Chunk) funcForPC(pc int) *FuncInfo {
	var best *FuncInfo
	for i := range c.Funcs {
		f := &c.Funcs[i]
		if f.IsHost {
			continue
		}
		if uint32(pc) >= f.PC && uint32(pc) < f.End {
			if best == nil || f.End-f.PC < best.End-best.PC {
				best = f
			}
		}
	}
	return best
}

// Validate checks the structural invariants a loader relies on: every
// instruction has a defined opcode and the final instruction ends
// exactly at the buffer boundary.
func (c *Chunk) Validate() error {
	pc := 0
	for pc < len(c.Code) {
		op := Opcode(c.Code[pc])
		if int(op) >= NumOpcodes {
			return fmt.Errorf("chunk: invalid opcode %d at %d", op, pc)
		}
		if opSizes[op] == 0 {
			// Variable-size opcodes measure their length from the
			// first operand bytes; those must exist.
			need := pc + 2
			if op == OpMatch {
				need = pc + 3
			}
			if need > len(c.Code) {
				return fmt.Errorf("chunk: truncated %s at %d", op, pc)
			}
		}
		sz := instrSize(c.Code, pc)
		if pc+sz > len(c.Code) {
			return fmt.Errorf("chunk: truncated %s at %d", op, pc)
		}
		pc += sz
	}
	return nil
}
