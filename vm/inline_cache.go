package vm

// Inline caching by in-place bytecode rewriting.
//
// Every call-object-symbol site starts life as CallObjSym. The first
// successful dispatch rewrites the opcode byte to the IC variant and
// embeds the receiver's type id (2 bytes) plus a 6-byte function
// reference in the operand bytes the slow opcode reserves as padding.
// A later receiver of a different type flips the opcode byte back;
// because every variant in a family shares one instruction size, both
// directions are single-byte rewrites and pc arithmetic stays valid.
//
// The same pattern covers CallSym and the Field/SetField families
// (struct offset caches).

// CallObjSym family operand offsets.
const (
	objCallOffStart  = 1
	objCallOffArgs   = 2
	objCallOffRet    = 3
	objCallOffSym    = 4
	objCallOffFn     = 6
	objCallOffTypeID = 12
	objCallSize      = 14
)

// CallSym family operand offsets.
const (
	callOffStart  = 1
	callOffArgs   = 2
	callOffRet    = 3
	callOffExtra  = 4 // numLocals for CallFuncIC
	callOffFn     = 5
	callSize      = 11
)

// Field family operand offsets.
const (
	fieldOffRecv   = 1
	fieldOffDst    = 2
	fieldOffSym    = 3
	fieldOffTypeID = 4
	fieldOffOffset = 6
	fieldSize      = 8
)

// SetField family operand offsets.
const (
	setFieldOffRecv   = 1
	setFieldOffSym    = 2
	setFieldOffVal    = 3
	setFieldOffTypeID = 4
	setFieldOffOffset = 6
	setFieldSize      = 7
)

// ICStats counts cache behaviour for profiling and tests.
type ICStats struct {
	Hits    uint64
	Misses  uint64
	Quicken uint64 // slow-path dispatches that installed a cache
	Deopts  uint64
}

// quickenObjCall rewrites a CallObjSym site after a successful slow
// dispatch, caching the receiver type and resolved function.
func (vm *VM) quickenObjCall(code []byte, pc int, typeID TypeID, m resolvedMethod) {
	if m.isHost {
		code[pc] = byte(OpCallObjNativeFuncIC)
		writeU48(code, pc+objCallOffFn, uint64(m.hostID))
	} else {
		code[pc] = byte(OpCallObjFuncIC)
		writeU48(code, pc+objCallOffFn, uint64(vm.chunk.Funcs[m.funcID].PC))
	}
	writeU16(code, pc+objCallOffTypeID, uint16(typeID))
	vm.icStats.Quicken++
}

// deoptObjCall flips an IC site back to the generic opcode. The
// operand bytes keep the symbol id, so re-quickening needs no other
// state.
func (vm *VM) deoptObjCall(code []byte, pc int) {
	code[pc] = byte(OpCallObjSym)
	vm.icStats.Deopts++
}

// quickenCallSym rewrites a CallSym site to the matching direct form.
func (vm *VM) quickenCallSym(code []byte, pc int, f *FuncInfo) {
	if f.IsHost {
		code[pc] = byte(OpCallNativeFuncIC)
		writeU48(code, pc+callOffFn, uint64(f.HostID))
	} else {
		code[pc] = byte(OpCallFuncIC)
		code[pc+callOffExtra] = f.NumLocals
		writeU48(code, pc+callOffFn, uint64(f.PC))
	}
	vm.icStats.Quicken++
}

// quickenField installs a field offset cache.
func (vm *VM) quickenField(code []byte, pc int, ic Opcode, typeID TypeID, offset uint8) {
	code[pc] = byte(ic)
	writeU16(code, pc+fieldOffTypeID, uint16(typeID))
	code[pc+fieldOffOffset] = offset
	vm.icStats.Quicken++
}

// quickenSetField installs a field offset cache on a SetField site.
func (vm *VM) quickenSetField(code []byte, pc int, ic Opcode, typeID TypeID, offset uint8) {
	code[pc] = byte(ic)
	writeU16(code, pc+setFieldOffTypeID, uint16(typeID))
	code[pc+setFieldOffOffset] = offset
	vm.icStats.Quicken++
}

// deoptField flips a Field/SetField IC site back to its generic
// opcode.
func (vm *VM) deoptField(code []byte, pc int, generic Opcode) {
	code[pc] = byte(generic)
	vm.icStats.Deopts++
}

// ICStatsSnapshot returns the current cache counters.
func (vm *VM) ICStatsSnapshot() ICStats { return vm.icStats }
