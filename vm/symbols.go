package vm

import (
	"fmt"
)

// Runtime symbol state: host functions, the type registry, method
// resolution and static variable slots. Chunks carry the names; the
// VM owns the live bindings.

// HostFuncFn is the signature host functions are bound with. A host
// function signals a panic by returning PanicSentinel.
type HostFuncFn func(vm *VM, args []Value) Value

// PanicSentinel is the reserved value a host function returns to
// raise a VM panic. It is an error value with an id no compiler
// emits.
var PanicSentinel = ErrorVal(^uint32(0) >> 1)

type hostFuncEntry struct {
	fn        HostFuncFn
	numParams uint8
	name      string
	modID     uint32
}

// TypeEntry describes a registered runtime type.
type TypeEntry struct {
	Name      string
	NumFields uint8

	// fieldOffsets maps a chunk field symbol id to the field index
	// within instances of this type.
	fieldOffsets map[uint8]uint8

	// finalizer runs for foreign handle types during destruction.
	finalizer FinalizerFn
}

// typeEntry returns the registry entry for a type id, or nil.
func (vm *VM) typeEntry(id TypeID) *TypeEntry {
	return vm.types[id]
}

// typeName resolves a type id for diagnostics.
func (vm *VM) typeName(id TypeID) string {
	if e := vm.types[id]; e != nil && e.Name != "" {
		return e.Name
	}
	switch id {
	case TypeNone:
		return "none"
	case TypeBoolean:
		return "boolean"
	case TypeError:
		return "error"
	case TypeSymbol:
		return "symbol"
	case TypeStaticAstring, TypeAstring:
		return "string"
	case TypeStaticUstring, TypeUstring:
		return "string"
	case TypeStringSlice:
		return "string"
	case TypeFloat:
		return "float"
	case TypeInteger:
		return "int"
	case TypeList:
		return "List"
	case TypeMap:
		return "Map"
	case TypeClosure, TypeLambda, TypeHostFunc:
		return "function"
	case TypeRawString, TypeRawStringSlice:
		return "rawstring"
	case TypeFiber:
		return "Fiber"
	case TypeBox:
		return "Box"
	case TypePointer:
		return "pointer"
	case TypeFile:
		return "File"
	case TypeDir:
		return "Dir"
	case TypeDirIter:
		return "DirIter"
	case TypeMetaType:
		return "metatype"
	default:
		return fmt.Sprintf("type%d", id)
	}
}

// RegisterType registers a user object type and returns its runtime
// type id. fieldNames order defines field offsets.
func (vm *VM) RegisterType(name string, fieldNames []string, finalizer FinalizerFn) TypeID {
	id := vm.nextTypeID
	vm.nextTypeID++
	entry := &TypeEntry{
		Name:         name,
		NumFields:    uint8(len(fieldNames)),
		fieldOffsets: make(map[uint8]uint8, len(fieldNames)),
		finalizer:    finalizer,
	}
	for i, fname := range fieldNames {
		symID := vm.internFieldSym(fname)
		entry.fieldOffsets[symID] = uint8(i)
	}
	vm.types[id] = entry
	return id
}

// SetTypeFinalizer attaches a finalizer to an existing type, which is
// how foreign handle types get their resource cleanup.
func (vm *VM) SetTypeFinalizer(id TypeID, fn FinalizerFn) {
	entry := vm.types[id]
	if entry == nil {
		entry = &TypeEntry{}
		vm.types[id] = entry
	}
	entry.finalizer = fn
}

// internFieldSym interns a field name into the VM-wide field symbol
// table shared by Field/SetField sites.
func (vm *VM) internFieldSym(name string) uint8 {
	if id, ok := vm.fieldSymIDs[name]; ok {
		return id
	}
	id := uint8(len(vm.fieldSyms))
	vm.fieldSyms = append(vm.fieldSyms, name)
	vm.fieldSymIDs[name] = id
	return id
}

// FieldSymID exposes field symbol interning to compilers and tests.
func (vm *VM) FieldSymID(name string) uint8 { return vm.internFieldSym(name) }

// fieldOffset resolves a field symbol against a receiver type.
func (vm *VM) fieldOffset(typeID TypeID, symID uint8) (uint8, bool) {
	entry := vm.types[typeID]
	if entry == nil {
		return 0, false
	}
	off, ok := entry.fieldOffsets[symID]
	return off, ok
}

// ---------------------------------------------------------------------------
// Host functions and modules
// ---------------------------------------------------------------------------

// RegisterHostFunc binds a host function and returns the id used by
// CallNativeFuncIC operands and method entries.
func (vm *VM) RegisterHostFunc(name string, numParams uint8, fn HostFuncFn) uint16 {
	vm.hostFuncs = append(vm.hostFuncs, hostFuncEntry{
		fn:        fn,
		numParams: numParams,
		name:      name,
	})
	return uint16(len(vm.hostFuncs) - 1)
}

// NewHostFunc wraps a host function into a callable value.
func (vm *VM) NewHostFunc(fn HostFuncFn, numParams uint8) Value {
	return vm.allocHostFunc(fn, numParams)
}

// ModuleID identifies a loaded module.
type ModuleID uint32

// ModuleResolverFn maps an import specifier to a resolved URI. The
// default resolver returns the specifier unchanged.
type ModuleResolverFn func(vm *VM, chunkID uint32, curURI, spec string) (string, bool)

// ModuleLoaderResult carries the loader callbacks for one module.
type ModuleLoaderResult struct {
	Src        string
	FuncLoader func(vm *VM, modID ModuleID, name string, idx uint32) (HostFuncFn, uint8, bool)
	VarLoader  func(vm *VM, modID ModuleID, name string, idx uint32) (Value, bool)
	TypeLoader func(vm *VM, modID ModuleID, name string, idx uint32) (TypeID, bool)
	PostLoad   func(vm *VM, modID ModuleID)
	Destroy    func(vm *VM, modID ModuleID)
}

// ModuleLoaderFn resolves a specifier to loader details.
type ModuleLoaderFn func(vm *VM, resolvedSpec string) (ModuleLoaderResult, bool)

// Module is one loaded module namespace.
type Module struct {
	id    ModuleID
	uri   string
	vars  map[string]Value
	funcs map[string]uint16
	res   ModuleLoaderResult
}

// SetModuleResolver installs the import resolver.
func (vm *VM) SetModuleResolver(fn ModuleResolverFn) { vm.resolver = fn }

// SetModuleLoader installs the module loader.
func (vm *VM) SetModuleLoader(fn ModuleLoaderFn) { vm.loader = fn }

// DefaultModuleResolver returns the specifier unchanged.
func DefaultModuleResolver(_ *VM, _ uint32, _ string, spec string) (string, bool) {
	return spec, true
}

// DefaultModuleLoader knows only the builtins module.
func DefaultModuleLoader(vm *VM, spec string) (ModuleLoaderResult, bool) {
	if spec != "builtins" {
		return ModuleLoaderResult{}, false
	}
	return ModuleLoaderResult{
		FuncLoader: func(vm *VM, _ ModuleID, name string, _ uint32) (HostFuncFn, uint8, bool) {
			if name == "print" {
				return hostPrint, 1, true
			}
			return nil, 0, false
		},
	}, true
}

func hostPrint(vm *VM, args []Value) Value {
	if vm.printFn != nil {
		vm.printFn(vm, vm.DebugString(args[0]))
	}
	return None
}

// LoadModule resolves and loads a module, registering its symbols.
func (vm *VM) LoadModule(spec string) (*Module, error) {
	uri := spec
	if vm.resolver != nil {
		resolved, ok := vm.resolver(vm, 0, "", spec)
		if !ok {
			return nil, fmt.Errorf("module %q: resolver rejected specifier", spec)
		}
		uri = resolved
	}
	if m, ok := vm.modules[uri]; ok {
		return m, nil
	}
	if vm.loader == nil {
		return nil, fmt.Errorf("module %q: no loader installed", uri)
	}
	res, ok := vm.loader(vm, uri)
	if !ok {
		return nil, fmt.Errorf("module %q: loader rejected specifier", uri)
	}
	m := &Module{
		id:    ModuleID(len(vm.modules)),
		uri:   uri,
		vars:  make(map[string]Value),
		funcs: make(map[string]uint16),
		res:   res,
	}
	vm.modules[uri] = m
	if res.PostLoad != nil {
		res.PostLoad(vm, m.id)
	}
	return m, nil
}

// SetModuleFunc binds a host function into a module's namespace.
func (vm *VM) SetModuleFunc(m *Module, name string, numParams uint8, fn HostFuncFn) {
	id := vm.RegisterHostFunc(name, numParams, fn)
	vm.hostFuncs[id].modID = uint32(m.id)
	m.funcs[name] = id
}

// SetModuleVar binds a value into a module's namespace, taking
// ownership of val.
func (vm *VM) SetModuleVar(m *Module, name string, val Value) {
	if old, ok := m.vars[name]; ok {
		vm.release(old)
	}
	m.vars[name] = val
}

// ---------------------------------------------------------------------------
// Method resolution
// ---------------------------------------------------------------------------

// resolvedMethod is the outcome of a CallObjSym lookup, in the shape
// the inline cache stores.
type resolvedMethod struct {
	isHost bool
	hostID uint16
	funcID uint16
}

// resolveMethod finds the implementation of a method symbol for a
// receiver type.
func (vm *VM) resolveMethod(symID uint8, typeID TypeID) (resolvedMethod, bool) {
	if vm.chunk == nil || int(symID) >= len(vm.chunk.MethodSyms) {
		return resolvedMethod{}, false
	}
	sym := &vm.chunk.MethodSyms[symID]
	for i := range sym.Entries {
		e := &sym.Entries[i]
		if e.TypeID != typeID {
			continue
		}
		if e.FuncID == NullMethodFunc {
			return resolvedMethod{isHost: true, hostID: e.HostID}, true
		}
		return resolvedMethod{funcID: e.FuncID}, true
	}
	return resolvedMethod{}, false
}

// ---------------------------------------------------------------------------
// Statics
// ---------------------------------------------------------------------------

// staticVar reads a static slot.
func (vm *VM) staticVar(id uint16) Value {
	if int(id) >= len(vm.staticVars) {
		return None
	}
	return vm.staticVars[id]
}

// setStaticVar writes a static slot, releasing the previous value.
// Ownership of val transfers to the slot.
func (vm *VM) setStaticVar(id uint16, val Value) {
	if int(id) >= len(vm.staticVars) {
		grown := make([]Value, id+1)
		for i := range grown {
			grown[i] = None
		}
		copy(grown, vm.staticVars)
		vm.staticVars = grown
	}
	vm.release(vm.staticVars[id])
	vm.staticVars[id] = val
}

// staticFuncValue returns (allocating on first use) the lambda value
// for a chunk function.
func (vm *VM) staticFuncValue(funcID uint16) Value {
	if v, ok := vm.staticFuncVals[funcID]; ok {
		vm.retain(v)
		return v
	}
	f := &vm.chunk.Funcs[funcID]
	v := vm.allocLambda(f.PC, f.NumParams, f.NumLocals)
	vm.retain(v) // cache reference
	vm.staticFuncVals[funcID] = v
	return v
}

// setStaticFunc rebinds a function symbol to a callable value, taking
// ownership of val.
func (vm *VM) setStaticFunc(funcID uint16, val Value) {
	if old, ok := vm.staticFuncVals[funcID]; ok {
		vm.release(old)
	}
	vm.staticFuncVals[funcID] = val
}
