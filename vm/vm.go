package vm

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: the Fen virtual machine
// ---------------------------------------------------------------------------

// CompileFn turns source into a chunk. The tokenizer, parser and
// bytecode generator live outside this package; embedders plug a
// compiler in and the VM treats its output as an opaque artifact.
// On failure the returned result code must be one of the token,
// parse or compile errors.
type CompileFn func(vm *VM, src string) (*Chunk, ResultCode, error)

// PrintFn overrides the builtin print behaviour. The default is a
// no-op.
type PrintFn func(vm *VM, s string)

// VM is a single-threaded Fen interpreter instance. Multiple VMs in
// one process are independent and must not share heap values; an
// embedder that wants parallelism runs one VM per OS thread.
type VM struct {
	ID uuid.UUID

	heap *heap

	// Main fiber execution state.
	mainStack []Value
	stack     []Value // current stack; swapped on fiber switches
	curFiber  *Fiber  // nil while the main fiber runs
	fiberStack []fiberLink

	chunk *Chunk

	// Global RC tracking.
	trackGlobalRC bool
	refCounts     int64

	// Cycle collector candidate buffer.
	cycHead *HeapHeader

	// Deferred destructor worklist for deep ownership chains.
	deferredFree []*HeapHeader

	// Symbols.
	types          map[TypeID]*TypeEntry
	nextTypeID     TypeID
	fieldSyms      []string
	fieldSymIDs    map[string]uint8
	hostFuncs      []hostFuncEntry
	staticVars     []Value
	staticFuncVals map[uint16]Value
	modules        map[string]*Module

	// Embedder hooks.
	compiler CompileFn
	resolver ModuleResolverFn
	loader   ModuleLoaderFn
	printFn  PrintFn
	userData any

	// Diagnostics.
	log       commonlog.Logger
	verbose   bool
	traceRC   bool
	trace     *Trace
	icStats   ICStats
	lastPanic *PanicError

	evalResult Value
	destroyed  bool
}

// New creates a VM with the default configuration.
func New() *VM {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates and bootstraps a VM.
func NewWithConfig(cfg Config) *VM {
	vm := &VM{
		ID:             uuid.New(),
		mainStack:      newValueStack(cfg.VM.StackSize),
		trackGlobalRC:  cfg.GC.TrackGlobalRC,
		types:          make(map[TypeID]*TypeEntry),
		nextTypeID:     TypeUserStart,
		fieldSymIDs:    make(map[string]uint8),
		staticFuncVals: make(map[uint16]Value),
		modules:        make(map[string]*Module),
		resolver:       DefaultModuleResolver,
		loader:         DefaultModuleLoader,
		log:            commonlog.GetLogger("fen.vm"),
		trace:          &Trace{},
		evalResult:     None,
	}
	vm.heap = newHeap(vm, cfg.VM.PoolMaxSize)
	vm.stack = vm.mainStack
	if cfg.Trace.Verbose {
		vm.SetVerbose(true)
	}
	vm.traceRC = vm.traceRC || cfg.Trace.TraceRC
	return vm
}

func newValueStack(n int) []Value {
	s := make([]Value, n)
	for i := range s {
		s[i] = None
	}
	return s
}

// SetCompiler installs the external compiler front end.
func (vm *VM) SetCompiler(fn CompileFn) { vm.compiler = fn }

// SetPrint overrides the builtin print callback.
func (vm *VM) SetPrint(fn PrintFn) { vm.printFn = fn }

// UserData returns the embedder's opaque pointer.
func (vm *VM) UserData() any { return vm.userData }

// SetUserData attaches an opaque pointer to the VM.
func (vm *VM) SetUserData(d any) { vm.userData = d }

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

// ErrNoCompiler is returned by Eval/Validate when no front end is
// installed.
var ErrNoCompiler = errors.New("vm: no compiler installed")

// Eval compiles and executes source. On success the script's trailing
// expression value, if any, is returned retained; the caller releases
// it.
func (vm *VM) Eval(src string) (Value, ResultCode, error) {
	if vm.compiler == nil {
		return None, ResultUnknown, ErrNoCompiler
	}
	chunk, rc, err := vm.compiler(vm, src)
	if rc != ResultSuccess {
		return None, rc, err
	}
	return vm.RunChunk(chunk)
}

// Validate compiles source without executing it.
func (vm *VM) Validate(src string) (ResultCode, error) {
	if vm.compiler == nil {
		return ResultUnknown, ErrNoCompiler
	}
	_, rc, err := vm.compiler(vm, src)
	return rc, err
}

// RunChunk executes a compiled chunk on the main fiber. The returned
// value, when not none, is owned by the caller.
func (vm *VM) RunChunk(chunk *Chunk) (Value, ResultCode, error) {
	if vm.destroyed {
		return None, ResultUnknown, errors.New("vm: destroyed")
	}
	if err := chunk.Validate(); err != nil {
		return None, ResultUnknown, err
	}
	vm.chunk = chunk
	vm.lastPanic = nil
	vm.evalResult = None

	// Static var slots named by the chunk.
	if n := len(chunk.StaticVars); n > len(vm.staticVars) {
		grown := newValueStack(n)
		copy(grown, vm.staticVars)
		vm.staticVars = grown
	}

	if int(chunk.Main) >= len(chunk.Funcs) {
		return None, ResultUnknown, errors.New("vm: chunk has no entry function")
	}
	main := &chunk.Funcs[chunk.Main]
	if !vm.checkStack(0, 0, main.NumLocals) {
		return None, ResultPanic, &PanicError{Kind: ErrStackOverflow}
	}

	// Root frame.
	vm.stack = vm.mainStack
	vm.curFiber = nil
	vm.fiberStack = vm.fiberStack[:0]
	vm.stack[frameSlotRet] = None
	vm.stack[frameSlotRetInfo] = packRetInfo(1, frameFlagRoot)
	vm.stack[frameSlotRetPC] = Value(0)
	vm.stack[frameSlotRetFP] = Value(0)

	rc := vm.run(int(main.PC), 0)
	if rc != ResultSuccess {
		return None, rc, vm.lastPanic
	}
	res := vm.evalResult
	vm.evalResult = None
	return res, ResultSuccess, nil
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Deinit releases static state and runs the cycle collector so the
// global reference count can be checked before Destroy.
func (vm *VM) Deinit() {
	for i := range vm.staticVars {
		vm.release(vm.staticVars[i])
		vm.staticVars[i] = None
	}
	for id, v := range vm.staticFuncVals {
		vm.release(v)
		delete(vm.staticFuncVals, id)
	}
	for _, m := range vm.modules {
		for name, v := range m.vars {
			vm.release(v)
			delete(m.vars, name)
		}
		if m.res.Destroy != nil {
			m.res.Destroy(vm, m.id)
		}
	}
	vm.PerformGC()
}

// Destroy deinitialises and invalidates the VM. Any operation on the
// VM afterwards is a bug.
func (vm *VM) Destroy() {
	if vm.destroyed {
		return
	}
	vm.Deinit()
	vm.destroyed = true
	vm.chunk = nil
	vm.mainStack = nil
	vm.stack = nil
}

// ---------------------------------------------------------------------------
// Value construction and inspection (embedder surface)
// ---------------------------------------------------------------------------

// NewAstring allocates an ASCII string value; the caller owns it.
func (vm *VM) NewAstring(s string) Value { return vm.allocAstring([]byte(s)) }

// NewUstring allocates a UTF-8 string value with a known rune count.
func (vm *VM) NewUstring(s string, charLen uint32) Value {
	return vm.allocUstring([]byte(s), charLen)
}

// NewMap allocates an empty map value.
func (vm *VM) NewMap() Value { return vm.allocEmptyMap() }

// NewPointer wraps an opaque foreign handle value. The embedder is
// responsible for the payload's lifetime unless a finalizer is
// registered for TypePointer.
func (vm *VM) NewPointer(p any) Value {
	return vm.allocPointer(p)
}

// PointerPayload returns the foreign payload of a pointer value.
func (vm *VM) PointerPayload(v Value) any {
	return (*Pointer)(v.asPointer()).foreign
}

// NewFile wraps an OS file descriptor. Register a finalizer on
// TypeFile to close it on destruction.
func (vm *VM) NewFile(fd int) Value { return vm.allocFile(fd) }

// NewDir wraps an OS directory descriptor.
func (vm *VM) NewDir(fd int) Value { return vm.allocDir(fd) }

// NewDirIter creates an iterator over a Dir value, retaining it.
func (vm *VM) NewDirIter(dir Value) Value { return vm.allocDirIter(dir) }

// ToTempString renders any value as a Go string. The result borrows
// from the VM and is only valid until the next allocation.
func (vm *VM) ToTempString(v Value) string {
	return vm.DebugString(v)
}

// ToTempRawString returns the raw bytes of a string value.
func (vm *VM) ToTempRawString(v Value) []byte {
	b, _, ok := vm.stringBytes(v)
	if !ok {
		return nil
	}
	return b
}

// TypeIDOf exposes runtime type inspection to the embedder.
func (vm *VM) TypeIDOf(v Value) TypeID { return v.TypeID() }

// HeapObjectCount reports the number of live heap objects, used by
// leak checks in tests and embedders.
func (vm *VM) HeapObjectCount() int { return len(vm.heap.live) }

// DumpState logs a one-line VM summary.
func (vm *VM) DumpState() {
	vm.log.Infof("vm %s: live=%d rc=%d ic=%+v",
		vm.ID, len(vm.heap.live), vm.refCounts, vm.icStats)
}

func (vm *VM) String() string {
	return fmt.Sprintf("vm(%s, %s)", vm.ID, FullVersion())
}
