package vm

import (
	"unsafe"
)

// ---------------------------------------------------------------------------
// HeapHeader: common prefix of every heap object
// ---------------------------------------------------------------------------

// HeapHeader is the first word-group of every heap object. A boxed
// pointer Value always points at one of these; the type id routes
// casts to the concrete variant.
type HeapHeader struct {
	TypeID TypeID
	rc     uint32

	// Cycle collector state. cycNext links the candidate buffer;
	// scratch holds the trial refcount during a collection.
	cycNext  *HeapHeader
	buffered bool
	color    uint8
	scratch  uint32
}

// RC returns the current reference count.
func (h *HeapHeader) RC() uint32 { return h.rc }

// Value boxes the object back into a pointer Value.
func (h *HeapHeader) Value() Value {
	return fromPointer(unsafe.Pointer(h))
}

// ---------------------------------------------------------------------------
// Object variants
// ---------------------------------------------------------------------------

// List is a contiguous growable array of values.
type List struct {
	head  HeapHeader
	elems []Value
}

// Map is an open-addressed hash map from Value to Value (see map.go).
type Map struct {
	head    HeapHeader
	entries []mapEntry
	size    int
	tombs   int
}

// Astring is an allocated all-ASCII string.
type Astring struct {
	head HeapHeader
	data []byte
}

// Ustring is an allocated UTF-8 string with a precomputed rune count.
type Ustring struct {
	head    HeapHeader
	data    []byte
	charLen uint32
}

// StringSlice views a range of a parent string. The parent is retained
// for the lifetime of the slice.
type StringSlice struct {
	head   HeapHeader
	parent Value
	data   []byte
	ascii  bool
}

// RawString is a byte string with no validity guarantee.
type RawString struct {
	head HeapHeader
	data []byte
}

// RawStringSlice views a range of a parent raw string.
type RawStringSlice struct {
	head   HeapHeader
	parent Value
	data   []byte
}

// Closure is a function with captured upvalues (boxes).
type Closure struct {
	head      HeapHeader
	funcPC    uint32
	numParams uint8
	numLocals uint8
	captured  []Value
}

// Lambda is a function value with no captures.
type Lambda struct {
	head      HeapHeader
	funcPC    uint32
	numParams uint8
	numLocals uint8
}

// Box is a single-slot mutable cell used to share upvalues.
type Box struct {
	head HeapHeader
	val  Value
}

// HostFunc is a host function bound as a callable value.
type HostFunc struct {
	head      HeapHeader
	fn        HostFuncFn
	numParams uint8
}

// FiberState enumerates the lifecycle of a fiber.
type FiberState uint8

const (
	FiberInit FiberState = iota
	FiberExec
	FiberPaused
	FiberDone
)

// Fiber is a first-class cooperative coroutine with its own value
// stack (see fiber.go for the switching protocol).
type Fiber struct {
	head  HeapHeader
	stack []Value
	pc    int
	fp    int
	state FiberState
}

// FinalizerFn runs while a foreign handle is destroyed. It receives
// the concrete variant (*Pointer, *File, *Dir, *DirIter) and must not
// allocate on the VM heap.
type FinalizerFn func(vm *VM, obj any)

// Pointer wraps an opaque foreign handle. The payload is carried as
// an interface so embedders can hand over arbitrary host state.
type Pointer struct {
	head    HeapHeader
	foreign any
}

// File wraps an OS file handle.
type File struct {
	head HeapHeader
	fd   int
}

// Dir wraps an OS directory handle.
type Dir struct {
	head HeapHeader
	fd   int
}

// DirIter iterates a Dir. The dir is retained while iterating.
type DirIter struct {
	head HeapHeader
	dir  Value
	pos  int
}

// Object is a user-defined struct instance. The first four fields are
// stored inline; larger objects spill into the overflow slice.
type Object struct {
	head     HeapHeader
	numField uint8
	slot0    Value
	slot1    Value
	slot2    Value
	slot3    Value
	overflow []Value
}

// numInlineFields is the number of fields stored directly in Object.
const numInlineFields = 4

// GetField returns the value at a field index.
func (o *Object) GetField(i int) Value {
	switch i {
	case 0:
		return o.slot0
	case 1:
		return o.slot1
	case 2:
		return o.slot2
	case 3:
		return o.slot3
	default:
		return o.overflow[i-numInlineFields]
	}
}

// SetField stores a value at a field index.
func (o *Object) SetField(i int, v Value) {
	switch i {
	case 0:
		o.slot0 = v
	case 1:
		o.slot1 = v
	case 2:
		o.slot2 = v
	case 3:
		o.slot3 = v
	default:
		o.overflow[i-numInlineFields] = v
	}
}

// NumFields returns the field count.
func (o *Object) NumFields() int { return int(o.numField) }

// MetaType is a reflective handle to a runtime type id.
type MetaType struct {
	head   HeapHeader
	symKin uint8
	target TypeID
}

// ---------------------------------------------------------------------------
// Heap: allocator with per-type pools
// ---------------------------------------------------------------------------

// DefaultPoolMaxSize is the payload size boundary, in bytes, under
// which objects are recycled through per-type free lists rather than
// returned to the general allocator.
const DefaultPoolMaxSize = 32

// heap owns every live object. The live set doubles as the anchor
// that keeps NaN-boxed pointers visible to the Go runtime.
type heap struct {
	vm   *VM
	live map[*HeapHeader]struct{}

	// Pool free lists for small variants.
	freeBoxes   []*Box
	freeLambdas []*Lambda
	freeSlices  []*StringSlice
	freeLists   []*List
	freeObjects []*Object

	poolMax int
}

func newHeap(vm *VM, poolMax int) *heap {
	if poolMax <= 0 {
		poolMax = DefaultPoolMaxSize
	}
	return &heap{
		vm:      vm,
		live:    make(map[*HeapHeader]struct{}, 256),
		poolMax: poolMax,
	}
}

// track registers a freshly allocated object. Every alloc* helper ends
// here: rc starts at 1 and the global counter mirrors it.
func (hp *heap) track(h *HeapHeader, typeID TypeID) {
	h.TypeID = typeID
	h.rc = 1
	h.cycNext = nil
	h.buffered = false
	h.color = colorBlack
	h.scratch = 0
	hp.live[h] = struct{}{}
	if hp.vm.trackGlobalRC {
		hp.vm.refCounts++
	}
}

// Fixed payload sizes, in bytes, of the pool-eligible variants. A
// variant is recycled through its free list only while its payload
// stays at or under the configured pool boundary.
const (
	boxPayloadSize    = 8
	lambdaPayloadSize = 8
	listPayloadSize   = 24
	slicePayloadSize  = 32
	objectPayloadSize = 8 * numInlineFields
)

// untrack removes the object from the live set and recycles poolable
// variants. Called only with rc already at zero.
func (hp *heap) untrack(h *HeapHeader) {
	delete(hp.live, h)
	switch h.TypeID {
	case TypeBox:
		if boxPayloadSize <= hp.poolMax {
			b := (*Box)(unsafe.Pointer(h))
			b.val = None
			hp.freeBoxes = append(hp.freeBoxes, b)
		}
	case TypeLambda:
		if lambdaPayloadSize <= hp.poolMax {
			hp.freeLambdas = append(hp.freeLambdas, (*Lambda)(unsafe.Pointer(h)))
		}
	case TypeStringSlice:
		if slicePayloadSize <= hp.poolMax {
			s := (*StringSlice)(unsafe.Pointer(h))
			s.parent = None
			s.data = nil
			hp.freeSlices = append(hp.freeSlices, s)
		}
	case TypeList:
		if listPayloadSize <= hp.poolMax {
			l := (*List)(unsafe.Pointer(h))
			l.elems = nil
			hp.freeLists = append(hp.freeLists, l)
		}
	default:
		if h.TypeID >= TypeUserStart {
			o := (*Object)(unsafe.Pointer(h))
			if o.NumFields() <= numInlineFields && objectPayloadSize <= hp.poolMax {
				o.overflow = nil
				hp.freeObjects = append(hp.freeObjects, o)
			}
		}
		// Large variants go back to the general allocator (the Go
		// runtime) once the live set drops its reference.
	}
}

// ---------------------------------------------------------------------------
// Allocation helpers
// ---------------------------------------------------------------------------

func (vm *VM) allocList(elems []Value) Value {
	var l *List
	if n := len(vm.heap.freeLists); n > 0 {
		l = vm.heap.freeLists[n-1]
		vm.heap.freeLists = vm.heap.freeLists[:n-1]
	} else {
		l = &List{}
	}
	l.elems = append(l.elems[:0], elems...)
	vm.heap.track(&l.head, TypeList)
	return l.head.Value()
}

func (vm *VM) allocEmptyMap() Value {
	m := &Map{}
	vm.heap.track(&m.head, TypeMap)
	return m.head.Value()
}

func (vm *VM) allocAstring(data []byte) Value {
	s := &Astring{data: append([]byte(nil), data...)}
	vm.heap.track(&s.head, TypeAstring)
	return s.head.Value()
}

func (vm *VM) allocUstring(data []byte, charLen uint32) Value {
	s := &Ustring{data: append([]byte(nil), data...), charLen: charLen}
	vm.heap.track(&s.head, TypeUstring)
	return s.head.Value()
}

// allocStringSlice retains the parent for the lifetime of the slice.
func (vm *VM) allocStringSlice(parent Value, data []byte, ascii bool) Value {
	var s *StringSlice
	if n := len(vm.heap.freeSlices); n > 0 {
		s = vm.heap.freeSlices[n-1]
		vm.heap.freeSlices = vm.heap.freeSlices[:n-1]
	} else {
		s = &StringSlice{}
	}
	vm.retain(parent)
	s.parent = parent
	s.data = data
	s.ascii = ascii
	vm.heap.track(&s.head, TypeStringSlice)
	return s.head.Value()
}

func (vm *VM) allocRawString(data []byte) Value {
	s := &RawString{data: append([]byte(nil), data...)}
	vm.heap.track(&s.head, TypeRawString)
	return s.head.Value()
}

func (vm *VM) allocRawStringSlice(parent Value, data []byte) Value {
	vm.retain(parent)
	s := &RawStringSlice{parent: parent, data: data}
	vm.heap.track(&s.head, TypeRawStringSlice)
	return s.head.Value()
}

// allocClosure takes ownership of the captured boxes without retaining
// them again: the compiler emits the retains at capture sites.
func (vm *VM) allocClosure(funcPC uint32, numParams, numLocals uint8, captured []Value) Value {
	c := &Closure{
		funcPC:    funcPC,
		numParams: numParams,
		numLocals: numLocals,
		captured:  append([]Value(nil), captured...),
	}
	vm.heap.track(&c.head, TypeClosure)
	return c.head.Value()
}

func (vm *VM) allocLambda(funcPC uint32, numParams, numLocals uint8) Value {
	var l *Lambda
	if n := len(vm.heap.freeLambdas); n > 0 {
		l = vm.heap.freeLambdas[n-1]
		vm.heap.freeLambdas = vm.heap.freeLambdas[:n-1]
	} else {
		l = &Lambda{}
	}
	l.funcPC = funcPC
	l.numParams = numParams
	l.numLocals = numLocals
	vm.heap.track(&l.head, TypeLambda)
	return l.head.Value()
}

// allocBox takes ownership of val.
func (vm *VM) allocBox(val Value) Value {
	var b *Box
	if n := len(vm.heap.freeBoxes); n > 0 {
		b = vm.heap.freeBoxes[n-1]
		vm.heap.freeBoxes = vm.heap.freeBoxes[:n-1]
	} else {
		b = &Box{}
	}
	b.val = val
	vm.heap.track(&b.head, TypeBox)
	return b.head.Value()
}

func (vm *VM) allocHostFunc(fn HostFuncFn, numParams uint8) Value {
	f := &HostFunc{fn: fn, numParams: numParams}
	vm.heap.track(&f.head, TypeHostFunc)
	return f.head.Value()
}

func (vm *VM) allocFiber(stackLen int) *Fiber {
	f := &Fiber{stack: make([]Value, stackLen), state: FiberInit}
	for i := range f.stack {
		f.stack[i] = None
	}
	vm.heap.track(&f.head, TypeFiber)
	return f
}

func (vm *VM) allocPointer(p any) Value {
	o := &Pointer{foreign: p}
	vm.heap.track(&o.head, TypePointer)
	return o.head.Value()
}

func (vm *VM) allocFile(fd int) Value {
	f := &File{fd: fd}
	vm.heap.track(&f.head, TypeFile)
	return f.head.Value()
}

func (vm *VM) allocDir(fd int) Value {
	d := &Dir{fd: fd}
	vm.heap.track(&d.head, TypeDir)
	return d.head.Value()
}

func (vm *VM) allocDirIter(dir Value) Value {
	vm.retain(dir)
	it := &DirIter{dir: dir}
	vm.heap.track(&it.head, TypeDirIter)
	return it.head.Value()
}

// allocObject takes ownership of the field values.
func (vm *VM) allocObject(typeID TypeID, fields []Value) Value {
	var o *Object
	if n := len(vm.heap.freeObjects); n > 0 && len(fields) <= numInlineFields {
		o = vm.heap.freeObjects[n-1]
		vm.heap.freeObjects = vm.heap.freeObjects[:n-1]
	} else {
		o = &Object{}
	}
	o.numField = uint8(len(fields))
	o.slot0, o.slot1, o.slot2, o.slot3 = None, None, None, None
	for i, v := range fields {
		if i < numInlineFields {
			o.SetField(i, v)
		}
	}
	if len(fields) > numInlineFields {
		o.overflow = append([]Value(nil), fields[numInlineFields:]...)
	}
	vm.heap.track(&o.head, typeID)
	return o.head.Value()
}

func (vm *VM) allocMetaType(symKin uint8, target TypeID) Value {
	m := &MetaType{symKin: symKin, target: target}
	vm.heap.track(&m.head, TypeMetaType)
	return m.head.Value()
}

// ---------------------------------------------------------------------------
// Variant casts
// ---------------------------------------------------------------------------

func asList(v Value) *List             { return (*List)(v.asPointer()) }
func asMap(v Value) *Map               { return (*Map)(v.asPointer()) }
func asAstring(v Value) *Astring       { return (*Astring)(v.asPointer()) }
func asUstring(v Value) *Ustring       { return (*Ustring)(v.asPointer()) }
func asStringSlice(v Value) *StringSlice {
	return (*StringSlice)(v.asPointer())
}
func asRawString(v Value) *RawString { return (*RawString)(v.asPointer()) }
func asRawStringSlice(v Value) *RawStringSlice {
	return (*RawStringSlice)(v.asPointer())
}
func asClosure(v Value) *Closure   { return (*Closure)(v.asPointer()) }
func asLambda(v Value) *Lambda     { return (*Lambda)(v.asPointer()) }
func asBox(v Value) *Box           { return (*Box)(v.asPointer()) }
func asHostFunc(v Value) *HostFunc { return (*HostFunc)(v.asPointer()) }
func asFiber(v Value) *Fiber       { return (*Fiber)(v.asPointer()) }
func asObject(v Value) *Object     { return (*Object)(v.asPointer()) }
func asMetaType(v Value) *MetaType { return (*MetaType)(v.asPointer()) }

// forEachChild visits every Value owned by the object. Used by the
// cycle collector and by destructors. Fibers need the VM because
// their live slots are found by walking frames against the loaded
// chunk's unwind tables.
func (vm *VM) forEachChild(h *HeapHeader, fn func(Value)) {
	v := h.Value()
	switch h.TypeID {
	case TypeList:
		for _, e := range asList(v).elems {
			fn(e)
		}
	case TypeMap:
		m := asMap(v)
		for i := range m.entries {
			if m.entries[i].state == entryUsed {
				fn(m.entries[i].key)
				fn(m.entries[i].val)
			}
		}
	case TypeStringSlice:
		fn(asStringSlice(v).parent)
	case TypeRawStringSlice:
		fn(asRawStringSlice(v).parent)
	case TypeClosure:
		for _, c := range asClosure(v).captured {
			fn(c)
		}
	case TypeBox:
		fn(asBox(v).val)
	case TypeDirIter:
		fn(asDirIter(v).dir)
	case TypeFiber:
		f := asFiber(v)
		vm.eachFiberLiveValue(f, fn)
	default:
		if h.TypeID >= TypeUserStart {
			o := asObject(v)
			for i := 0; i < o.NumFields(); i++ {
				fn(o.GetField(i))
			}
		}
	}
}

func asDirIter(v Value) *DirIter { return (*DirIter)(v.asPointer()) }

// isCyclable reports whether objects of this type can participate in
// reference cycles. Strings and foreign handles cannot.
func isCyclable(typeID TypeID) bool {
	switch typeID {
	case TypeList, TypeMap, TypeClosure, TypeBox, TypeFiber:
		return true
	default:
		return typeID >= TypeUserStart
	}
}
