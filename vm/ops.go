package vm

import (
	"math"
	"strconv"
	"strings"
)

// Built-in operations the dispatch loop routes to when a fast path
// does not apply: numeric fallbacks, comparisons, indexing, slicing
// and the string template.

// toF64 coerces numbers, none, booleans and heap strings to a float:
// none is 0, booleans are 0/1, integers widen. Heap strings parse on
// the slow path; errors, symbols, static strings and other heap
// objects are rejected.
func (vm *VM) toF64(v Value) (float64, bool) {
	switch {
	case v.IsFloat():
		return v.AsFloat(), true
	case v.IsInteger():
		return float64(v.AsInteger()), true
	case v.IsNone():
		return 0, true
	case v == True:
		return 1, true
	case v == False:
		return 0, true
	case v.IsHeap():
		if b, _, ok := vm.stringBytes(v); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
			if err != nil {
				return 0, false
			}
			return f, true
		}
	}
	return 0, false
}

// numeric binary fallbacks. Mixing integer and float promotes to
// float; the typed integer opcodes never reach here.

func (vm *VM) opAdd(l, r Value) (Value, bool) {
	// String concatenation rides the Add fallback.
	if vm.isStringValue(l) && vm.isStringValue(r) {
		return vm.stringConcat(l, r), true
	}
	lf, lok := vm.toF64(l)
	rf, rok := vm.toF64(r)
	if !lok || !rok {
		return None, false
	}
	if l.IsInteger() && r.IsInteger() {
		return Integer(l.AsInteger() + r.AsInteger()), true
	}
	return Float(lf + rf), true
}

func (vm *VM) opSub(l, r Value) (Value, bool) {
	lf, lok := vm.toF64(l)
	rf, rok := vm.toF64(r)
	if !lok || !rok {
		return None, false
	}
	if l.IsInteger() && r.IsInteger() {
		return Integer(l.AsInteger() - r.AsInteger()), true
	}
	return Float(lf - rf), true
}

func (vm *VM) opMul(l, r Value) (Value, bool) {
	lf, lok := vm.toF64(l)
	rf, rok := vm.toF64(r)
	if !lok || !rok {
		return None, false
	}
	if l.IsInteger() && r.IsInteger() {
		return Integer(l.AsInteger() * r.AsInteger()), true
	}
	return Float(lf * rf), true
}

// opDiv always produces a float; division by zero follows IEEE 754.
func (vm *VM) opDiv(l, r Value) (Value, bool) {
	lf, lok := vm.toF64(l)
	rf, rok := vm.toF64(r)
	if !lok || !rok {
		return None, false
	}
	return Float(lf / rf), true
}

func (vm *VM) opPow(l, r Value) (Value, bool) {
	lf, lok := vm.toF64(l)
	rf, rok := vm.toF64(r)
	if !lok || !rok {
		return None, false
	}
	return Float(math.Pow(lf, rf)), true
}

// opMod follows the host fmod semantics, negative operands included.
func (vm *VM) opMod(l, r Value) (Value, bool) {
	lf, lok := vm.toF64(l)
	rf, rok := vm.toF64(r)
	if !lok || !rok {
		return None, false
	}
	return Float(math.Mod(lf, rf)), true
}

func (vm *VM) opNeg(v Value) (Value, bool) {
	if v.IsInteger() {
		return Integer(-v.AsInteger()), true
	}
	f, ok := vm.toF64(v)
	if !ok {
		return None, false
	}
	return Float(-f), true
}

// valuesEqual is the Compare semantics: bitwise for primitives (with
// the int/float numeric exception), content for strings, identity for
// other heap objects.
func (vm *VM) valuesEqual(l, r Value) bool {
	if !l.IsHeap() && !r.IsHeap() {
		return primitiveEquals(l, r)
	}
	if vm.isStringValue(l) && vm.isStringValue(r) {
		return vm.stringEquals(l, r)
	}
	return l == r
}

func (vm *VM) opLess(l, r Value) (Value, bool) {
	lf, lok := vm.toF64(l)
	rf, rok := vm.toF64(r)
	if !lok || !rok {
		return None, false
	}
	return Bool(lf < rf), true
}

func (vm *VM) opGreater(l, r Value) (Value, bool) {
	lf, lok := vm.toF64(l)
	rf, rok := vm.toF64(r)
	if !lok || !rok {
		return None, false
	}
	return Bool(lf > rf), true
}

func (vm *VM) opLessEqual(l, r Value) (Value, bool) {
	lf, lok := vm.toF64(l)
	rf, rok := vm.toF64(r)
	if !lok || !rok {
		return None, false
	}
	return Bool(lf <= rf), true
}

func (vm *VM) opGreaterEqual(l, r Value) (Value, bool) {
	lf, lok := vm.toF64(l)
	rf, rok := vm.toF64(r)
	if !lok || !rok {
		return None, false
	}
	return Bool(lf >= rf), true
}

// toInt48 coerces for the bitwise ops.
func (vm *VM) toInt48(v Value) (int64, bool) {
	if v.IsInteger() {
		return v.AsInteger(), true
	}
	f, ok := vm.toF64(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// ---------------------------------------------------------------------------
// Indexing, slicing
// ---------------------------------------------------------------------------

// opIndex implements recv[idx] over lists, maps and strings. Domain
// failures surface as error values, not panics.
func (vm *VM) opIndex(recv, idx Value) (Value, bool) {
	if recv.IsHeap() {
		switch recv.TypeID() {
		case TypeList:
			l := asList(recv)
			i, ok := vm.toInt48(idx)
			if !ok {
				return errValInvalidArgument, true
			}
			if i < 0 || i >= int64(len(l.elems)) {
				return errValOutOfBounds, true
			}
			v := l.elems[i]
			vm.retain(v)
			return v, true
		case TypeMap:
			v, ok := vm.mapGet(asMap(recv), idx)
			if !ok {
				return None, true
			}
			vm.retain(v)
			return v, true
		}
	}
	if vm.isStringValue(recv) {
		i, ok := vm.toInt48(idx)
		if !ok {
			return errValInvalidArgument, true
		}
		return vm.stringIndex(recv, i), true
	}
	return None, false
}

// opReverseIndex implements recv[-idx] counting from the end.
func (vm *VM) opReverseIndex(recv, idx Value) (Value, bool) {
	i, ok := vm.toInt48(idx)
	if !ok {
		return errValInvalidArgument, true
	}
	if recv.IsHeap() && recv.TypeID() == TypeList {
		l := asList(recv)
		return vm.opIndex(recv, Integer(int64(len(l.elems))-i))
	}
	if vm.isStringValue(recv) {
		return vm.stringIndex(recv, int64(vm.stringCharLen(recv))-i), true
	}
	return None, false
}

// opSetIndex stores recv[idx] = val. The caller owns val; the
// container takes its own reference.
func (vm *VM) opSetIndex(recv, idx, val Value) (Value, bool) {
	if !recv.IsHeap() {
		return None, false
	}
	switch recv.TypeID() {
	case TypeList:
		l := asList(recv)
		i, ok := vm.toInt48(idx)
		if !ok {
			return errValInvalidArgument, true
		}
		if i < 0 || i >= int64(len(l.elems)) {
			return errValOutOfBounds, true
		}
		vm.retain(val)
		vm.release(l.elems[i])
		l.elems[i] = val
		return None, true
	case TypeMap:
		vm.mapSet(asMap(recv), idx, val)
		return None, true
	}
	return None, false
}

// opSlice implements recv[a..b].
func (vm *VM) opSlice(recv, start, end Value) (Value, bool) {
	s, sok := vm.toInt48(start)
	e, eok := vm.toInt48(end)
	if recv.IsHeap() && recv.TypeID() == TypeList {
		l := asList(recv)
		if start.IsNone() {
			s, sok = 0, true
		}
		if end.IsNone() {
			e, eok = int64(len(l.elems)), true
		}
		if !sok || !eok {
			return errValInvalidArgument, true
		}
		if s < 0 || e > int64(len(l.elems)) || s > e {
			return errValOutOfBounds, true
		}
		sub := l.elems[s:e]
		for _, v := range sub {
			vm.retain(v)
		}
		return vm.allocList(sub), true
	}
	if vm.isStringValue(recv) {
		b, _, _ := vm.stringBytes(recv)
		if start.IsNone() {
			s, sok = 0, true
		}
		if end.IsNone() {
			e, eok = int64(len(b)), true
		}
		if !sok || !eok {
			return errValInvalidArgument, true
		}
		return vm.stringSliceRange(recv, s, e), true
	}
	return None, false
}

// ---------------------------------------------------------------------------
// List operations (also the embedder list API)
// ---------------------------------------------------------------------------

// NewList allocates an empty list value.
func (vm *VM) NewList() Value { return vm.allocList(nil) }

// ListLen returns the element count of a list value.
func (vm *VM) ListLen(lv Value) int { return len(asList(lv).elems) }

// ListCap returns the capacity of a list value.
func (vm *VM) ListCap(lv Value) int { return cap(asList(lv).elems) }

// ListGet returns the element at idx without transferring ownership.
func (vm *VM) ListGet(lv Value, idx int) Value {
	return asList(lv).elems[idx]
}

// ListSet replaces the element at idx, retaining the new value and
// releasing the old.
func (vm *VM) ListSet(lv Value, idx int, v Value) {
	l := asList(lv)
	vm.retain(v)
	vm.release(l.elems[idx])
	l.elems[idx] = v
}

// ListAppend appends v, retaining it.
func (vm *VM) ListAppend(lv Value, v Value) {
	l := asList(lv)
	vm.retain(v)
	l.elems = append(l.elems, v)
}

// ListInsert inserts v at idx. Inserting at exactly len appends;
// len+1 is out of bounds.
func (vm *VM) ListInsert(lv Value, idx int, v Value) Value {
	l := asList(lv)
	if idx < 0 || idx > len(l.elems) {
		return errValOutOfBounds
	}
	vm.retain(v)
	l.elems = append(l.elems, None)
	copy(l.elems[idx+1:], l.elems[idx:])
	l.elems[idx] = v
	return None
}

// ---------------------------------------------------------------------------
// String template
// ---------------------------------------------------------------------------

// opStringTemplate concatenates count stack values into a new string,
// formatting non-strings with the debug formatter.
func (vm *VM) opStringTemplate(vals []Value) Value {
	var sb strings.Builder
	for _, v := range vals {
		if b, _, ok := vm.stringBytes(v); ok {
			sb.Write(b)
			continue
		}
		sb.WriteString(vm.DebugString(v))
	}
	return vm.NewStringValue(sb.String())
}

// DebugString renders any value for diagnostics and templates.
func (vm *VM) DebugString(v Value) string {
	switch {
	case v.IsFloat():
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	case v.IsInteger():
		return strconv.FormatInt(v.AsInteger(), 10)
	case v.IsNone():
		return "none"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsError():
		return "error(#" + vm.errorSymName(v.ErrorSym()) + ")"
	case v.IsSymbol():
		return "#" + vm.tagLitName(v.SymbolID())
	case v.IsStaticString():
		return vm.staticString(v.StaticStringID())
	case v.IsHeap():
		if b, _, ok := vm.stringBytes(v); ok {
			return string(b)
		}
		switch v.TypeID() {
		case TypeList:
			parts := make([]string, len(asList(v).elems))
			for i, e := range asList(v).elems {
				parts[i] = vm.DebugString(e)
			}
			return "[" + strings.Join(parts, ", ") + "]"
		case TypeMap:
			return "map{...}"
		default:
			return "<" + vm.typeName(v.TypeID()) + ">"
		}
	}
	return "<invalid>"
}

// tagLitName resolves a tag literal id against the loaded chunk.
func (vm *VM) tagLitName(id uint32) string {
	if name, ok := builtinErrorSyms[id]; ok {
		return name
	}
	if vm.chunk != nil {
		idx := id - symUserTagStart
		if int(idx) < len(vm.chunk.TagLits) {
			return vm.chunk.TagLits[idx]
		}
	}
	return strconv.FormatUint(uint64(id), 10)
}
