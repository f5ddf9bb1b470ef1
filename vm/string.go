package vm

import (
	"unicode/utf8"
)

// String runtime support. Three allocated flavours exist (ASCII,
// UTF-8 with precomputed rune count, slice-with-parent) plus the two
// static flavours boxed directly in a Value. Raw strings carry bytes
// with no validity guarantee.

// NewStringValue allocates the right flavour for s: static strings are
// the compiler's job, so the runtime always allocates.
func (vm *VM) NewStringValue(s string) Value {
	if isASCII(s) {
		return vm.allocAstring([]byte(s))
	}
	return vm.allocUstring([]byte(s), uint32(utf8.RuneCountInString(s)))
}

// NewRawStringValue allocates a raw byte string.
func (vm *VM) NewRawStringValue(b []byte) Value {
	return vm.allocRawString(b)
}

// stringBytes returns the backing bytes of any string-like value,
// static flavours included, plus whether the content is known ASCII.
func (vm *VM) stringBytes(v Value) ([]byte, bool, bool) {
	switch {
	case v.IsStaticAstring():
		return []byte(vm.staticString(v.StaticStringID())), true, true
	case v.IsStaticUstring():
		return []byte(vm.staticString(v.StaticStringID())), false, true
	case v.IsHeap():
		switch v.TypeID() {
		case TypeAstring:
			return asAstring(v).data, true, true
		case TypeUstring:
			return asUstring(v).data, false, true
		case TypeStringSlice:
			s := asStringSlice(v)
			return s.data, s.ascii, true
		case TypeRawString:
			return asRawString(v).data, false, true
		case TypeRawStringSlice:
			return asRawStringSlice(v).data, false, true
		}
	}
	return nil, false, false
}

// isStringValue reports whether v is any string flavour.
func (vm *VM) isStringValue(v Value) bool {
	_, _, ok := vm.stringBytes(v)
	return ok
}

// stringCharLen returns the rune count of a string value.
func (vm *VM) stringCharLen(v Value) int {
	if v.IsHeap() && v.TypeID() == TypeUstring {
		return int(asUstring(v).charLen)
	}
	b, ascii, _ := vm.stringBytes(v)
	if ascii {
		return len(b)
	}
	return utf8.RuneCount(b)
}

// stringIndex implements str[i].
//
// The index is a byte offset validated against the rune count: an
// index at or past the rune count is OutOfBounds even when the byte
// buffer is longer, and an index landing inside a multi-byte rune is
// InvalidRune. A valid index yields a single-rune slice sharing the
// parent's bytes.
func (vm *VM) stringIndex(str Value, idx int64) Value {
	b, ascii, ok := vm.stringBytes(str)
	if !ok {
		return errValInvalidArgument
	}
	charLen := int64(vm.stringCharLen(str))
	if idx < 0 || idx >= charLen {
		return errValOutOfBounds
	}
	if ascii {
		return vm.allocStringSlice(vm.sliceParent(str), b[idx:idx+1], true)
	}
	if !utf8.RuneStart(b[idx]) {
		return errValInvalidRune
	}
	_, size := utf8.DecodeRune(b[idx:])
	if size == 0 {
		return errValInvalidRune
	}
	return vm.allocStringSlice(vm.sliceParent(str), b[idx:int(idx)+size], false)
}

// stringSliceRange implements str[a..b] over byte offsets.
func (vm *VM) stringSliceRange(str Value, start, end int64) Value {
	b, ascii, ok := vm.stringBytes(str)
	if !ok {
		return errValInvalidArgument
	}
	if start < 0 || end > int64(len(b)) || start > end {
		return errValOutOfBounds
	}
	return vm.allocStringSlice(vm.sliceParent(str), b[start:end], ascii)
}

// sliceParent picks the owner a new slice retains: slicing a slice
// shares the original parent so chains never pile up.
func (vm *VM) sliceParent(str Value) Value {
	if str.IsHeap() {
		switch str.TypeID() {
		case TypeStringSlice:
			return asStringSlice(str).parent
		case TypeRawStringSlice:
			return asRawStringSlice(str).parent
		}
	}
	return str
}

// stringInsert inserts the insertion string at a byte index. Insertion
// at exactly len() appends; len()+1 is out of bounds.
func (vm *VM) stringInsert(str Value, idx int64, ins Value) Value {
	b, _, ok := vm.stringBytes(str)
	if !ok {
		return errValInvalidArgument
	}
	insB, _, ok := vm.stringBytes(ins)
	if !ok {
		return errValInvalidArgument
	}
	if idx < 0 || idx > int64(len(b)) {
		return errValOutOfBounds
	}
	out := make([]byte, 0, len(b)+len(insB))
	out = append(out, b[:idx]...)
	out = append(out, insB...)
	out = append(out, b[idx:]...)
	return vm.newStringFromBytes(out)
}

// stringConcat concatenates two string values.
func (vm *VM) stringConcat(a, b Value) Value {
	ab, _, ok := vm.stringBytes(a)
	if !ok {
		return errValInvalidArgument
	}
	bb, _, ok := vm.stringBytes(b)
	if !ok {
		return errValInvalidArgument
	}
	out := make([]byte, 0, len(ab)+len(bb))
	out = append(out, ab...)
	out = append(out, bb...)
	return vm.newStringFromBytes(out)
}

func (vm *VM) newStringFromBytes(b []byte) Value {
	ascii := true
	for _, c := range b {
		if c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return vm.allocAstring(b)
	}
	return vm.allocUstring(b, uint32(utf8.RuneCount(b)))
}

// stringEquals compares any two string values by content.
func (vm *VM) stringEquals(a, b Value) bool {
	ab, _, aok := vm.stringBytes(a)
	bb, _, bok := vm.stringBytes(b)
	return aok && bok && string(ab) == string(bb)
}

// staticString resolves a chunk-local string id.
func (vm *VM) staticString(id uint32) string {
	if vm.chunk == nil || int(id) >= len(vm.chunk.Strings) {
		return ""
	}
	return vm.chunk.Strings[id]
}
