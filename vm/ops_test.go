package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Numeric fallbacks
// ---------------------------------------------------------------------------

// Mod follows the host fmod semantics for negative operands.
func TestModMatchesFmod(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	pairs := [][2]float64{
		{7, 3}, {-7, 3}, {7, -3}, {-7, -3}, {5.5, 2}, {-5.5, 2},
	}
	for _, p := range pairs {
		res, ok := vm.opMod(Float(p[0]), Float(p[1]))
		if !ok {
			t.Fatalf("mod(%v, %v) failed", p[0], p[1])
		}
		if want := math.Mod(p[0], p[1]); res.AsFloat() != want {
			t.Errorf("mod(%v, %v) = %v, want %v", p[0], p[1], res.AsFloat(), want)
		}
	}
}

func TestIntegerArithmeticStaysExact(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	// Within ±2^47, integer + integer stays an exact integer.
	big := int64(1)<<46 + 12345
	res, ok := vm.opAdd(Integer(big), Integer(1))
	if !ok || !res.IsInteger() || res.AsInteger() != big+1 {
		t.Errorf("big+1 = %s", vm.DebugString(res))
	}

	// Mixing with float promotes.
	res, ok = vm.opAdd(Integer(1), Float(0.5))
	if !ok || !res.IsFloat() || res.AsFloat() != 1.5 {
		t.Errorf("1 + 0.5 = %s", vm.DebugString(res))
	}
}

func TestAddConcatenatesStrings(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	a := vm.NewAstring("foo")
	b := vm.NewAstring("bar")
	defer vm.Release(a)
	defer vm.Release(b)

	res, ok := vm.opAdd(a, b)
	if !ok || vm.ToTempString(res) != "foobar" {
		t.Errorf("string add = %s", vm.DebugString(res))
	}
	vm.Release(res)
}

func TestNegAndComparisons(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	if res, _ := vm.opNeg(Integer(5)); res.AsInteger() != -5 {
		t.Errorf("-5 = %s", vm.DebugString(res))
	}
	if res, _ := vm.opNeg(Float(2.5)); res.AsFloat() != -2.5 {
		t.Errorf("-2.5 = %s", vm.DebugString(res))
	}
	if res, _ := vm.opLess(Integer(1), Float(1.5)); res != True {
		t.Error("1 < 1.5 should be true")
	}
	if res, _ := vm.opGreaterEqual(Float(2), Integer(2)); res != True {
		t.Error("2 >= 2 should be true")
	}
}

// ---------------------------------------------------------------------------
// Slices and reverse indexing
// ---------------------------------------------------------------------------

func TestListSliceAndReverseIndex(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	lv := vm.NewList()
	for i := int64(1); i <= 5; i++ {
		vm.ListAppend(lv, Integer(i*10))
	}

	sub, ok := vm.opSlice(lv, Integer(1), Integer(3))
	if !ok || vm.ListLen(sub) != 2 {
		t.Fatalf("slice = %s", vm.DebugString(sub))
	}
	if vm.ListGet(sub, 0).AsInteger() != 20 || vm.ListGet(sub, 1).AsInteger() != 30 {
		t.Errorf("slice contents = %s", vm.DebugString(sub))
	}
	vm.Release(sub)

	// arr[-1] is the last element.
	last, ok := vm.opReverseIndex(lv, Integer(1))
	if !ok || last.AsInteger() != 50 {
		t.Errorf("reverse index = %s", vm.DebugString(last))
	}

	vm.Release(lv)
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

func TestListInsertBoundary(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	lv := vm.NewList()
	defer vm.Release(lv)
	vm.ListAppend(lv, Integer(1))

	if res := vm.ListInsert(lv, 1, Integer(2)); res.IsError() {
		t.Error("insert at len should succeed")
	}
	if res := vm.ListInsert(lv, 3, Integer(3)); !res.IsError() {
		t.Error("insert at len+1 should be out of bounds")
	}
	if vm.ListLen(lv) != 2 {
		t.Errorf("len = %d, want 2", vm.ListLen(lv))
	}
}

// ---------------------------------------------------------------------------
// String template
// ---------------------------------------------------------------------------

func TestStringTemplate(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		pre := b.AddStringConst("x = ")
		b.Op(OpConstOp, pre, 4)
		b.Op(OpConstI8Int, 12, 5)
		b.Op(OpStringTemplate, 4, 2, 6)
		b.Op(OpEnd, 6)
		return 3
	})
	res := runMain(t, vm, chunk)
	if got := vm.ToTempString(res); got != "x = 12" {
		t.Errorf("template = %q, want %q", got, "x = 12")
	}
	vm.Release(res)
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

func TestDebugStringRenderings(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	lv := vm.NewList()
	vm.ListAppend(lv, Integer(1))
	vm.ListAppend(lv, True)
	defer vm.Release(lv)

	tests := []struct {
		v    Value
		want string
	}{
		{None, "none"},
		{True, "true"},
		{False, "false"},
		{Integer(-3), "-3"},
		{Float(1.5), "1.5"},
		{lv, "[1, true]"},
	}
	for _, tt := range tests {
		if got := vm.DebugString(tt.v); got != tt.want {
			t.Errorf("DebugString = %q, want %q", got, tt.want)
		}
	}
}
