package vm

import (
	"fmt"
	"testing"
)

// ---------------------------------------------------------------------------
// Open-addressed map
// ---------------------------------------------------------------------------

func TestMapSetGetDelete(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	mv := vm.NewMap()
	m := asMap(mv)

	vm.mapSet(m, Integer(1), Integer(100))
	vm.mapSet(m, Integer(2), Integer(200))

	if v, ok := vm.mapGet(m, Integer(1)); !ok || v.AsInteger() != 100 {
		t.Errorf("m[1] = %v/%v, want 100", v, ok)
	}
	if _, ok := vm.mapGet(m, Integer(3)); ok {
		t.Error("m[3] should be absent")
	}

	// Replacement releases the old value and keeps the size.
	vm.mapSet(m, Integer(1), Integer(101))
	if v, _ := vm.mapGet(m, Integer(1)); v.AsInteger() != 101 {
		t.Errorf("m[1] after replace = %v, want 101", v)
	}
	if vm.MapSize(mv) != 2 {
		t.Errorf("size = %d, want 2", vm.MapSize(mv))
	}

	if !vm.mapDelete(m, Integer(2)) {
		t.Error("delete of present key failed")
	}
	if vm.mapDelete(m, Integer(2)) {
		t.Error("second delete should report absence")
	}
	if vm.MapSize(mv) != 1 {
		t.Errorf("size after delete = %d, want 1", vm.MapSize(mv))
	}

	vm.Release(mv)
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

func TestMapGrowsPastLoadFactor(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	mv := vm.NewMap()
	m := asMap(mv)
	const n = 1000
	for i := 0; i < n; i++ {
		vm.mapSet(m, Integer(int64(i)), Integer(int64(i*i)))
	}
	if m.size != n {
		t.Fatalf("size = %d, want %d", m.size, n)
	}
	for i := 0; i < n; i++ {
		v, ok := vm.mapGet(m, Integer(int64(i)))
		if !ok || v.AsInteger() != int64(i*i) {
			t.Fatalf("m[%d] = %v/%v", i, v, ok)
		}
	}
	vm.Release(mv)
}

// String keys hash and compare by content across flavours.
func TestMapStringKeysByContent(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	mv := vm.NewMap()
	m := asMap(mv)

	k1 := vm.NewAstring("key")
	vm.mapSet(m, k1, Integer(7))
	vm.Release(k1)

	k2 := vm.NewAstring("key")
	if v, ok := vm.mapGet(m, k2); !ok || v.AsInteger() != 7 {
		t.Errorf("lookup with equal-content key = %v/%v, want 7", v, ok)
	}
	vm.Release(k2)

	vm.Release(mv)
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

// Integral floats and integers land on the same entry.
func TestMapNumericKeyUnification(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	mv := vm.NewMap()
	defer vm.Release(mv)
	m := asMap(mv)

	vm.mapSet(m, Integer(3), Integer(30))
	if v, ok := vm.mapGet(m, Float(3)); !ok || v.AsInteger() != 30 {
		t.Errorf("m[3.0] = %v/%v, want 30", v, ok)
	}
}

func TestMapHeldValuesSurviveOwnerRelease(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	mv := vm.NewMap()
	m := asMap(mv)

	s := vm.NewAstring("payload")
	vm.mapSet(m, Integer(1), s)
	vm.Release(s) // the map's reference keeps it alive

	v, ok := vm.mapGet(m, Integer(1))
	if !ok || vm.ToTempString(v) != "payload" {
		t.Fatalf("payload lost after owner release")
	}

	vm.Release(mv)
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

func TestMapTombstoneReuse(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	mv := vm.NewMap()
	defer vm.Release(mv)
	m := asMap(mv)

	for round := 0; round < 50; round++ {
		key := vm.NewAstring(fmt.Sprintf("k%d", round%4))
		vm.mapSet(m, key, Integer(int64(round)))
		vm.mapDelete(m, key)
		vm.Release(key)
	}
	if m.size != 0 {
		t.Errorf("size = %d after churn, want 0", m.size)
	}
	if len(m.entries) > 64 {
		t.Errorf("table grew to %d entries under churn", len(m.entries))
	}
}
