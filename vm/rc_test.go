package vm

import (
	"testing"
)

func newTrackedVM() *VM {
	cfg := DefaultConfig()
	cfg.GC.TrackGlobalRC = true
	return NewWithConfig(cfg)
}

// ---------------------------------------------------------------------------
// Retain / release
// ---------------------------------------------------------------------------

func TestRetainReleaseIsNoOp(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	lv := vm.NewList()
	before := lv.Header().RC()
	rcBefore := vm.GlobalRC()

	vm.Retain(lv)
	vm.Release(lv)

	if lv.Header().RC() != before {
		t.Errorf("rc = %d after retain+release, want %d", lv.Header().RC(), before)
	}
	if vm.GlobalRC() != rcBefore {
		t.Errorf("global rc = %d, want %d", vm.GlobalRC(), rcBefore)
	}
	vm.Release(lv)
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d after final release, want 0", vm.GlobalRC())
	}
}

func TestRetainOnPrimitivesIsIgnored(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	for _, v := range []Value{None, True, False, Integer(1), Float(1), Symbol(2)} {
		vm.Retain(v)
		vm.Release(v)
	}
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

func TestReleaseDestroysChildren(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	inner := vm.NewList()
	outer := vm.NewList()
	vm.ListAppend(outer, inner) // outer now holds a second ref
	vm.Release(inner)           // drop ours; outer keeps it alive

	if vm.HeapObjectCount() != 2 {
		t.Fatalf("live objects = %d, want 2", vm.HeapObjectCount())
	}
	vm.Release(outer)
	if vm.HeapObjectCount() != 0 {
		t.Errorf("live objects = %d after release, want 0", vm.HeapObjectCount())
	}
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

// TestDeepChainRelease exercises the deferred-release worklist: a
// linked chain much deeper than the recursion bound must tear down
// without exhausting the host stack.
func TestDeepChainRelease(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	const depth = 10 * maxDestructDepth
	chain := None
	for i := 0; i < depth; i++ {
		wrapper := vm.allocList([]Value{chain}) // takes ownership
		chain = wrapper
	}
	if vm.HeapObjectCount() != depth {
		t.Fatalf("live objects = %d, want %d", vm.HeapObjectCount(), depth)
	}

	vm.Release(chain)

	if vm.HeapObjectCount() != 0 {
		t.Errorf("live objects = %d after chain release, want 0", vm.HeapObjectCount())
	}
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

// ---------------------------------------------------------------------------
// Pools
// ---------------------------------------------------------------------------

func TestBoxPoolRecycles(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	b := vm.allocBox(Integer(1))
	vm.Release(b)
	if len(vm.heap.freeBoxes) != 1 {
		t.Fatalf("free list len = %d, want 1", len(vm.heap.freeBoxes))
	}
	b2 := vm.allocBox(Integer(2))
	if len(vm.heap.freeBoxes) != 0 {
		t.Error("allocation should have drained the free list")
	}
	if b2.Header().RC() != 1 || asBox(b2).val.AsInteger() != 2 {
		t.Error("recycled box not reinitialised")
	}
	vm.Release(b2)
}

func TestFinalizerRunsOnDestroy(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	ran := 0
	vm.SetTypeFinalizer(TypePointer, func(*VM, any) {
		ran++
	})
	p := vm.NewPointer("handle")
	vm.Release(p)
	if ran != 1 {
		t.Errorf("finalizer ran %d times, want 1", ran)
	}
}
