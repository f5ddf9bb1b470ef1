package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Fibers
// ---------------------------------------------------------------------------

// buildYieldingFiber emits a main that coinits a fiber yielding 1,
// returning 2, then resumes it three times and collects the results
// in a list.
func buildYieldingFiber(t *testing.T) *Chunk {
	t.Helper()
	b := NewChunkBuilder("fibers")

	co := b.Op(OpCoinit, 4, 0)
	b.U16(0) // jump over the body, patched
	b.emit(4)

	bodyPC := b.PC()
	b.Op(OpConstI8Int, 1, 4)
	b.Op(OpCoyield, 4)
	b.Op(OpConstI8Int, 2, 4)
	b.Op(OpCoreturn, 4)
	bodyEnd := b.PC()
	b.PatchU16(co+3, uint16(bodyEnd-co))

	b.Op(OpCoresume, 4, 5)
	b.Op(OpCoresume, 4, 6)
	b.Op(OpCoresume, 4, 7)
	b.Op(OpRelease, 4)
	// Pack the three results into a list so one run reports all.
	b.Op(OpList, 5, 3, 8)
	b.Op(OpEnd, 8)
	mainEnd := b.PC()

	mainID := b.AddFunc(FuncInfo{Name: "main", PC: 0, End: uint32(mainEnd), NumLocals: 5})
	b.AddFunc(FuncInfo{
		Name: "fiberBody", PC: uint32(bodyPC), End: uint32(bodyEnd),
		NumParams: 0, NumLocals: 1,
	})
	b.SetMain(mainID)
	return b.MustBuild()
}

// Scenario: the first resume yields 1 (fiber paused), the second
// yields 2 (fiber done), the third yields none.
func TestFiberYieldResume(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	chunk := buildYieldingFiber(t)
	res := runMain(t, vm, chunk)

	if res.TypeID() != TypeList {
		t.Fatalf("result = %s, want list", vm.DebugString(res))
	}
	want := []int64{1, 2}
	for i, w := range want {
		got := vm.ListGet(res, i)
		if !got.IsInteger() || got.AsInteger() != w {
			t.Errorf("resume %d = %s, want %d", i+1, vm.DebugString(got), w)
		}
	}
	if third := vm.ListGet(res, 2); !third.IsNone() {
		t.Errorf("resume 3 = %s, want none", vm.DebugString(third))
	}

	vm.Release(res)
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

func TestFiberStateTransitions(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	b := NewChunkBuilder("states")
	co := b.Op(OpCoinit, 4, 0)
	b.U16(0)
	b.emit(4)
	bodyPC := b.PC()
	b.Op(OpConstI8Int, 1, 4)
	b.Op(OpCoyield, 4)
	b.Op(OpConstI8Int, 2, 4)
	b.Op(OpCoreturn, 4)
	bodyEnd := b.PC()
	b.PatchU16(co+3, uint16(bodyEnd-co))
	b.Op(OpEnd, 4) // return the fiber itself
	mainID := b.AddFunc(FuncInfo{Name: "main", PC: 0, End: uint32(b.PC()), NumLocals: 1})
	b.AddFunc(FuncInfo{Name: "body", PC: uint32(bodyPC), End: uint32(bodyEnd), NumLocals: 1})
	b.SetMain(mainID)

	fv := runMain(t, vm, b.MustBuild())
	if fv.TypeID() != TypeFiber {
		t.Fatalf("result = %s, want fiber", vm.DebugString(fv))
	}
	if vm.FiberStateOf(fv) != FiberInit {
		t.Errorf("state = %d, want init", vm.FiberStateOf(fv))
	}

	// Cancelling a fiber that never ran releases its staged state.
	vm.Release(fv)
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

// A paused fiber holding retained values is torn down cleanly when
// the last reference drops.
func TestPausedFiberCancellation(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	b := NewChunkBuilder("cancel")
	co := b.Op(OpCoinit, 4, 0)
	b.U16(0)
	b.emit(4)
	bodyPC := b.PC()
	b.Op(OpList, 5, 0, 4) // fiber-local retained list
	b.Op(OpNone, 5)
	b.Op(OpCoyield, 5)
	b.Op(OpRelease, 4)
	b.Op(OpCoreturn, 5)
	bodyEnd := b.PC()
	b.PatchU16(co+3, uint16(bodyEnd-co))
	b.Op(OpCoresume, 4, 5) // run up to the yield
	b.Op(OpRelease, 4)     // cancel while paused
	b.Op(OpEnd, endNoLocal)
	mainID := b.AddFunc(FuncInfo{Name: "main", PC: 0, End: uint32(b.PC()), NumLocals: 2})
	b.AddFunc(FuncInfo{
		Name: "body", PC: uint32(bodyPC), End: uint32(bodyEnd),
		NumLocals:     2,
		RetainedSlots: []uint8{4},
	})
	b.SetMain(mainID)

	runMain(t, vm, b.MustBuild())
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0 after cancelling a paused fiber", vm.GlobalRC())
	}
	if vm.HeapObjectCount() != 0 {
		t.Errorf("live objects = %d, want 0", vm.HeapObjectCount())
	}
}

func TestResumeDoneFiberYieldsNone(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	f := vm.allocFiber(16)
	f.state = FiberDone
	fv := f.head.Value()

	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		b.Op(OpConstI8Int, 9, 5) // sentinel that must be overwritten
		b.Op(OpCoresume, 4, 5)
		b.Op(OpEnd, 5)
		return 2
	})
	// Staging the fiber directly in the root frame.
	vm.mainStack[4] = fv
	res, rc, err := vm.RunChunk(chunk)
	if rc != ResultSuccess {
		t.Fatalf("rc=%v err=%v", rc, err)
	}
	if !res.IsNone() {
		t.Errorf("resume of done fiber = %s, want none", vm.DebugString(res))
	}
	vm.Release(fv)
}
