package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// buildMain wraps emitted code in a single entry function. emit
// returns the number of locals used (excluding the frame header).
func buildMain(t *testing.T, emit func(b *ChunkBuilder) uint8) *Chunk {
	t.Helper()
	b := NewChunkBuilder("test")
	numLocals := emit(b)
	fid := b.AddFunc(FuncInfo{
		Name:      "main",
		PC:        0,
		End:       uint32(b.PC()),
		NumLocals: numLocals,
	})
	b.SetMain(fid)
	return b.MustBuild()
}

func runMain(t *testing.T, vm *VM, chunk *Chunk) Value {
	t.Helper()
	res, rc, err := vm.RunChunk(chunk)
	if rc != ResultSuccess {
		t.Fatalf("RunChunk: rc=%v err=%v report=%s", rc, err, vm.LastErrorReport())
	}
	return res
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

// Scenario: 1 + 2 * 3 evaluates to float 7 with no heap allocation
// and a zero global RC delta.
func TestArithmeticExpression(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		b.Op(OpConstI8, 2, 5)
		b.Op(OpConstI8, 3, 6)
		b.Op(OpMul, 5, 6, 7)
		b.Op(OpConstI8, 1, 4)
		b.Op(OpAdd, 4, 7, 8)
		b.Op(OpEnd, 8)
		return 5
	})

	res := runMain(t, vm, chunk)
	if !res.IsFloat() || res.AsFloat() != 7.0 {
		t.Errorf("result = %s, want 7.0", vm.DebugString(res))
	}
	if vm.HeapObjectCount() != 0 {
		t.Errorf("heap allocations = %d, want 0", vm.HeapObjectCount())
	}
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

func TestIntegerFastPaths(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		b.Op(OpConstI8Int, 40, 4)
		b.Op(OpConstI8Int, 2, 5)
		b.Op(OpAddInt, 4, 5, 6)
		b.Op(OpEnd, 6)
		return 3
	})
	res := runMain(t, vm, chunk)
	if !res.IsInteger() || res.AsInteger() != 42 {
		t.Errorf("result = %s, want 42", vm.DebugString(res))
	}
}

// Mixing integer and float promotes to float.
func TestMixedArithmeticPromotes(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		b.Op(OpConstI8Int, 1, 4)
		b.Op(OpConstI8, 2, 5)
		b.Op(OpAdd, 4, 5, 6)
		b.Op(OpEnd, 6)
		return 3
	})
	res := runMain(t, vm, chunk)
	if !res.IsFloat() || res.AsFloat() != 3.0 {
		t.Errorf("result = %s, want float 3", vm.DebugString(res))
	}
}

func TestDivByZeroFollowsIEEE(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		b.Op(OpConstI8, 1, 4)
		b.Op(OpConstI8, 0, 5)
		b.Op(OpDiv, 4, 5, 6)
		b.Op(OpEnd, 6)
		return 3
	})
	res := runMain(t, vm, chunk)
	if !res.IsFloat() || !math.IsInf(res.AsFloat(), 1) {
		t.Errorf("1/0 = %s, want +Inf", vm.DebugString(res))
	}
}

// ---------------------------------------------------------------------------
// Lists and maps
// ---------------------------------------------------------------------------

// Scenario: [1, 2, 3][1] yields integer 2 and teardown returns the
// global RC to zero.
func TestListIndexRoundTrip(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		b.Op(OpConstI8Int, 1, 4)
		b.Op(OpConstI8Int, 2, 5)
		b.Op(OpConstI8Int, 3, 6)
		b.Op(OpList, 4, 3, 7)
		b.Op(OpConstI8Int, 1, 8)
		b.Op(OpIndex, 7, 8, 9)
		b.Op(OpRelease, 7)
		b.Op(OpEnd, 9)
		return 6
	})

	res := runMain(t, vm, chunk)
	if !res.IsInteger() || res.AsInteger() != 2 {
		t.Errorf("result = %s, want 2", vm.DebugString(res))
	}
	vm.Release(res)
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
	if vm.HeapObjectCount() != 0 {
		t.Errorf("live objects = %d, want 0", vm.HeapObjectCount())
	}
}

func TestListIndexOutOfBounds(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		b.Op(OpConstI8Int, 1, 4)
		b.Op(OpList, 4, 1, 5)
		b.Op(OpConstI8Int, 9, 6)
		b.Op(OpIndex, 5, 6, 7)
		b.Op(OpRelease, 5)
		b.Op(OpEnd, 7)
		return 4
	})
	res := runMain(t, vm, chunk)
	if !res.IsError() || res.ErrorSym() != symOutOfBounds {
		t.Errorf("result = %s, want error(#OutOfBounds)", vm.DebugString(res))
	}
}

func TestMapLiteralAndIndex(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		k := b.AddStringConst("answer")
		b.Op(OpConstOp, k, 4)
		b.Op(OpConstI8Int, 42, 5)
		b.Op(OpMap, 4, 1, 6) // {"answer": 42}
		b.Op(OpConstOp, k, 7)
		b.Op(OpIndex, 6, 7, 8)
		b.Op(OpRelease, 6)
		b.Op(OpEnd, 8)
		return 5
	})
	res := runMain(t, vm, chunk)
	if !res.IsInteger() || res.AsInteger() != 42 {
		t.Errorf("result = %s, want 42", vm.DebugString(res))
	}
	vm.Release(res)
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func TestJumpNotCond(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	// if false { r = 1 } else { r = 2 }
	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		b.Op(OpFalse, 4)
		jmp := b.Op(OpJumpNotCond)
		b.U16(0) // patched
		b.emit(4)
		b.Op(OpConstI8Int, 1, 5)
		end := b.Op(OpJump)
		b.U16(0) // patched
		elsePC := b.PC()
		b.PatchU16(jmp+1, uint16(elsePC-jmp))
		b.Op(OpConstI8Int, 2, 5)
		b.PatchU16(end+1, uint16(b.PC()-end))
		b.Op(OpEnd, 5)
		return 2
	})
	res := runMain(t, vm, chunk)
	if res.AsInteger() != 2 {
		t.Errorf("result = %s, want 2", vm.DebugString(res))
	}
}

// Self-modifying loop specialisation: ForRangeInit patches the loop
// opcode and iteration count/direction are preserved across runs.
func TestForRangePatchingAndSum(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	var loopAt int
	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		b.Op(OpConstI8Int, 0, 9) // acc = 0
		b.Op(OpConstI8, 0, 4)    // start
		b.Op(OpConstI8, 5, 5)    // end
		b.Op(OpConstI8, 1, 6)    // step
		init := b.Op(OpForRangeInit, 4, 5, 6, 7, 8)
		b.U16(0) // patched to loop offset
		body := b.PC()
		b.Op(OpAdd, 9, 8, 9) // acc += i
		loopAt = b.PC()
		b.Op(OpForRange, 7, 6, 5, 8)
		b.U16(uint16(loopAt - body))
		b.PatchU16(init+6, uint16(loopAt-init))
		b.Op(OpEnd, 9)
		return 6
	})

	res := runMain(t, vm, chunk)
	if res.AsFloat() != 10 { // 0+1+2+3+4
		t.Errorf("sum = %s, want 10", vm.DebugString(res))
	}
	if Opcode(chunk.Code[loopAt]) != OpForRange {
		t.Errorf("loop opcode = %s, want ForRange", Opcode(chunk.Code[loopAt]))
	}

	// Re-running re-patches and the count stays the same.
	res = runMain(t, vm, chunk)
	if res.AsFloat() != 10 {
		t.Errorf("second run sum = %s, want 10", vm.DebugString(res))
	}
}

func TestForRangeReverseDirection(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	var loopAt int
	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		b.Op(OpConstI8Int, 0, 9)
		b.Op(OpConstI8, 5, 4)  // start > end: downward
		b.Op(OpConstI8, 0, 5)  // end
		b.Op(OpConstI8, 0xFF, 6) // step -1, stored as absolute value
		init := b.Op(OpForRangeInit, 4, 5, 6, 7, 8)
		b.U16(0)
		body := b.PC()
		b.Op(OpAdd, 9, 8, 9)
		loopAt = b.PC()
		b.Op(OpForRange, 7, 6, 5, 8)
		b.U16(uint16(loopAt - body))
		b.PatchU16(init+6, uint16(loopAt-init))
		b.Op(OpEnd, 9)
		return 6
	})

	res := runMain(t, vm, chunk)
	if res.AsFloat() != 15 { // 5+4+3+2+1
		t.Errorf("sum = %s, want 15", vm.DebugString(res))
	}
	if Opcode(chunk.Code[loopAt]) != OpForRangeReverse {
		t.Errorf("loop opcode = %s, want ForRangeReverse", Opcode(chunk.Code[loopAt]))
	}
}

func TestMatchDispatch(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	chunk := buildMain(t, func(b *ChunkBuilder) uint8 {
		c1 := b.AddConst(Integer(1))
		c2 := b.AddConst(Integer(2))
		b.Op(OpConstI8Int, 2, 4)
		m := b.Op(OpMatch, 4, 2)
		b.emit(c1)
		b.U16(0) // case 1, patched
		b.emit(c2)
		b.U16(0) // case 2, patched
		b.U16(0) // else, patched
		case1 := b.PC()
		b.Op(OpConstI8Int, 10, 5)
		j1 := b.Op(OpJump)
		b.U16(0)
		case2 := b.PC()
		b.Op(OpConstI8Int, 20, 5)
		j2 := b.Op(OpJump)
		b.U16(0)
		elseAt := b.PC()
		b.Op(OpConstI8Int, 30, 5)
		done := b.PC()
		b.PatchU16(m+4, uint16(case1-m))
		b.PatchU16(m+7, uint16(case2-m))
		b.PatchU16(m+9, uint16(elseAt-m))
		b.PatchU16(j1+1, uint16(done-j1))
		b.PatchU16(j2+1, uint16(done-j2))
		b.Op(OpEnd, 5)
		return 2
	})
	res := runMain(t, vm, chunk)
	if res.AsInteger() != 20 {
		t.Errorf("match result = %s, want 20", vm.DebugString(res))
	}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func TestCallSymAndReturn(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	b := NewChunkBuilder("calls")
	// main: call double(21) and finish.
	b.Op(OpConstI8Int, 21, 8) // arg slot: 4 (start) + 4 (header)
	call := b.Op(OpCallSym, 4, 1, 1)
	b.U16(0) // func id, patched below
	b.emit(0, 0, 0, 0, 0)
	b.Op(OpEnd, 4)
	mainEnd := b.PC()

	// double(n): n + n, result into the frame's ret slot.
	fnPC := b.PC()
	b.Op(OpAddInt, 4, 4, 0)
	b.Op(OpRet1)
	fnEnd := b.PC()

	mainID := b.AddFunc(FuncInfo{Name: "main", PC: 0, End: uint32(mainEnd), NumLocals: 10})
	dblID := b.AddFunc(FuncInfo{
		Name: "double", PC: uint32(fnPC), End: uint32(fnEnd),
		NumParams: 1, NumLocals: 1,
	})
	b.PatchU16(call+4, dblID)
	b.SetMain(mainID)
	chunk := b.MustBuild()

	res := runMain(t, vm, chunk)
	if res.AsInteger() != 42 {
		t.Errorf("double(21) = %s, want 42", vm.DebugString(res))
	}

	// The call site quickened to the direct form.
	if Opcode(chunk.Code[call]) != OpCallFuncIC {
		t.Errorf("call opcode = %s, want CallFuncIC", Opcode(chunk.Code[call]))
	}
	res = runMain(t, vm, chunk)
	if res.AsInteger() != 42 {
		t.Errorf("IC run: double(21) = %s, want 42", vm.DebugString(res))
	}
}

func TestCallLambdaValue(t *testing.T) {
	vm := New()
	defer vm.Destroy()

	b := NewChunkBuilder("lambda")
	lam := b.Op(OpLambda)
	b.U16(0) // patched
	b.emit(4) // dst
	// stage the call: arg at 5+4+... startLocal=5, arg slot 9,
	// callee at slot 10 (startLocal+4+numArgs).
	b.Op(OpConstI8Int, 7, 9)
	b.Op(OpCopy, 4, 10)
	b.Op(OpCall1, 5, 1)
	b.Op(OpRelease, 4)
	b.Op(OpEnd, 5)
	mainEnd := b.PC()

	fnPC := b.PC()
	b.Op(OpAddInt, 4, 4, 0)
	b.Op(OpRet1)
	fnEnd := b.PC()

	mainID := b.AddFunc(FuncInfo{Name: "main", PC: 0, End: uint32(mainEnd), NumLocals: 7})
	fnID := b.AddFunc(FuncInfo{Name: "dbl", PC: uint32(fnPC), End: uint32(fnEnd), NumParams: 1, NumLocals: 1})
	b.PatchU16(lam+1, fnID)
	b.SetMain(mainID)

	res := runMain(t, vm, b.MustBuild())
	if res.AsInteger() != 14 {
		t.Errorf("dbl(7) = %s, want 14", vm.DebugString(res))
	}
}

// ---------------------------------------------------------------------------
// Stack overflow boundary
// ---------------------------------------------------------------------------

// A nullary call that exactly fits the stack succeeds; one slot
// further raises StackOverflow.
func TestStackOverflowBoundary(t *testing.T) {
	build := func(startLocal uint8) *Chunk {
		b := NewChunkBuilder("overflow")
		call := b.Op(OpCallSym, startLocal, 0, 0)
		b.U16(0)
		b.emit(0, 0, 0, 0, 0)
		b.Op(OpEnd, endNoLocal)
		mainEnd := b.PC()
		fnPC := b.PC()
		b.Op(OpRet0)
		fnEnd := b.PC()
		mainID := b.AddFunc(FuncInfo{Name: "main", PC: 0, End: uint32(mainEnd), NumLocals: 8})
		fnID := b.AddFunc(FuncInfo{Name: "noop", PC: uint32(fnPC), End: uint32(fnEnd), NumLocals: 0})
		b.PatchU16(call+4, fnID)
		b.SetMain(mainID)
		return b.MustBuild()
	}

	cfg := DefaultConfig()
	cfg.VM.StackSize = 64

	vm := NewWithConfig(cfg)
	if _, rc, err := vm.RunChunk(build(60)); rc != ResultSuccess {
		t.Fatalf("call at stack end should fit: rc=%v err=%v", rc, err)
	}
	vm.Destroy()

	vm = NewWithConfig(cfg)
	_, rc, _ := vm.RunChunk(build(61))
	if rc != ResultPanic {
		t.Fatalf("call past stack end: rc=%v, want panic", rc)
	}
	if vm.LastError() == nil || vm.LastError().Kind != ErrStackOverflow {
		t.Errorf("error kind = %v, want StackOverflow", vm.LastError())
	}
	vm.Destroy()
}

// ---------------------------------------------------------------------------
// Panics release locals
// ---------------------------------------------------------------------------

func TestPanicReleasesRetainedLocals(t *testing.T) {
	vm := newTrackedVM()
	defer vm.Destroy()

	b := NewChunkBuilder("panic")
	b.Op(OpList, 4, 0, 5)    // empty list retained in slot 5
	b.Op(OpNone, 4)
	b.Op(OpConstI8Int, 0, 6)
	b.Op(OpIndex, 4, 6, 7)   // indexing none panics
	b.Op(OpEnd, endNoLocal)
	mainID := b.AddFunc(FuncInfo{
		Name: "main", PC: 0, End: uint32(b.PC()),
		NumLocals:     4,
		RetainedSlots: []uint8{5},
	})
	b.SetMain(mainID)

	_, rc, _ := vm.RunChunk(b.MustBuild())
	if rc != ResultPanic {
		t.Fatalf("rc = %v, want panic", rc)
	}
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc after panic = %d, want 0 (locals not released)", vm.GlobalRC())
	}
	if vm.LastErrorReport() == "" {
		t.Error("expected a formatted error report")
	}
}
