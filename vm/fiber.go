package vm

// Cooperative fibers. A fiber owns an independent Value stack, so no
// machine stack or OS thread is involved; Coresume/Coyield/Coreturn
// swap the interpreter's stack, pc and frame pointer in place.

// defaultFiberStackLen sizes newly created fiber stacks.
const defaultFiberStackLen = 256

// FiberStateOf reports the lifecycle state of a fiber value.
func (vm *VM) FiberStateOf(v Value) FiberState {
	return asFiber(v).state
}

// newFiber allocates a fiber whose body starts at pc with the given
// arguments bound. The callee frame is staged exactly like a call:
// four header slots then the args; the root flag makes the body's
// return unwind back to the resumer instead of a bytecode caller.
func (vm *VM) newFiber(pc int, args []Value, numLocals uint8) *Fiber {
	need := 4 + int(numLocals)
	stackLen := defaultFiberStackLen
	if need > stackLen {
		stackLen = need
	}
	f := vm.allocFiber(stackLen)
	f.pc = pc
	f.fp = 0
	f.stack[frameSlotRetInfo] = packRetInfo(1, frameFlagRoot)
	f.stack[frameSlotRetPC] = Value(0)
	f.stack[frameSlotRetFP] = Value(0)
	for i, a := range args {
		// Args were retained by the coinit site; ownership moves to
		// the fiber stack.
		f.stack[4+i] = a
	}
	f.state = FiberInit
	return f
}

// switchToFiber parks the resumer's execution context on the fiber
// link stack, installs the fiber's stack, and records the resumer's
// destination slot for the eventual yield or return.
func (vm *VM) switchToFiber(f *Fiber, resumePC, resumeFP int, dst uint8) {
	vm.fiberStack = append(vm.fiberStack, fiberLink{
		fiber: vm.curFiber,
		pc:    resumePC,
		fp:    resumeFP,
		dst:   dst,
	})
	if vm.curFiber != nil {
		vm.curFiber.stack = vm.stack
		vm.curFiber.state = FiberPaused
	}
	vm.stack = f.stack
	vm.curFiber = f
	f.state = FiberExec
}

// switchBack returns control to the most recent resumer, delivering
// val into the resumer's destination slot. The yielding fiber's
// context is saved when it merely paused; Coreturn tears it down
// before calling here.
func (vm *VM) switchBack(f *Fiber, pausedPC, pausedFP int, val Value) (pc, fp int) {
	n := len(vm.fiberStack)
	link := vm.fiberStack[n-1]
	vm.fiberStack = vm.fiberStack[:n-1]

	if f != nil && f.state != FiberDone {
		f.stack = vm.stack
		f.pc = pausedPC
		f.fp = pausedFP
		f.state = FiberPaused
	}

	vm.curFiber = link.fiber
	if link.fiber != nil {
		vm.stack = link.fiber.stack
		link.fiber.state = FiberExec
	} else {
		vm.stack = vm.mainStack
	}
	pc, fp = link.pc, link.fp

	// Ownership of val moves into the destination slot.
	vm.release(vm.stack[fp+int(link.dst)])
	vm.stack[fp+int(link.dst)] = val
	return pc, fp
}

// releaseFiberStack drops every value a paused or finished fiber
// still owns. Runs from the fiber destructor, so a cancelled fiber
// cannot leak its frame state.
func (vm *VM) releaseFiberStack(f *Fiber) {
	if f.state == FiberDone || f.stack == nil {
		f.stack = nil
		return
	}
	if f.state == FiberInit {
		// Only the staged arguments are live before the first resume.
		if fn := vm.funcForPC(f.pc); fn != nil {
			for i := 0; i < int(fn.NumParams); i++ {
				vm.release(f.stack[4+i])
				f.stack[4+i] = None
			}
		}
		f.stack = nil
		f.state = FiberDone
		return
	}
	// Unwind the fiber's frames exactly like a panic would, using
	// the per-function retained-slot tables.
	pc := f.pc
	fp := f.fp
	for {
		if fn := vm.funcForPC(pc); fn != nil {
			for _, slot := range fn.RetainedSlots {
				vm.release(f.stack[fp+int(slot)])
				f.stack[fp+int(slot)] = None
			}
		}
		info := unpackRetInfo(f.stack[fp+frameSlotRetInfo])
		if info.flags&frameFlagRoot != 0 {
			break
		}
		pc = int(uint64(f.stack[fp+frameSlotRetPC]))
		fp = int(uint64(f.stack[fp+frameSlotRetFP]))
	}
	f.stack = nil
	f.state = FiberDone
}

// eachFiberLiveValue visits the values a suspended fiber still owns,
// for the cycle collector.
func (vm *VM) eachFiberLiveValue(f *Fiber, fn func(Value)) {
	if f.state == FiberDone || f.stack == nil {
		return
	}
	if f.state == FiberInit {
		if info := vm.funcForPC(f.pc); info != nil {
			for i := 0; i < int(info.NumParams); i++ {
				fn(f.stack[4+i])
			}
		}
		return
	}
	pc := f.pc
	fp := f.fp
	for {
		if info := vm.funcForPC(pc); info != nil {
			for _, slot := range info.RetainedSlots {
				fn(f.stack[fp+int(slot)])
			}
		}
		ri := unpackRetInfo(f.stack[fp+frameSlotRetInfo])
		if ri.flags&frameFlagRoot != 0 {
			break
		}
		pc = int(uint64(f.stack[fp+frameSlotRetPC]))
		fp = int(uint64(f.stack[fp+frameSlotRetFP]))
	}
}

// fiberLink records one suspended resumer.
type fiberLink struct {
	fiber *Fiber // nil for the main fiber
	pc    int
	fp    int
	dst   uint8 // resumer frame slot that receives the value
}

// funcForPC resolves a pc against the loaded chunk's function table.
func (vm *VM) funcForPC(pc int) *FuncInfo {
	if vm.chunk == nil {
		return nil
	}
	return vm.chunk.funcForPC(pc)
}
