package vm

// Reference counting primitives. The compiler emits explicit retains
// and releases; the runtime only provides the mechanism.

// maxDestructDepth bounds destructor recursion. Deeper ownership
// chains (long linked lists) are drained through an explicit worklist
// so the host stack cannot overflow.
const maxDestructDepth = 64

// retain increments the refcount of a heap value. Non-heap values are
// ignored.
func (vm *VM) retain(v Value) {
	if !v.IsHeap() {
		return
	}
	h := v.Header()
	h.rc++
	vm.trace.NumRetains++
	if vm.trackGlobalRC {
		vm.refCounts++
	}
	if vm.traceRC {
		vm.log.Debugf("retain %s rc=%d", vm.typeName(h.TypeID), h.rc)
	}
}

// release decrements the refcount of a heap value and destroys the
// object when it reaches zero.
func (vm *VM) release(v Value) {
	if !v.IsHeap() {
		return
	}
	h := v.Header()
	if h.rc == 0 {
		panic("release: refcount already zero")
	}
	h.rc--
	vm.trace.NumReleases++
	if vm.trackGlobalRC {
		vm.refCounts--
	}
	if vm.traceRC {
		vm.log.Debugf("release %s rc=%d", vm.typeName(h.TypeID), h.rc)
	}
	if h.rc == 0 {
		vm.destroyObject(h, 0)
	} else {
		vm.addCycCandidate(h)
	}
}

// destroyObject runs the destructor for an object whose rc reached
// zero: releases every owned value, runs any registered finalizer,
// then frees the memory. depth guards against unbounded recursion;
// past the bound, children that would themselves die are parked on a
// worklist and drained iteratively.
func (vm *VM) destroyObject(h *HeapHeader, depth int) {
	if depth > maxDestructDepth {
		vm.deferredFree = append(vm.deferredFree, h)
		return
	}

	vm.removeCycCandidate(h)

	switch h.TypeID {
	case TypeFiber:
		f := asFiber(h.Value())
		vm.releaseFiberStack(f)
	default:
		vm.forEachChild(h, func(child Value) {
			vm.releaseChild(child, depth+1)
		})
	}
	vm.runFinalizer(h)
	vm.heap.untrack(h)

	if depth == 0 {
		vm.drainDeferredFrees()
	}
}

// releaseChild is release with depth accounting for destructor chains.
func (vm *VM) releaseChild(v Value, depth int) {
	if !v.IsHeap() {
		return
	}
	h := v.Header()
	if h.rc == 0 {
		panic("release: refcount already zero")
	}
	h.rc--
	if vm.trackGlobalRC {
		vm.refCounts--
	}
	if h.rc == 0 {
		vm.destroyObject(h, depth)
	} else {
		vm.addCycCandidate(h)
	}
}

// drainDeferredFrees destroys objects parked by deep destructor
// chains. Each entry restarts at depth zero, so a chain of any length
// completes in bounded host-stack space.
func (vm *VM) drainDeferredFrees() {
	for len(vm.deferredFree) > 0 {
		n := len(vm.deferredFree)
		h := vm.deferredFree[n-1]
		vm.deferredFree = vm.deferredFree[:n-1]
		vm.removeCycCandidate(h)
		switch h.TypeID {
		case TypeFiber:
			vm.releaseFiberStack(asFiber(h.Value()))
		default:
			vm.forEachChild(h, func(child Value) {
				vm.releaseChild(child, 1)
			})
		}
		vm.runFinalizer(h)
		vm.heap.untrack(h)
	}
}

// runFinalizer invokes the finalizer registered for foreign handle
// types. Finalizers must not allocate on the VM heap.
func (vm *VM) runFinalizer(h *HeapHeader) {
	entry := vm.typeEntry(h.TypeID)
	if entry == nil || entry.finalizer == nil {
		return
	}
	v := h.Value()
	var obj any
	switch h.TypeID {
	case TypePointer:
		obj = (*Pointer)(v.asPointer())
	case TypeFile:
		obj = (*File)(v.asPointer())
	case TypeDir:
		obj = (*Dir)(v.asPointer())
	case TypeDirIter:
		obj = asDirIter(v)
	default:
		obj = h
	}
	entry.finalizer(vm, obj)
}

// Retain is the embedder-facing retain.
func (vm *VM) Retain(v Value) { vm.retain(v) }

// Release is the embedder-facing release.
func (vm *VM) Release(v Value) { vm.release(v) }

// GlobalRC returns the tracked process-wide reference count. It is
// only meaningful when the VM was configured with TrackGlobalRC; after
// final teardown of a well-behaved program it is zero.
func (vm *VM) GlobalRC() int64 {
	if !vm.trackGlobalRC {
		panic("GlobalRC: VM not configured with TrackGlobalRC")
	}
	return vm.refCounts
}
