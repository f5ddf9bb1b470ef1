package vm

// Trial-deletion cycle collector. Pure reference counting leaks
// self-sustaining groups; this collector tentatively removes the
// counts contributed by intra-candidate edges and sweeps whatever
// cannot account for an external owner.
//
// Only types that can participate in cycles are buffered as
// candidates (lists, maps, closures, boxes, fibers, user objects).

const (
	colorBlack uint8 = iota // live, or not yet considered
	colorGray               // trial decrements applied
	colorWhite              // provisionally garbage
)

// GCResult reports one collector run.
type GCResult struct {
	// NumCycFreed is the number of objects freed that were part of a
	// reference cycle.
	NumCycFreed int
	// NumObjFreed is the total number of objects freed, including
	// acyclic descendants released by the sweep.
	NumObjFreed int
}

// addCycCandidate buffers an object whose refcount was decremented
// without reaching zero.
func (vm *VM) addCycCandidate(h *HeapHeader) {
	if h.buffered || !isCyclable(h.TypeID) {
		return
	}
	h.buffered = true
	h.cycNext = vm.cycHead
	vm.cycHead = h
}

// removeCycCandidate unlinks a dying object from the candidate
// buffer so the collector never observes freed memory.
func (vm *VM) removeCycCandidate(h *HeapHeader) {
	if !h.buffered {
		return
	}
	h.buffered = false
	if vm.cycHead == h {
		vm.cycHead = h.cycNext
		h.cycNext = nil
		return
	}
	for cur := vm.cycHead; cur != nil; cur = cur.cycNext {
		if cur.cycNext == h {
			cur.cycNext = h.cycNext
			h.cycNext = nil
			return
		}
	}
}

// PerformGC runs the cycle collector once.
//
// After it returns, no live object has rc zero and no reachable
// object remains on the candidate buffer.
func (vm *VM) PerformGC() GCResult {
	liveBefore := len(vm.heap.live)

	// Snapshot and clear the candidate buffer. Survivors that take
	// another decrement after this run are re-buffered.
	var candidates []*HeapHeader
	for h := vm.cycHead; h != nil; {
		next := h.cycNext
		h.cycNext = nil
		h.buffered = false
		candidates = append(candidates, h)
		h = next
	}
	vm.cycHead = nil

	// Mark: trial-delete every intra-graph edge reachable from the
	// candidates.
	for _, h := range candidates {
		vm.markGray(h)
	}

	// Scan: anything whose trial count stayed positive has an owner
	// outside the graph; repaint it and its reachable children live.
	for _, h := range candidates {
		vm.scan(h)
	}

	// Sweep: whites are garbage. Collect the full white set first so
	// destructors can tell group members from external children.
	var white []*HeapHeader
	for _, h := range candidates {
		vm.collectWhite(h, &white)
	}

	for _, h := range white {
		vm.freeCycObject(h)
	}

	freedTotal := liveBefore - len(vm.heap.live)
	if vm.trace != nil {
		vm.trace.NumGCRuns++
	}
	vm.log.Debugf("gc: freed %d cyclic, %d total", len(white), freedTotal)
	return GCResult{NumCycFreed: len(white), NumObjFreed: freedTotal}
}

func (vm *VM) markGray(h *HeapHeader) {
	if h.color == colorGray {
		return
	}
	h.color = colorGray
	h.scratch = h.rc
	vm.forEachChild(h, func(child Value) {
		if !child.IsHeap() {
			return
		}
		ch := child.Header()
		// Trial deletion only walks the cyclable subgraph; strings
		// and foreign handles are released by the sweep like any
		// other external reference.
		if !isCyclable(ch.TypeID) {
			return
		}
		vm.markGray(ch)
		if ch.scratch > 0 {
			ch.scratch--
		}
	})
}

func (vm *VM) scan(h *HeapHeader) {
	if h.color != colorGray {
		return
	}
	if h.scratch > 0 {
		vm.scanBlack(h)
		return
	}
	h.color = colorWhite
	vm.forEachChild(h, func(child Value) {
		if child.IsHeap() && isCyclable(child.TypeID()) {
			vm.scan(child.Header())
		}
	})
}

// scanBlack repaints an externally live subgraph and restores the
// trial counts its edges consumed.
func (vm *VM) scanBlack(h *HeapHeader) {
	h.color = colorBlack
	vm.forEachChild(h, func(child Value) {
		if !child.IsHeap() || !isCyclable(child.TypeID()) {
			return
		}
		ch := child.Header()
		ch.scratch++
		if ch.color != colorBlack {
			vm.scanBlack(ch)
		}
	})
}

func (vm *VM) collectWhite(h *HeapHeader, out *[]*HeapHeader) {
	if h.color != colorWhite {
		return
	}
	h.color = colorBlack // visited marker; the object is already doomed
	h.scratch = doomedScratch
	*out = append(*out, h)
	vm.forEachChild(h, func(child Value) {
		if child.IsHeap() && isCyclable(child.TypeID()) {
			vm.collectWhite(child.Header(), out)
		}
	})
}

// freeCycObject destroys a member of the garbage group. References to
// other group members are dropped without destructor dispatch (the
// sweep frees them directly); references out of the group are
// released normally.
func (vm *VM) freeCycObject(h *HeapHeader) {
	vm.forEachChild(h, func(child Value) {
		if !child.IsHeap() {
			return
		}
		ch := child.Header()
		if ch.inWhiteSet() {
			// Same sweep; only balance the counters.
			if ch.rc > 0 {
				ch.rc--
				if vm.trackGlobalRC {
					vm.refCounts--
				}
			}
			return
		}
		vm.release(child)
	})
	// Whatever count remains is held by doomed members freed later in
	// the same sweep; zero it out of the global ledger now.
	if vm.trackGlobalRC {
		vm.refCounts -= int64(h.rc)
	}
	h.rc = 0
	vm.runFinalizer(h)
	vm.heap.untrack(h)
}

// inWhiteSet reports whether the object is part of the current sweep.
// collectWhite repaints whites black as a visited marker, so the
// sweep marks members by leaving them in the live set with a doomed
// scratch sentinel instead.
func (h *HeapHeader) inWhiteSet() bool {
	return h.scratch == doomedScratch
}

const doomedScratch = ^uint32(0)
