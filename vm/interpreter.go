package vm

// The dispatch loop. A tight switch over the opcode byte; each case
// advances pc by its instruction's exact encoded size. The loop reads
// and rewrites the instruction buffer in place for inline caching and
// loop specialisation, so the chunk's Code must stay mutable.

// run executes the loaded chunk from pc with the frame pointer fp.
// On success the final value (from the End instruction) is stored in
// vm.evalResult.
func (vm *VM) run(pc, fp int) ResultCode {
	code := vm.chunk.Code
	consts := vm.chunk.Consts

	for {
		switch Opcode(code[pc]) {

		// --- Constants and literals ---

		case OpConstOp:
			vm.stack[fp+int(code[pc+2])] = consts[code[pc+1]]
			pc += 3

		case OpConstI8:
			vm.stack[fp+int(code[pc+2])] = Float(float64(int8(code[pc+1])))
			pc += 3

		case OpConstI8Int:
			vm.stack[fp+int(code[pc+2])] = Integer(int64(int8(code[pc+1])))
			pc += 3

		case OpTrue:
			vm.stack[fp+int(code[pc+1])] = True
			pc += 2

		case OpFalse:
			vm.stack[fp+int(code[pc+1])] = False
			pc += 2

		case OpNone:
			vm.stack[fp+int(code[pc+1])] = None
			pc += 2

		case OpTag:
			vm.stack[fp+int(code[pc+2])] = Symbol(uint32(code[pc+1]))
			pc += 3

		case OpTagLiteral:
			vm.stack[fp+int(code[pc+2])] = Symbol(symUserTagStart + uint32(code[pc+1]))
			pc += 3

		// --- Moves and refcount primitives ---

		case OpCopy:
			vm.stack[fp+int(code[pc+2])] = vm.stack[fp+int(code[pc+1])]
			pc += 3

		case OpCopyReleaseDst:
			dst := fp + int(code[pc+2])
			vm.release(vm.stack[dst])
			vm.stack[dst] = vm.stack[fp+int(code[pc+1])]
			pc += 3

		case OpCopyRetainSrc:
			v := vm.stack[fp+int(code[pc+1])]
			vm.retain(v)
			vm.stack[fp+int(code[pc+2])] = v
			pc += 3

		case OpCopyRetainRelease:
			v := vm.stack[fp+int(code[pc+1])]
			vm.retain(v)
			dst := fp + int(code[pc+2])
			vm.release(vm.stack[dst])
			vm.stack[dst] = v
			pc += 3

		case OpRetain:
			vm.retain(vm.stack[fp+int(code[pc+1])])
			pc += 2

		case OpRelease:
			vm.release(vm.stack[fp+int(code[pc+1])])
			pc += 2

		case OpReleaseN:
			n := int(code[pc+1])
			for i := 0; i < n; i++ {
				vm.release(vm.stack[fp+int(code[pc+2+i])])
			}
			pc += 2 + n

		case OpSetInitN:
			n := int(code[pc+1])
			for i := 0; i < n; i++ {
				vm.stack[fp+int(code[pc+2+i])] = None
			}
			pc += 2 + n

		// --- Arithmetic ---

		case OpAdd:
			l, r := vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])]
			if l.IsFloat() && r.IsFloat() {
				vm.stack[fp+int(code[pc+3])] = Float(l.AsFloat() + r.AsFloat())
			} else {
				res, ok := vm.opAdd(l, r)
				if !ok {
					return vm.opPanic(pc, fp, "add: incompatible operands")
				}
				vm.stack[fp+int(code[pc+3])] = res
			}
			pc += 4

		case OpSub:
			l, r := vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])]
			if l.IsFloat() && r.IsFloat() {
				vm.stack[fp+int(code[pc+3])] = Float(l.AsFloat() - r.AsFloat())
			} else {
				res, ok := vm.opSub(l, r)
				if !ok {
					return vm.opPanic(pc, fp, "sub: incompatible operands")
				}
				vm.stack[fp+int(code[pc+3])] = res
			}
			pc += 4

		case OpMul:
			l, r := vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])]
			if l.IsFloat() && r.IsFloat() {
				vm.stack[fp+int(code[pc+3])] = Float(l.AsFloat() * r.AsFloat())
			} else {
				res, ok := vm.opMul(l, r)
				if !ok {
					return vm.opPanic(pc, fp, "mul: incompatible operands")
				}
				vm.stack[fp+int(code[pc+3])] = res
			}
			pc += 4

		case OpDiv:
			l, r := vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])]
			res, ok := vm.opDiv(l, r)
			if !ok {
				return vm.opPanic(pc, fp, "div: incompatible operands")
			}
			vm.stack[fp+int(code[pc+3])] = res
			pc += 4

		case OpPow:
			res, ok := vm.opPow(vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])])
			if !ok {
				return vm.opPanic(pc, fp, "pow: incompatible operands")
			}
			vm.stack[fp+int(code[pc+3])] = res
			pc += 4

		case OpMod:
			res, ok := vm.opMod(vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])])
			if !ok {
				return vm.opPanic(pc, fp, "mod: incompatible operands")
			}
			vm.stack[fp+int(code[pc+3])] = res
			pc += 4

		case OpNeg:
			res, ok := vm.opNeg(vm.stack[fp+int(code[pc+1])])
			if !ok {
				return vm.opPanic(pc, fp, "neg: incompatible operand")
			}
			vm.stack[fp+int(code[pc+2])] = res
			pc += 3

		case OpAddInt:
			l, r := vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])]
			vm.stack[fp+int(code[pc+3])] = Integer(l.AsInteger() + r.AsInteger())
			pc += 4

		case OpSubInt:
			l, r := vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])]
			vm.stack[fp+int(code[pc+3])] = Integer(l.AsInteger() - r.AsInteger())
			pc += 4

		case OpLessInt:
			l, r := vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])]
			vm.stack[fp+int(code[pc+3])] = Bool(l.AsInteger() < r.AsInteger())
			pc += 4

		// --- Comparison and boolean ---

		case OpCompare:
			vm.stack[fp+int(code[pc+3])] = Bool(vm.valuesEqual(
				vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])]))
			pc += 4

		case OpCompareNot:
			vm.stack[fp+int(code[pc+3])] = Bool(!vm.valuesEqual(
				vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])]))
			pc += 4

		case OpLess:
			res, ok := vm.opLess(vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])])
			if !ok {
				return vm.opPanic(pc, fp, "less: incompatible operands")
			}
			vm.stack[fp+int(code[pc+3])] = res
			pc += 4

		case OpGreater:
			res, ok := vm.opGreater(vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])])
			if !ok {
				return vm.opPanic(pc, fp, "greater: incompatible operands")
			}
			vm.stack[fp+int(code[pc+3])] = res
			pc += 4

		case OpLessEqual:
			res, ok := vm.opLessEqual(vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])])
			if !ok {
				return vm.opPanic(pc, fp, "lessEqual: incompatible operands")
			}
			vm.stack[fp+int(code[pc+3])] = res
			pc += 4

		case OpGreaterEqual:
			res, ok := vm.opGreaterEqual(vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])])
			if !ok {
				return vm.opPanic(pc, fp, "greaterEqual: incompatible operands")
			}
			vm.stack[fp+int(code[pc+3])] = res
			pc += 4

		case OpNot:
			vm.stack[fp+int(code[pc+2])] = Bool(!vm.stack[fp+int(code[pc+1])].ToBool())
			pc += 3

		// --- Bitwise ---

		case OpBitwiseAnd, OpBitwiseOr, OpBitwiseXor, OpBitwiseLeftShift, OpBitwiseRightShift:
			l, lok := vm.toInt48(vm.stack[fp+int(code[pc+1])])
			r, rok := vm.toInt48(vm.stack[fp+int(code[pc+2])])
			if !lok || !rok {
				return vm.opPanic(pc, fp, "bitwise: incompatible operands")
			}
			var out int64
			switch Opcode(code[pc]) {
			case OpBitwiseAnd:
				out = l & r
			case OpBitwiseOr:
				out = l | r
			case OpBitwiseXor:
				out = l ^ r
			case OpBitwiseLeftShift:
				out = l << (uint64(r) & 63)
			default:
				out = l >> (uint64(r) & 63)
			}
			vm.stack[fp+int(code[pc+3])] = Integer(out)
			pc += 4

		case OpBitwiseNot:
			v, ok := vm.toInt48(vm.stack[fp+int(code[pc+1])])
			if !ok {
				return vm.opPanic(pc, fp, "bitwise not: incompatible operand")
			}
			vm.stack[fp+int(code[pc+2])] = Integer(^v)
			pc += 3

		// --- Control flow ---

		case OpJump:
			pc += int(readI16(code, pc+1))

		case OpJumpCond:
			if vm.stack[fp+int(code[pc+3])].ToBool() {
				pc += int(readI16(code, pc+1))
			} else {
				pc += 4
			}

		case OpJumpNotCond:
			if !vm.stack[fp+int(code[pc+3])].ToBool() {
				pc += int(readI16(code, pc+1))
			} else {
				pc += 4
			}

		case OpJumpNotNone:
			if !vm.stack[fp+int(code[pc+3])].IsNone() {
				pc += int(readI16(code, pc+1))
			} else {
				pc += 4
			}

		case OpMatch:
			expr := vm.stack[fp+int(code[pc+1])]
			numCases := int(code[pc+2])
			matched := false
			for i := 0; i < numCases; i++ {
				at := pc + 3 + i*3
				if vm.valuesEqual(expr, consts[code[at]]) {
					pc += int(readU16(code, at+1))
					matched = true
					break
				}
			}
			if !matched {
				pc += int(readU16(code, pc+3+numCases*3))
			}

		// --- Calls and returns ---

		case OpCall0, OpCall1:
			numRet := uint8(0)
			if Opcode(code[pc]) == OpCall1 {
				numRet = 1
			}
			startLocal := int(code[pc+1])
			numArgs := int(code[pc+2])
			callee := vm.stack[fp+startLocal+frameHeaderSize+numArgs]
			newPC, newFP, rc := vm.callValue(pc, fp, startLocal, numArgs, numRet, pc+3, callee)
			if rc != ResultSuccess {
				return rc
			}
			pc, fp = newPC, newFP

		case OpCallSym:
			startLocal := int(code[pc+1])
			numArgs := int(code[pc+2])
			numRet := code[pc+3]
			symID := readU16(code, pc+4)
			f := &vm.chunk.Funcs[symID]
			if f.IsHost {
				rc := vm.callHost(pc, fp, startLocal, numArgs, numRet, f.HostID)
				if rc != ResultSuccess {
					return rc
				}
				vm.quickenCallSym(code, pc, f)
				pc += callSize
			} else {
				if !vm.checkStack(fp, startLocal, f.NumLocals) {
					return vm.stackOverflow(pc, fp)
				}
				vm.quickenCallSym(code, pc, f)
				fp = vm.pushFrame(fp, startLocal, pc+callSize, numRet, 0)
				pc = int(f.PC)
			}

		case OpCallFuncIC:
			startLocal := int(code[pc+1])
			numRet := code[pc+3]
			numLocals := code[pc+4]
			if !vm.checkStack(fp, startLocal, numLocals) {
				return vm.stackOverflow(pc, fp)
			}
			target := int(readU48(code, pc+callOffFn))
			fp = vm.pushFrame(fp, startLocal, pc+callSize, numRet, 0)
			pc = target
			vm.icStats.Hits++

		case OpCallNativeFuncIC:
			startLocal := int(code[pc+1])
			numArgs := int(code[pc+2])
			numRet := code[pc+3]
			hostID := uint16(readU48(code, pc+callOffFn))
			rc := vm.callHost(pc, fp, startLocal, numArgs, numRet, hostID)
			if rc != ResultSuccess {
				return rc
			}
			vm.icStats.Hits++
			pc += callSize

		case OpCallObjSym:
			startLocal := int(code[pc+1])
			numArgs := int(code[pc+2])
			numRet := code[pc+3]
			symID := code[pc+4]
			recv := vm.stack[fp+startLocal+frameHeaderSize+numArgs-1]
			typeID := recv.TypeID()
			m, ok := vm.resolveMethod(symID, typeID)
			if !ok {
				return vm.opPanic(pc, fp, "method %q not found for %s",
					vm.methodSymName(symID), vm.typeName(typeID))
			}
			if m.isHost {
				rc := vm.callHost(pc, fp, startLocal, numArgs, numRet, m.hostID)
				if rc != ResultSuccess {
					return rc
				}
				vm.quickenObjCall(code, pc, typeID, m)
				pc += objCallSize
			} else {
				f := &vm.chunk.Funcs[m.funcID]
				if !vm.checkStack(fp, startLocal, f.NumLocals) {
					return vm.stackOverflow(pc, fp)
				}
				vm.quickenObjCall(code, pc, typeID, m)
				fp = vm.pushFrame(fp, startLocal, pc+objCallSize, numRet, 0)
				pc = int(f.PC)
			}

		case OpCallObjNativeFuncIC:
			startLocal := int(code[pc+1])
			numArgs := int(code[pc+2])
			numRet := code[pc+3]
			recv := vm.stack[fp+startLocal+frameHeaderSize+numArgs-1]
			cached := TypeID(readU16(code, pc+objCallOffTypeID))
			if recv.TypeID() != cached {
				vm.deoptObjCall(code, pc)
				continue
			}
			hostID := uint16(readU48(code, pc+objCallOffFn))
			rc := vm.callHost(pc, fp, startLocal, numArgs, numRet, hostID)
			if rc != ResultSuccess {
				return rc
			}
			vm.icStats.Hits++
			pc += objCallSize

		case OpCallObjFuncIC:
			startLocal := int(code[pc+1])
			numArgs := int(code[pc+2])
			numRet := code[pc+3]
			recv := vm.stack[fp+startLocal+frameHeaderSize+numArgs-1]
			cached := TypeID(readU16(code, pc+objCallOffTypeID))
			if recv.TypeID() != cached {
				vm.deoptObjCall(code, pc)
				continue
			}
			target := int(readU48(code, pc+objCallOffFn))
			fn := vm.funcForPC(target)
			if fn == nil {
				vm.deoptObjCall(code, pc)
				continue
			}
			if !vm.checkStack(fp, startLocal, fn.NumLocals) {
				return vm.stackOverflow(pc, fp)
			}
			fp = vm.pushFrame(fp, startLocal, pc+objCallSize, numRet, 0)
			pc = target
			vm.icStats.Hits++

		case OpRet1:
			info := unpackRetInfo(vm.stack[fp+frameSlotRetInfo])
			if info.numRet == 0 {
				vm.release(vm.stack[fp+frameSlotRet])
				vm.stack[fp+frameSlotRet] = None
			}
			retPC := int(uint64(vm.stack[fp+frameSlotRetPC]))
			fp = int(uint64(vm.stack[fp+frameSlotRetFP]))
			pc = retPC
			if info.flags&frameFlagRoot != 0 {
				return ResultSuccess
			}

		case OpRet0:
			info := unpackRetInfo(vm.stack[fp+frameSlotRetInfo])
			if info.numRet == 1 {
				vm.stack[fp+frameSlotRet] = None
			}
			retPC := int(uint64(vm.stack[fp+frameSlotRetPC]))
			fp = int(uint64(vm.stack[fp+frameSlotRetFP]))
			pc = retPC
			if info.flags&frameFlagRoot != 0 {
				return ResultSuccess
			}

		// --- Aggregates ---

		case OpList:
			startLocal := fp + int(code[pc+1])
			n := int(code[pc+2])
			elems := vm.stack[startLocal : startLocal+n]
			lv := vm.allocList(elems)
			for i := range elems {
				elems[i] = None
			}
			vm.stack[fp+int(code[pc+3])] = lv
			pc += 4

		case OpMap:
			startLocal := fp + int(code[pc+1])
			nPairs := int(code[pc+2])
			mv := vm.allocEmptyMap()
			m := asMap(mv)
			for i := 0; i < nPairs; i++ {
				vm.mapSet(m, vm.stack[startLocal+2*i], vm.stack[startLocal+2*i+1])
			}
			vm.stack[fp+int(code[pc+3])] = mv
			pc += 4

		case OpMapEmpty:
			vm.stack[fp+int(code[pc+1])] = vm.allocEmptyMap()
			pc += 2

		case OpObjectSmall, OpObject:
			typeID := TypeUserStart + TypeID(code[pc+1])
			startLocal := fp + int(code[pc+2])
			n := int(code[pc+3])
			fields := vm.stack[startLocal : startLocal+n]
			ov := vm.allocObject(typeID, fields)
			for i := range fields {
				fields[i] = None
			}
			vm.stack[fp+int(code[pc+4])] = ov
			pc += 5

		case OpIndex:
			res, ok := vm.opIndex(vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])])
			if !ok {
				return vm.opPanic(pc, fp, "index: unsupported receiver")
			}
			vm.stack[fp+int(code[pc+3])] = res
			pc += 4

		case OpReverseIndex:
			res, ok := vm.opReverseIndex(vm.stack[fp+int(code[pc+1])], vm.stack[fp+int(code[pc+2])])
			if !ok {
				return vm.opPanic(pc, fp, "index: unsupported receiver")
			}
			vm.stack[fp+int(code[pc+3])] = res
			pc += 4

		case OpSetIndex:
			res, ok := vm.opSetIndex(vm.stack[fp+int(code[pc+1])],
				vm.stack[fp+int(code[pc+2])], vm.stack[fp+int(code[pc+3])])
			if !ok {
				return vm.opPanic(pc, fp, "setIndex: unsupported receiver")
			}
			if res.IsError() {
				return vm.opPanic(pc, fp, "setIndex: %s", vm.DebugString(res))
			}
			pc += 4

		case OpSetIndexRelease:
			val := vm.stack[fp+int(code[pc+3])]
			res, ok := vm.opSetIndex(vm.stack[fp+int(code[pc+1])],
				vm.stack[fp+int(code[pc+2])], val)
			if !ok {
				return vm.opPanic(pc, fp, "setIndex: unsupported receiver")
			}
			if res.IsError() {
				return vm.opPanic(pc, fp, "setIndex: %s", vm.DebugString(res))
			}
			vm.release(val)
			vm.stack[fp+int(code[pc+3])] = None
			pc += 4

		case OpSlice:
			res, ok := vm.opSlice(vm.stack[fp+int(code[pc+1])],
				vm.stack[fp+int(code[pc+2])], vm.stack[fp+int(code[pc+3])])
			if !ok {
				return vm.opPanic(pc, fp, "slice: unsupported receiver")
			}
			vm.stack[fp+int(code[pc+4])] = res
			pc += 5

		case OpField, OpFieldRetain:
			recv := vm.stack[fp+int(code[pc+fieldOffRecv])]
			if !recv.IsHeap() || recv.TypeID() < TypeUserStart {
				return vm.opPanic(pc, fp, "field: receiver is not an object")
			}
			typeID := recv.TypeID()
			symID := code[pc+fieldOffSym]
			off, ok := vm.fieldOffset(typeID, symID)
			if !ok {
				return vm.opPanic(pc, fp, "field %q not found on %s",
					vm.fieldSymName(symID), vm.typeName(typeID))
			}
			v := asObject(recv).GetField(int(off))
			if Opcode(code[pc]) == OpFieldRetain {
				vm.retain(v)
				vm.quickenField(code, pc, OpFieldRetainIC, typeID, off)
			} else {
				vm.quickenField(code, pc, OpFieldIC, typeID, off)
			}
			vm.stack[fp+int(code[pc+fieldOffDst])] = v
			pc += fieldSize

		case OpFieldIC, OpFieldRetainIC:
			recv := vm.stack[fp+int(code[pc+fieldOffRecv])]
			cached := TypeID(readU16(code, pc+fieldOffTypeID))
			if !recv.IsHeap() || recv.TypeID() != cached {
				generic := OpField
				if Opcode(code[pc]) == OpFieldRetainIC {
					generic = OpFieldRetain
				}
				vm.deoptField(code, pc, generic)
				continue
			}
			v := asObject(recv).GetField(int(code[pc+fieldOffOffset]))
			if Opcode(code[pc]) == OpFieldRetainIC {
				vm.retain(v)
			}
			vm.stack[fp+int(code[pc+fieldOffDst])] = v
			vm.icStats.Hits++
			pc += fieldSize

		case OpFieldRelease:
			recv := vm.stack[fp+int(code[pc+fieldOffRecv])]
			if !recv.IsHeap() || recv.TypeID() < TypeUserStart {
				return vm.opPanic(pc, fp, "field: receiver is not an object")
			}
			symID := code[pc+fieldOffSym]
			off, ok := vm.fieldOffset(recv.TypeID(), symID)
			if !ok {
				return vm.opPanic(pc, fp, "field %q not found on %s",
					vm.fieldSymName(symID), vm.typeName(recv.TypeID()))
			}
			v := asObject(recv).GetField(int(off))
			vm.retain(v)
			vm.stack[fp+int(code[pc+fieldOffDst])] = v
			vm.release(recv)
			vm.stack[fp+int(code[pc+fieldOffRecv])] = None
			pc += fieldSize

		case OpSetField, OpSetFieldRelease:
			recv := vm.stack[fp+int(code[pc+setFieldOffRecv])]
			if !recv.IsHeap() || recv.TypeID() < TypeUserStart {
				return vm.opPanic(pc, fp, "setField: receiver is not an object")
			}
			typeID := recv.TypeID()
			symID := code[pc+setFieldOffSym]
			off, ok := vm.fieldOffset(typeID, symID)
			if !ok {
				return vm.opPanic(pc, fp, "field %q not found on %s",
					vm.fieldSymName(symID), vm.typeName(typeID))
			}
			obj := asObject(recv)
			val := vm.stack[fp+int(code[pc+setFieldOffVal])]
			if Opcode(code[pc]) == OpSetFieldRelease {
				vm.release(obj.GetField(int(off)))
				obj.SetField(int(off), val)
				vm.quickenSetField(code, pc, OpSetFieldReleaseIC, typeID, off)
			} else {
				obj.SetField(int(off), val)
			}
			vm.stack[fp+int(code[pc+setFieldOffVal])] = None
			pc += setFieldSize

		case OpSetFieldReleaseIC:
			recv := vm.stack[fp+int(code[pc+setFieldOffRecv])]
			cached := TypeID(readU16(code, pc+setFieldOffTypeID))
			if !recv.IsHeap() || recv.TypeID() != cached {
				vm.deoptField(code, pc, OpSetFieldRelease)
				continue
			}
			obj := asObject(recv)
			off := int(code[pc+setFieldOffOffset])
			vm.release(obj.GetField(off))
			obj.SetField(off, vm.stack[fp+int(code[pc+setFieldOffVal])])
			vm.stack[fp+int(code[pc+setFieldOffVal])] = None
			vm.icStats.Hits++
			pc += setFieldSize

		case OpStringTemplate:
			startLocal := fp + int(code[pc+1])
			n := int(code[pc+2])
			vm.stack[fp+int(code[pc+3])] = vm.opStringTemplate(vm.stack[startLocal : startLocal+n])
			pc += 4

		// --- Closures and boxes ---

		case OpLambda:
			funcID := readU16(code, pc+1)
			f := &vm.chunk.Funcs[funcID]
			vm.stack[fp+int(code[pc+3])] = vm.allocLambda(f.PC, f.NumParams, f.NumLocals)
			pc += 4

		case OpClosure:
			funcID := readU16(code, pc+1)
			n := int(code[pc+3])
			startLocal := fp + int(code[pc+4])
			f := &vm.chunk.Funcs[funcID]
			captured := vm.stack[startLocal : startLocal+n]
			cv := vm.allocClosure(f.PC, f.NumParams, f.NumLocals, captured)
			for i := range captured {
				captured[i] = None
			}
			vm.stack[fp+int(code[pc+5])] = cv
			pc += 6

		case OpBox:
			vm.stack[fp+int(code[pc+2])] = vm.allocBox(vm.stack[fp+int(code[pc+1])])
			vm.stack[fp+int(code[pc+1])] = None
			pc += 3

		case OpBoxValue:
			vm.stack[fp+int(code[pc+2])] = asBox(vm.stack[fp+int(code[pc+1])]).val
			pc += 3

		case OpBoxValueRetain:
			v := asBox(vm.stack[fp+int(code[pc+1])]).val
			vm.retain(v)
			vm.stack[fp+int(code[pc+2])] = v
			pc += 3

		case OpSetBoxValue:
			asBox(vm.stack[fp+int(code[pc+1])]).val = vm.stack[fp+int(code[pc+2])]
			vm.stack[fp+int(code[pc+2])] = None
			pc += 3

		case OpSetBoxValueRelease:
			b := asBox(vm.stack[fp+int(code[pc+1])])
			vm.release(b.val)
			b.val = vm.stack[fp+int(code[pc+2])]
			vm.stack[fp+int(code[pc+2])] = None
			pc += 3

		// --- Iteration ---

		case OpForRangeInit:
			start, _ := vm.toF64(vm.stack[fp+int(code[pc+1])])
			end, _ := vm.toF64(vm.stack[fp+int(code[pc+2])])
			vm.stack[fp+int(code[pc+2])] = Float(end)
			step, _ := vm.toF64(vm.stack[fp+int(code[pc+3])])
			if step < 0 {
				step = -step
			}
			vm.stack[fp+int(code[pc+3])] = Float(step)
			offset := int(readU16(code, pc+6))
			if start == end {
				pc += offset + opSizes[OpForRange]
			} else {
				vm.stack[fp+int(code[pc+4])] = Float(start)
				vm.stack[fp+int(code[pc+5])] = Float(start)
				if start < end {
					code[pc+offset] = byte(OpForRange)
				} else {
					code[pc+offset] = byte(OpForRangeReverse)
				}
				pc += 8
			}

		case OpForRange:
			counter := vm.stack[fp+int(code[pc+1])].AsFloat() + vm.stack[fp+int(code[pc+2])].AsFloat()
			if counter < vm.stack[fp+int(code[pc+3])].AsFloat() {
				vm.stack[fp+int(code[pc+1])] = Float(counter)
				vm.stack[fp+int(code[pc+4])] = Float(counter)
				pc -= int(readU16(code, pc+5))
			} else {
				pc += 7
			}

		case OpForRangeReverse:
			counter := vm.stack[fp+int(code[pc+1])].AsFloat() - vm.stack[fp+int(code[pc+2])].AsFloat()
			if counter > vm.stack[fp+int(code[pc+3])].AsFloat() {
				vm.stack[fp+int(code[pc+1])] = Float(counter)
				vm.stack[fp+int(code[pc+4])] = Float(counter)
				pc -= int(readU16(code, pc+5))
			} else {
				pc += 7
			}

		// --- Statics ---

		case OpStaticFunc:
			vm.stack[fp+int(code[pc+3])] = vm.staticFuncValue(readU16(code, pc+1))
			pc += 4

		case OpStaticVar:
			v := vm.staticVar(readU16(code, pc+1))
			vm.retain(v)
			vm.stack[fp+int(code[pc+3])] = v
			pc += 4

		case OpSetStaticFunc:
			vm.setStaticFunc(readU16(code, pc+1), vm.stack[fp+int(code[pc+3])])
			vm.stack[fp+int(code[pc+3])] = None
			pc += 4

		case OpSetStaticVar:
			vm.setStaticVar(readU16(code, pc+1), vm.stack[fp+int(code[pc+3])])
			vm.stack[fp+int(code[pc+3])] = None
			pc += 4

		case OpSym:
			vm.stack[fp+int(code[pc+4])] = vm.allocMetaType(code[pc+1], TypeID(readU16(code, pc+2)))
			pc += 5

		// --- Fibers ---

		case OpCoinit:
			startArgs := fp + int(code[pc+1])
			numArgs := int(code[pc+2])
			jump := int(readU16(code, pc+3))
			bodyPC := pc + 6
			var numLocals uint8
			if fn := vm.funcForPC(bodyPC); fn != nil {
				numLocals = fn.NumLocals
			}
			args := vm.stack[startArgs : startArgs+numArgs]
			for _, a := range args {
				vm.retain(a)
			}
			f := vm.newFiber(bodyPC, args, numLocals)
			vm.stack[fp+int(code[pc+5])] = f.head.Value()
			pc += jump

		case OpCoresume:
			fv := vm.stack[fp+int(code[pc+1])]
			dst := code[pc+2]
			if !fv.IsHeap() || fv.TypeID() != TypeFiber {
				return vm.opPanic(pc, fp, "coresume: not a fiber")
			}
			f := asFiber(fv)
			if f.state == FiberDone || f.state == FiberExec {
				vm.release(vm.stack[fp+int(dst)])
				vm.stack[fp+int(dst)] = None
				pc += 3
			} else {
				vm.switchToFiber(f, pc+3, fp, dst)
				pc = f.pc
				fp = f.fp
			}

		case OpCoyield:
			if len(vm.fiberStack) == 0 {
				return vm.opPanic(pc, fp, "coyield: no active fiber")
			}
			val := vm.stack[fp+int(code[pc+1])]
			vm.retain(val)
			pc, fp = vm.switchBack(vm.curFiber, pc+2, fp, val)

		case OpCoreturn:
			if len(vm.fiberStack) == 0 {
				return vm.opPanic(pc, fp, "coreturn: no active fiber")
			}
			val := vm.stack[fp+int(code[pc+1])]
			vm.stack[fp+int(code[pc+1])] = None
			f := vm.curFiber
			f.state = FiberDone
			f.stack = nil
			pc, fp = vm.switchBack(f, 0, 0, val)

		// --- Misc ---

		case OpTryValue:
			v := vm.stack[fp+int(code[pc+1])]
			vm.stack[fp+int(code[pc+2])] = v
			if v.IsError() {
				pc += int(readU16(code, pc+3))
			} else {
				pc += 5
			}

		case OpEnd:
			local := code[pc+1]
			if local != endNoLocal {
				// Ownership of the result transfers to the embedder.
				vm.evalResult = vm.stack[fp+int(local)]
				vm.stack[fp+int(local)] = None
			} else {
				vm.evalResult = None
			}
			return ResultSuccess

		default:
			return vm.opPanic(pc, fp, "invalid opcode %d", code[pc])
		}
	}
}

// endNoLocal marks an End instruction with no result value.
const endNoLocal = 0xFF

// callValue dispatches a call on a first-class callable for
// Call0/Call1.
func (vm *VM) callValue(pc, fp, startLocal, numArgs int, numRet uint8, retPC int, callee Value) (int, int, ResultCode) {
	if !callee.IsHeap() {
		return 0, 0, vm.opPanic(pc, fp, "call: %s is not callable", vm.DebugString(callee))
	}
	switch callee.TypeID() {
	case TypeLambda:
		l := asLambda(callee)
		if int(l.numParams) != numArgs {
			return 0, 0, vm.opPanic(pc, fp, "call: expected %d args, got %d", l.numParams, numArgs)
		}
		if !vm.checkStack(fp, startLocal, l.numLocals) {
			return 0, 0, vm.stackOverflow(pc, fp)
		}
		newFP := vm.pushFrame(fp, startLocal, retPC, numRet, 0)
		return int(l.funcPC), newFP, ResultSuccess

	case TypeClosure:
		cl := asClosure(callee)
		if int(cl.numParams) != numArgs {
			return 0, 0, vm.opPanic(pc, fp, "call: expected %d args, got %d", cl.numParams, numArgs)
		}
		if !vm.checkStack(fp, startLocal, cl.numLocals) {
			return 0, 0, vm.stackOverflow(pc, fp)
		}
		newFP := vm.pushFrame(fp, startLocal, retPC, numRet, 0)
		// Captured boxes materialise after the parameters.
		base := newFP + frameHeaderSize + int(cl.numParams)
		for i, c := range cl.captured {
			vm.retain(c)
			vm.stack[base+i] = c
		}
		return int(cl.funcPC), newFP, ResultSuccess

	case TypeHostFunc:
		hf := asHostFunc(callee)
		if int(hf.numParams) != numArgs {
			return 0, 0, vm.opPanic(pc, fp, "call: expected %d args, got %d", hf.numParams, numArgs)
		}
		newFP := fp + startLocal
		args := vm.stack[newFP+frameHeaderSize : newFP+frameHeaderSize+numArgs]
		res := hf.fn(vm, args)
		if res == PanicSentinel {
			return 0, 0, vm.opPanic(pc, fp, "host function panicked")
		}
		if numRet == 1 {
			vm.stack[newFP+frameSlotRet] = res
		} else {
			vm.release(res)
		}
		return retPC, fp, ResultSuccess

	default:
		return 0, 0, vm.opPanic(pc, fp, "call: %s is not callable", vm.typeName(callee.TypeID()))
	}
}

// callHost invokes a registered host function for the CallSym and
// CallObjSym families. The receiver, when present, is the last arg.
func (vm *VM) callHost(pc, fp, startLocal, numArgs int, numRet uint8, hostID uint16) ResultCode {
	entry := &vm.hostFuncs[hostID]
	newFP := fp + startLocal
	args := vm.stack[newFP+frameHeaderSize : newFP+frameHeaderSize+numArgs]
	res := entry.fn(vm, args)
	if res == PanicSentinel {
		return vm.opPanic(pc, fp, "host function %q panicked", entry.name)
	}
	if numRet == 1 {
		vm.stack[newFP+frameSlotRet] = res
	} else {
		vm.release(res)
	}
	return ResultSuccess
}

// opPanic records a panic and unwinds to the embedder, releasing
// retained locals frame by frame.
func (vm *VM) opPanic(pc, fp int, format string, args ...any) ResultCode {
	rc := vm.panicf(ErrPanic, pc, format, args...)
	vm.unwindPanic(pc, fp)
	return rc
}

// stackOverflow raises the dedicated overflow error kind.
func (vm *VM) stackOverflow(pc, fp int) ResultCode {
	rc := vm.panicf(ErrStackOverflow, pc, "value stack exhausted")
	vm.unwindPanic(pc, fp)
	return rc
}

// methodSymName resolves a method symbol id for diagnostics.
func (vm *VM) methodSymName(symID uint8) string {
	if vm.chunk != nil && int(symID) < len(vm.chunk.MethodSyms) {
		return vm.chunk.MethodSyms[symID].Name
	}
	return "?"
}

// fieldSymName resolves a field symbol id for diagnostics.
func (vm *VM) fieldSymName(symID uint8) string {
	if int(symID) < len(vm.fieldSyms) {
		return vm.fieldSyms[symID]
	}
	return "?"
}
