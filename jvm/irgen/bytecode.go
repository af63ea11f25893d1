package irgen

import (
	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/ir"
)

// processBytecode translates the instruction at the stream cursor.
// Instructions that end the block invalidate lastInstr; the block loop
// stops on that.
func (b *builder) processBytecode(op jvm.Bytecode) {
	s, f, g := b.stream, b.frame, b.g
	if op == jvm.Wide {
		op = s.WidenedBC()
	}
	switch op {
	case jvm.Nop:

	// Constants.
	case jvm.AconstNull:
		f.push(jvm.KindObject, g.NullConst())
	case jvm.IconstM1, jvm.Iconst0, jvm.Iconst1, jvm.Iconst2, jvm.Iconst3, jvm.Iconst4, jvm.Iconst5:
		f.push(jvm.KindInt, g.ConstInt(int32(op)-int32(jvm.Iconst0)))
	case jvm.Lconst0, jvm.Lconst1:
		f.push(jvm.KindLong, g.ConstLong(int64(op-jvm.Lconst0)))
	case jvm.Fconst0, jvm.Fconst1, jvm.Fconst2:
		f.push(jvm.KindFloat, g.ConstFloat(float32(op-jvm.Fconst0)))
	case jvm.Dconst0, jvm.Dconst1:
		f.push(jvm.KindDouble, g.ConstDouble(float64(op-jvm.Dconst0)))
	case jvm.Bipush:
		f.push(jvm.KindInt, g.ConstInt(int32(s.ReadByteImmediate())))
	case jvm.Sipush:
		f.push(jvm.KindInt, g.ConstInt(int32(s.ReadShortImmediate())))
	case jvm.Ldc, jvm.LdcW, jvm.Ldc2W:
		b.genLoadConstant(s.ReadCPIndex())

	// Local loads and stores.
	case jvm.Iload, jvm.Lload, jvm.Fload, jvm.Dload, jvm.Aload:
		kind := loadStoreKind(op - jvm.Iload)
		f.push(kind, f.loadLocal(s.ReadLocalIndex(), kind))
	case jvm.Iload0, jvm.Iload1, jvm.Iload2, jvm.Iload3,
		jvm.Lload0, jvm.Lload1, jvm.Lload2, jvm.Lload3,
		jvm.Fload0, jvm.Fload1, jvm.Fload2, jvm.Fload3,
		jvm.Dload0, jvm.Dload1, jvm.Dload2, jvm.Dload3,
		jvm.Aload0, jvm.Aload1, jvm.Aload2, jvm.Aload3:
		rel := op - jvm.Iload0
		kind := loadStoreKind(rel / 4)
		f.push(kind, f.loadLocal(int(rel%4), kind))
	case jvm.Istore, jvm.Lstore, jvm.Fstore, jvm.Dstore:
		kind := loadStoreKind(op - jvm.Istore)
		f.storeLocal(s.ReadLocalIndex(), kind, f.pop(kind))
	case jvm.Astore:
		b.genStoreReference(s.ReadLocalIndex())
	case jvm.Istore0, jvm.Istore1, jvm.Istore2, jvm.Istore3,
		jvm.Lstore0, jvm.Lstore1, jvm.Lstore2, jvm.Lstore3,
		jvm.Fstore0, jvm.Fstore1, jvm.Fstore2, jvm.Fstore3,
		jvm.Dstore0, jvm.Dstore1, jvm.Dstore2, jvm.Dstore3:
		rel := op - jvm.Istore0
		kind := loadStoreKind(rel / 4)
		f.storeLocal(int(rel%4), kind, f.pop(kind))
	case jvm.Astore0, jvm.Astore1, jvm.Astore2, jvm.Astore3:
		b.genStoreReference(int(op - jvm.Astore0))
	case jvm.Iinc:
		idx := s.ReadLocalIndex()
		v := f.loadLocal(idx, jvm.KindInt)
		sum := g.Unique(ir.OpAdd, jvm.KindInt, 0, nil, v, g.ConstInt(int32(s.ReadIncrement())))
		f.storeLocal(idx, jvm.KindInt, sum)

	// Array accesses.
	case jvm.Iaload, jvm.Baload, jvm.Caload, jvm.Saload:
		b.genLoadIndexed(jvm.KindInt)
	case jvm.Laload:
		b.genLoadIndexed(jvm.KindLong)
	case jvm.Faload:
		b.genLoadIndexed(jvm.KindFloat)
	case jvm.Daload:
		b.genLoadIndexed(jvm.KindDouble)
	case jvm.Aaload:
		b.genLoadIndexed(jvm.KindObject)
	case jvm.Iastore, jvm.Bastore, jvm.Castore, jvm.Sastore:
		b.genStoreIndexed(jvm.KindInt)
	case jvm.Lastore:
		b.genStoreIndexed(jvm.KindLong)
	case jvm.Fastore:
		b.genStoreIndexed(jvm.KindFloat)
	case jvm.Dastore:
		b.genStoreIndexed(jvm.KindDouble)
	case jvm.Aastore:
		b.genStoreIndexed(jvm.KindObject)
	case jvm.Arraylength:
		array := b.emitNullCheck(f.pop(jvm.KindObject))
		f.push(jvm.KindInt, b.append(g.NewNode(ir.OpArrayLength, jvm.KindInt, array)))

	// Stack shuffling, defined slot-wise so wide markers need no cases.
	case jvm.Pop:
		f.rawPop()
	case jvm.Pop2:
		f.rawPop()
		f.rawPop()
	case jvm.Dup:
		w1 := f.rawPop()
		f.rawPush(w1)
		f.rawPush(w1)
	case jvm.DupX1:
		w1, w2 := f.rawPop(), f.rawPop()
		f.rawPush(w1)
		f.rawPush(w2)
		f.rawPush(w1)
	case jvm.DupX2:
		w1, w2, w3 := f.rawPop(), f.rawPop(), f.rawPop()
		f.rawPush(w1)
		f.rawPush(w3)
		f.rawPush(w2)
		f.rawPush(w1)
	case jvm.Dup2:
		w1, w2 := f.rawPop(), f.rawPop()
		f.rawPush(w2)
		f.rawPush(w1)
		f.rawPush(w2)
		f.rawPush(w1)
	case jvm.Dup2X1:
		w1, w2, w3 := f.rawPop(), f.rawPop(), f.rawPop()
		f.rawPush(w2)
		f.rawPush(w1)
		f.rawPush(w3)
		f.rawPush(w2)
		f.rawPush(w1)
	case jvm.Dup2X2:
		w1, w2, w3, w4 := f.rawPop(), f.rawPop(), f.rawPop(), f.rawPop()
		f.rawPush(w2)
		f.rawPush(w1)
		f.rawPush(w4)
		f.rawPush(w3)
		f.rawPush(w2)
		f.rawPush(w1)
	case jvm.Swap:
		w1, w2 := f.rawPop(), f.rawPop()
		f.rawPush(w1)
		f.rawPush(w2)

	// Arithmetic and logic.
	case jvm.Iadd, jvm.Ladd, jvm.Fadd, jvm.Dadd:
		b.genBinary(ir.OpAdd, arithKind(op-jvm.Iadd))
	case jvm.Isub, jvm.Lsub, jvm.Fsub, jvm.Dsub:
		b.genBinary(ir.OpSub, arithKind(op-jvm.Isub))
	case jvm.Imul, jvm.Lmul, jvm.Fmul, jvm.Dmul:
		b.genBinary(ir.OpMul, arithKind(op-jvm.Imul))
	case jvm.Idiv:
		b.genIntDivRem(ir.OpSignedDiv, jvm.KindInt)
	case jvm.Ldiv:
		b.genIntDivRem(ir.OpSignedDiv, jvm.KindLong)
	case jvm.Irem:
		b.genIntDivRem(ir.OpSignedRem, jvm.KindInt)
	case jvm.Lrem:
		b.genIntDivRem(ir.OpSignedRem, jvm.KindLong)
	case jvm.Fdiv:
		b.genBinary(ir.OpDiv, jvm.KindFloat)
	case jvm.Ddiv:
		b.genBinary(ir.OpDiv, jvm.KindDouble)
	case jvm.Frem:
		b.genBinary(ir.OpRem, jvm.KindFloat)
	case jvm.Drem:
		b.genBinary(ir.OpRem, jvm.KindDouble)
	case jvm.Ineg, jvm.Lneg, jvm.Fneg, jvm.Dneg:
		kind := arithKind(op - jvm.Ineg)
		f.push(kind, g.Unique(ir.OpNeg, kind, 0, nil, f.pop(kind)))
	case jvm.Ishl:
		b.genShift(ir.OpShl, jvm.KindInt)
	case jvm.Lshl:
		b.genShift(ir.OpShl, jvm.KindLong)
	case jvm.Ishr:
		b.genShift(ir.OpShr, jvm.KindInt)
	case jvm.Lshr:
		b.genShift(ir.OpShr, jvm.KindLong)
	case jvm.Iushr:
		b.genShift(ir.OpUShr, jvm.KindInt)
	case jvm.Lushr:
		b.genShift(ir.OpUShr, jvm.KindLong)
	case jvm.Iand:
		b.genBinary(ir.OpAnd, jvm.KindInt)
	case jvm.Land:
		b.genBinary(ir.OpAnd, jvm.KindLong)
	case jvm.Ior:
		b.genBinary(ir.OpOr, jvm.KindInt)
	case jvm.Lor:
		b.genBinary(ir.OpOr, jvm.KindLong)
	case jvm.Ixor:
		b.genBinary(ir.OpXor, jvm.KindInt)
	case jvm.Lxor:
		b.genBinary(ir.OpXor, jvm.KindLong)

	// Conversions.
	case jvm.I2l:
		b.genConvert(jvm.KindInt, jvm.KindLong)
	case jvm.I2f:
		b.genConvert(jvm.KindInt, jvm.KindFloat)
	case jvm.I2d:
		b.genConvert(jvm.KindInt, jvm.KindDouble)
	case jvm.L2i:
		b.genConvert(jvm.KindLong, jvm.KindInt)
	case jvm.L2f:
		b.genConvert(jvm.KindLong, jvm.KindFloat)
	case jvm.L2d:
		b.genConvert(jvm.KindLong, jvm.KindDouble)
	case jvm.F2i:
		b.genConvert(jvm.KindFloat, jvm.KindInt)
	case jvm.F2l:
		b.genConvert(jvm.KindFloat, jvm.KindLong)
	case jvm.F2d:
		b.genConvert(jvm.KindFloat, jvm.KindDouble)
	case jvm.D2i:
		b.genConvert(jvm.KindDouble, jvm.KindInt)
	case jvm.D2l:
		b.genConvert(jvm.KindDouble, jvm.KindLong)
	case jvm.D2f:
		b.genConvert(jvm.KindDouble, jvm.KindFloat)
	case jvm.I2b:
		b.genNarrow(8, false)
	case jvm.I2c:
		b.genNarrow(16, true)
	case jvm.I2s:
		b.genNarrow(16, false)

	// Three-valued comparisons.
	case jvm.Lcmp:
		b.genNormalizeCompare(jvm.KindLong, false)
	case jvm.Fcmpl:
		b.genNormalizeCompare(jvm.KindFloat, false)
	case jvm.Fcmpg:
		b.genNormalizeCompare(jvm.KindFloat, true)
	case jvm.Dcmpl:
		b.genNormalizeCompare(jvm.KindDouble, false)
	case jvm.Dcmpg:
		b.genNormalizeCompare(jvm.KindDouble, true)

	// Branches.
	case jvm.Ifeq, jvm.Ifne, jvm.Iflt, jvm.Ifge, jvm.Ifgt, jvm.Ifle:
		before := f.copy()
		x := f.pop(jvm.KindInt)
		cond := g.Compare(branchCondition(op-jvm.Ifeq), false, x, g.ConstInt(0))
		b.genIf(cond, before, false)
	case jvm.IfIcmpeq, jvm.IfIcmpne, jvm.IfIcmplt, jvm.IfIcmpge, jvm.IfIcmpgt, jvm.IfIcmple:
		before := f.copy()
		y := f.pop(jvm.KindInt)
		x := f.pop(jvm.KindInt)
		cond := g.Compare(branchCondition(op-jvm.IfIcmpeq), false, x, y)
		b.genIf(cond, before, false)
	case jvm.IfAcmpeq, jvm.IfAcmpne:
		before := f.copy()
		y := f.pop(jvm.KindObject)
		x := f.pop(jvm.KindObject)
		cond := g.Compare(branchCondition(op-jvm.IfAcmpeq), false, x, y)
		b.genIf(cond, before, false)
	case jvm.Ifnull:
		before := f.copy()
		b.genIf(g.IsNull(f.pop(jvm.KindObject)), before, false)
	case jvm.Ifnonnull:
		before := f.copy()
		b.genIf(g.IsNull(f.pop(jvm.KindObject)), before, true)
	case jvm.Goto, jvm.GotoW:
		b.appendGoto(b.blockMap.BlockAt(s.ReadBranchDest()))
	case jvm.Tableswitch:
		b.genTableSwitch()
	case jvm.Lookupswitch:
		b.genLookupSwitch()
	case jvm.Jsr, jvm.JsrW:
		b.genJsr()
	case jvm.Ret:
		b.genRet()

	// Returns.
	case jvm.Ireturn:
		b.genReturn(jvm.KindInt)
	case jvm.Lreturn:
		b.genReturn(jvm.KindLong)
	case jvm.Freturn:
		b.genReturn(jvm.KindFloat)
	case jvm.Dreturn:
		b.genReturn(jvm.KindDouble)
	case jvm.Areturn:
		b.genReturn(jvm.KindObject)
	case jvm.Return:
		b.genReturn(jvm.KindVoid)

	// Field accesses.
	case jvm.Getfield, jvm.Getstatic:
		b.genGetField(op)
	case jvm.Putfield, jvm.Putstatic:
		b.genPutField(op)

	// Calls.
	case jvm.Invokevirtual, jvm.Invokespecial, jvm.Invokestatic, jvm.Invokeinterface, jvm.Invokedynamic:
		b.appendInvoke(op)

	// Allocation.
	case jvm.New:
		b.genNewInstance()
	case jvm.Newarray:
		b.genNewArray(nil, primitiveArrayKind(s.ReadByteImmediate()))
	case jvm.Anewarray:
		t, ok := b.method.ConstantPool().LookupType(s.ReadCPIndex())
		if !ok {
			b.handleUnresolved("array element type")
			return
		}
		b.genNewArray(t, jvm.KindObject)
	case jvm.Multianewarray:
		b.genNewMultiArray()

	// Type checks.
	case jvm.Checkcast:
		b.genCheckCast()
	case jvm.Instanceof:
		b.genInstanceOf()

	// Exceptions and monitors.
	case jvm.Athrow:
		b.genThrow()
	case jvm.Monitorenter:
		b.genMonitorEnter()
	case jvm.Monitorexit:
		b.genMonitorExit()

	default:
		b.bailout("unsupported opcode %s", op)
	}
}

func loadStoreKind(rel jvm.Bytecode) jvm.Kind {
	return [...]jvm.Kind{jvm.KindInt, jvm.KindLong, jvm.KindFloat, jvm.KindDouble, jvm.KindObject}[rel]
}

func arithKind(rel jvm.Bytecode) jvm.Kind {
	return [...]jvm.Kind{jvm.KindInt, jvm.KindLong, jvm.KindFloat, jvm.KindDouble}[rel]
}

func branchCondition(rel jvm.Bytecode) ir.Condition {
	return [...]ir.Condition{ir.CondEQ, ir.CondNE, ir.CondLT, ir.CondGE, ir.CondGT, ir.CondLE}[rel]
}

func primitiveArrayKind(tag int) jvm.Kind {
	switch tag {
	case 4, 5, 8, 9, 10: // boolean, char, byte, short, int
		return jvm.KindInt
	case 6:
		return jvm.KindFloat
	case 7:
		return jvm.KindDouble
	case 11:
		return jvm.KindLong
	}
	return jvm.KindIllegal
}

func (b *builder) genBinary(op ir.Opcode, kind jvm.Kind) {
	y := b.frame.pop(kind)
	x := b.frame.pop(kind)
	b.frame.push(kind, b.g.Unique(op, kind, 0, nil, x, y))
}

func (b *builder) genShift(op ir.Opcode, kind jvm.Kind) {
	shift := b.frame.pop(jvm.KindInt)
	x := b.frame.pop(kind)
	b.frame.push(kind, b.g.Unique(op, kind, 0, nil, x, shift))
}

func (b *builder) genConvert(from, to jvm.Kind) {
	b.frame.push(to, b.g.Convert(from, to, b.frame.pop(from)))
}

// genNarrow implements i2b/i2c/i2s: a conversion within the int kind that
// records the target width and signedness in the payload.
func (b *builder) genNarrow(width int64, unsigned bool) {
	x := b.frame.pop(jvm.KindInt)
	i64 := int64(jvm.KindInt) | int64(jvm.KindInt)<<8 | width<<16
	if unsigned {
		i64 |= 1 << 24
	}
	b.frame.push(jvm.KindInt, b.g.Unique(ir.OpConvert, jvm.KindInt, i64, nil, x))
}

func (b *builder) genNormalizeCompare(kind jvm.Kind, nanIsOne bool) {
	y := b.frame.pop(kind)
	x := b.frame.pop(kind)
	var i64 int64
	if nanIsOne {
		i64 = 1
	}
	b.frame.push(jvm.KindInt, b.g.Unique(ir.OpNormalizeCompare, jvm.KindInt, i64, nil, x, y))
}

// genIntDivRem translates idiv/ldiv/irem/lrem, which can raise an
// arithmetic exception and are therefore never pure.
func (b *builder) genIntDivRem(op ir.Opcode, kind jvm.Kind) {
	f, g := b.frame, b.g
	y := f.pop(kind)
	x := f.pop(kind)
	if b.emitsExplicitExceptions() {
		var zero ir.NodeID
		if kind == jvm.KindLong {
			zero = g.ConstLong(0)
		} else {
			zero = g.ConstInt(0)
		}
		b.emitExceptionCheck(g.Compare(ir.CondEQ, false, y, zero), ir.ExceptionDivisionByZero, y)
	}
	div := b.append(g.NewNode(op, kind, x, y))
	f.push(kind, div)
	g.SetStateAfter(div, f.create(b.stream.NextBCI()))
}

func (b *builder) genLoadConstant(cpi int) {
	c, err := b.method.ConstantPool().LookupConstant(cpi)
	if err != nil {
		b.handleUnresolved("constant-pool entry")
		return
	}
	f, g := b.frame, b.g
	switch c.Kind {
	case jvm.KindInt:
		f.push(jvm.KindInt, g.ConstInt(int32(c.Bits)))
	case jvm.KindLong:
		f.push(jvm.KindLong, g.ConstLong(c.Bits))
	case jvm.KindFloat:
		f.push(jvm.KindFloat, g.Unique(ir.OpConst, jvm.KindFloat, c.Bits, nil))
	case jvm.KindDouble:
		f.push(jvm.KindDouble, g.Unique(ir.OpConst, jvm.KindDouble, c.Bits, nil))
	case jvm.KindObject:
		f.push(jvm.KindObject, g.ConstObject(c.Ref))
	default:
		b.bailout("unloadable constant kind %s", c.Kind)
	}
}

func (b *builder) genLoadIndexed(elemKind jvm.Kind) {
	f, g := b.frame, b.g
	index := f.pop(jvm.KindInt)
	array := b.emitNullCheck(f.pop(jvm.KindObject))
	index = b.emitBoundsCheck(index, array)
	load := b.append(g.NewNode(ir.OpLoadIndexed, elemKind, array, index))
	f.push(elemKind, load)
}

func (b *builder) genStoreIndexed(elemKind jvm.Kind) {
	f, g := b.frame, b.g
	value := f.pop(elemKind)
	index := f.pop(jvm.KindInt)
	array := b.emitNullCheck(f.pop(jvm.KindObject))
	index = b.emitBoundsCheck(index, array)
	store := b.append(g.NewNode(ir.OpStoreIndexed, jvm.KindVoid, array, index, value))
	g.SetStateAfter(store, f.create(b.stream.NextBCI()))
}

func (b *builder) genGetField(op jvm.Bytecode) {
	f, g := b.frame, b.g
	field, ok := b.method.ConstantPool().LookupField(b.stream.ReadCPIndex(), op)
	if !ok {
		b.handleUnresolved("field")
		return
	}
	var load ir.NodeID
	if op == jvm.Getstatic {
		if !b.emitClassInitBarrier(field.Holder()) {
			return
		}
		load = g.NewNodeP(ir.OpLoadField, field.Kind(), 0, field)
	} else {
		receiver := b.emitNullCheck(f.pop(jvm.KindObject))
		load = g.NewNodeP(ir.OpLoadField, field.Kind(), 0, field, receiver)
	}
	b.append(load)
	f.push(field.Kind(), load)
}

func (b *builder) genPutField(op jvm.Bytecode) {
	f, g := b.frame, b.g
	field, ok := b.method.ConstantPool().LookupField(b.stream.ReadCPIndex(), op)
	if !ok {
		b.handleUnresolved("field")
		return
	}
	value := f.pop(field.Kind())
	var store ir.NodeID
	if op == jvm.Putstatic {
		if !b.emitClassInitBarrier(field.Holder()) {
			return
		}
		store = g.NewNodeP(ir.OpStoreField, jvm.KindVoid, 0, field, value)
	} else {
		receiver := b.emitNullCheck(f.pop(jvm.KindObject))
		store = g.NewNodeP(ir.OpStoreField, jvm.KindVoid, 0, field, receiver, value)
	}
	b.append(store)
	g.SetStateAfter(store, f.create(b.stream.NextBCI()))
	if field.IsFinal() && b.method.Name() == "<init>" {
		b.wroteFinal = true
	}
}

func (b *builder) genNewInstance() {
	t, ok := b.method.ConstantPool().LookupType(b.stream.ReadCPIndex())
	if !ok {
		b.handleUnresolved("instantiated type")
		return
	}
	if !b.emitClassInitBarrier(t) {
		return
	}
	f, g := b.frame, b.g
	n := b.append(g.NewNodeP(ir.OpNew, jvm.KindObject, 0, t))
	f.push(jvm.KindObject, n)
	g.SetStateAfter(n, f.create(b.stream.NextBCI()))
}

func (b *builder) genNewArray(elemType jvm.Type, elemKind jvm.Kind) {
	f, g := b.frame, b.g
	if elemKind == jvm.KindIllegal {
		b.bailout("invalid primitive array type tag")
	}
	length := f.pop(jvm.KindInt)
	if b.emitsExplicitExceptions() {
		b.emitExceptionCheck(g.Compare(ir.CondLT, false, length, g.ConstInt(0)),
			ir.ExceptionNegativeArraySize, length)
	}
	var payload any
	if elemType != nil {
		payload = elemType
	}
	n := b.append(g.NewNodeP(ir.OpNewArray, jvm.KindObject, int64(elemKind), payload, length))
	f.push(jvm.KindObject, n)
	g.SetStateAfter(n, f.create(b.stream.NextBCI()))
}

func (b *builder) genNewMultiArray() {
	s, f, g := b.stream, b.frame, b.g
	cpi := s.ReadCPIndex()
	dims := int(b.method.Code()[s.CurrentBCI()+3])
	t, ok := b.method.ConstantPool().LookupType(cpi)
	if !ok {
		b.handleUnresolved("array type")
		return
	}
	lengths := make([]ir.NodeID, dims)
	for i := dims - 1; i >= 0; i-- {
		lengths[i] = f.pop(jvm.KindInt)
	}
	n := b.append(g.NewNodeP(ir.OpNewMultiArray, jvm.KindObject, 0, t, lengths...))
	f.push(jvm.KindObject, n)
	g.SetStateAfter(n, f.create(s.NextBCI()))
}

func (b *builder) genCheckCast() {
	f, g := b.frame, b.g
	t, ok := b.method.ConstantPool().LookupType(b.stream.ReadCPIndex())
	if !ok {
		b.handleUnresolved("checked type")
		return
	}
	x := f.pop(jvm.KindObject)
	// null passes a checkcast.
	passes := g.Unique(ir.OpOr, jvm.KindInt, 0, nil,
		g.IsNull(x), g.Unique(ir.OpInstanceOf, jvm.KindInt, 0, t, x))
	if b.emitsExplicitExceptions() {
		b.emitExceptionCheckNegated(passes, ir.ExceptionClassCast, x)
	} else {
		guard := b.append(g.NewNodeP(ir.OpFixedGuard, jvm.KindVoid, 0,
			&ir.DeoptData{Reason: "failed checkcast"}, passes))
		g.SetStateAfter(guard, f.create(b.currentBCI()))
	}
	f.push(jvm.KindObject, g.Unique(ir.OpPi, jvm.KindObject, 0, t, x, b.lastInstr))
}

func (b *builder) genInstanceOf() {
	f, g := b.frame, b.g
	t, ok := b.method.ConstantPool().LookupType(b.stream.ReadCPIndex())
	if !ok {
		b.handleUnresolved("tested type")
		return
	}
	x := f.pop(jvm.KindObject)
	// Yields 0 for null, matching the bytecode semantics.
	f.push(jvm.KindInt, g.Unique(ir.OpInstanceOf, jvm.KindInt, 0, t, x))
}

func (b *builder) genThrow() {
	f := b.frame
	exception := b.emitNullCheck(f.pop(jvm.KindObject))
	state := f.exceptionState(exception)
	b.routeException(b.currentBCI(), state, b.lastInstr)
	b.lastInstr = ir.NodeIDInvalid
}

func (b *builder) genMonitorEnter() {
	f, g := b.frame, b.g
	object := b.emitNullCheck(f.pop(jvm.KindObject))
	enter := b.append(g.NewNode(ir.OpMonitorEnter, jvm.KindVoid, object))
	f.pushLock(object)
	g.SetStateAfter(enter, f.create(b.stream.NextBCI()))
}

func (b *builder) genMonitorExit() {
	f, g := b.frame, b.g
	object := f.pop(jvm.KindObject)
	lock := f.popLock()
	if monitorRoot(g, lock) != monitorRoot(g, object) {
		b.bailout("unbalanced monitors: monitorexit on a different object than monitorenter")
	}
	exit := b.append(g.NewNode(ir.OpMonitorExit, jvm.KindVoid, object))
	g.SetStateAfter(exit, f.create(b.stream.NextBCI()))
}

// monitorRoot strips the null-check views stacked on a value so the
// monitorenter/monitorexit pairing is compared on the underlying object.
func monitorRoot(g *ir.Graph, v ir.NodeID) ir.NodeID {
	for g.Node(v).Opcode() == ir.OpPi {
		v = g.Node(v).In(0)
	}
	return v
}

func (b *builder) genReturn(kind jvm.Kind) {
	f := b.frame
	var value ir.NodeID
	if kind != jvm.KindVoid {
		value = f.pop(kind)
	}
	// Leftover stack values are discarded at a return.
	f.stack = f.stack[:0]
	if value.Valid() {
		f.push(kind, value)
	}
	b.appendGoto(b.blockMap.ReturnBlock())
}

// genStoreReference implements astore, which also accepts the return
// address a jsr pushed.
func (b *builder) genStoreReference(index int) {
	f := b.frame
	v := f.rawPop()
	if v == twoSlotMarker || !v.Valid() {
		b.bailout("expected reference value on stack")
	}
	kind := b.g.Node(v).Kind()
	if kind != jvm.KindObject && kind != jvm.KindAddress {
		b.bailout("expected reference on stack, found %s", kind)
	}
	f.storeLocal(index, kind, v)
}

// genJsr pushes the return address as a constant and jumps to the
// subroutine; the block map verified structural support.
func (b *builder) genJsr() {
	s, f, g := b.stream, b.frame, b.g
	retBCI := s.NextBCI()
	f.push(jvm.KindAddress, g.Unique(ir.OpConst, jvm.KindAddress, int64(retBCI), nil))
	b.appendGoto(b.blockMap.BlockAt(s.ReadBranchDest()))
}

func (b *builder) genRet() {
	f, g := b.frame, b.g
	cont := b.currentBlock.RetSuccessor
	if cont == nil {
		b.bailout("ret outside a recognized subroutine scope")
	}
	v := f.loadLocal(b.stream.ReadLocalIndex(), jvm.KindAddress)
	n := g.Node(v)
	if n.Opcode() != ir.OpConst || n.ConstBits() != int64(cont.StartBCI) {
		b.bailout("unstructured control flow: ret with a non-constant return address")
	}
	b.appendGoto(cont)
}
