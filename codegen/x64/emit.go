package x64

import (
	"github.com/pkg/errors"
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/mpage/cinder/ir"
	"github.com/mpage/cinder/runtime"
)

// compiler emits the machine code of a single function.
type compiler struct {
	b    *asm.Builder
	meta *runtime.Func
	syms *runtime.Symbols
	// labels maps block labels to their assembler labels.
	labels map[ir.Label]*label
}

// label is an assembler label supporting forward references: jumps
// registered before the label is bound are patched at bind time.
type label struct {
	target *obj.Prog
	jumps  []*obj.Prog
}

// blockLabel returns the assembler label of the given block,
// creating it on first use.
func (c *compiler) blockLabel(name ir.Label) *label {
	l, ok := c.labels[name]
	if !ok {
		l = &label{}
		c.labels[name] = l
	}
	return l
}

// bind marks the next emitted instruction as the label's target and
// patches any pending forward jumps.
func (c *compiler) bind(l *label) {
	nop := c.b.NewProg()
	nop.As = obj.ANOP
	c.b.AddInstruction(nop)
	l.target = nop
	for _, jmp := range l.jumps {
		jmp.To.SetTarget(nop)
	}
	l.jumps = nil
}

// jump emits a branch instruction of the given kind to the label.
func (c *compiler) jump(as obj.As, l *label) {
	p := c.b.NewProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	if l.target != nil {
		p.To.SetTarget(l.target)
	} else {
		l.jumps = append(l.jumps, p)
	}
	c.b.AddInstruction(p)
}

// ### [ Instruction helpers ] #################################################

func (c *compiler) add(p *obj.Prog) {
	c.b.AddInstruction(p)
}

// regReg emits `as src, dst` on two registers.
func (c *compiler) regReg(as obj.As, src, dst int16) {
	p := c.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.add(p)
}

// constReg emits `as $val, dst`.
func (c *compiler) constReg(as obj.As, val int64, dst int16) {
	p := c.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = val
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.add(p)
}

// memReg emits `as off(base), dst`.
func (c *compiler) memReg(as obj.As, base int16, off int64, dst int16) {
	p := c.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = off
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.add(p)
}

// regMem emits `as src, off(base)`.
func (c *compiler) regMem(as obj.As, src, base int16, off int64) {
	p := c.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = off
	c.add(p)
}

// regConst emits `as src, $val`; used for comparisons against
// immediates.
func (c *compiler) regConst(as obj.As, src int16, val int64) {
	p := c.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_CONST
	p.To.Offset = val
	c.add(p)
}

// push emits `PUSHQ reg`.
func (c *compiler) push(reg int16) {
	p := c.b.NewProg()
	p.As = x86.APUSHQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	c.add(p)
}

// pop emits `POPQ reg`.
func (c *compiler) pop(reg int16) {
	p := c.b.NewProg()
	p.As = x86.APOPQ
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	c.add(p)
}

// call emits an indirect `CALL reg`.
func (c *compiler) call(reg int16) {
	p := c.b.NewProg()
	p.As = obj.ACALL
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	c.add(p)
}

// ret emits `RET`.
func (c *compiler) ret() {
	p := c.b.NewProg()
	p.As = obj.ARET
	c.add(p)
}

// movAddr materialises a host address in a register.
func (c *compiler) movAddr(addr uintptr, reg int16) {
	c.constReg(x86.AMOVQ, int64(addr), reg)
}

// incref increments the reference count of the object pointed to by
// objReg, clobbering tmp.
func (c *compiler) incref(objReg, tmp int16) {
	c.memReg(x86.AMOVQ, objReg, 0, tmp)
	c.memReg(x86.ALEAQ, tmp, 1, tmp)
	c.regMem(x86.AMOVQ, tmp, objReg, 0)
}

// decref decrements the reference count of the object pointed to by
// objReg, clobbering tmp. An object whose count drops to zero is not
// deallocated.
func (c *compiler) decref(objReg, tmp int16) {
	c.memReg(x86.AMOVQ, objReg, 0, tmp)
	c.memReg(x86.ALEAQ, tmp, -1, tmp)
	c.regMem(x86.AMOVQ, tmp, objReg, 0)
}

// ### [ Frame ] ###############################################################

// emitPrologue saves the callee-saved registers the templates use,
// pins the argument base and the frame base, and reserves the
// non-argument local slots.
func (c *compiler) emitPrologue() {
	c.push(singletonFalseReg)
	c.push(argsReg)
	c.push(frameReg)
	c.push(operandReg)
	c.push(singletonTrueReg)
	c.regReg(x86.AMOVQ, x86.REG_DI, argsReg)
	c.regReg(x86.AMOVQ, x86.REG_SP, frameReg)
	if extra := c.meta.NumLocals - c.meta.NumArgs; extra > 0 {
		c.constReg(x86.ASUBQ, int64(extra*objectSize), x86.REG_SP)
	}
}

// emitReturn pops the result object, unwinds the frame, restores the
// callee-saved registers and returns.
func (c *compiler) emitReturn() {
	c.pop(x86.REG_AX)
	c.regReg(x86.AMOVQ, frameReg, x86.REG_SP)
	c.pop(singletonTrueReg)
	c.pop(operandReg)
	c.pop(frameReg)
	c.pop(argsReg)
	c.pop(singletonFalseReg)
	c.ret()
}

// localSlot returns the base register and offset of local-variable
// slot i. Argument slots live in the caller-provided argument array;
// the remaining locals live below the frame base.
func (c *compiler) localSlot(i int) (int16, int64) {
	if i < c.meta.NumArgs {
		return argsReg, int64(i * objectSize)
	}
	return frameReg, int64(-(i - c.meta.NumArgs + 1) * objectSize)
}

// ### [ Templates ] ###########################################################

func (c *compiler) emitLoad(instr ir.Load) error {
	switch instr.Pool {
	case ir.Locals:
		if instr.Index >= c.meta.NumLocals {
			return errors.Errorf("local index %d out of range (%d locals)", instr.Index, c.meta.NumLocals)
		}
		base, off := c.localSlot(instr.Index)
		c.memReg(x86.AMOVQ, base, off, x86.REG_DI)
	case ir.Constants:
		if instr.Index >= len(c.meta.Constants) {
			return errors.Errorf("constant index %d out of range (%d constants)", instr.Index, len(c.meta.Constants))
		}
		c.movAddr(uintptr(c.meta.Constants[instr.Index]), x86.REG_DI)
	default:
		return errors.Wrapf(ErrUnsupportedOpcode, "cannot load from pool %v", instr.Pool)
	}
	c.incref(x86.REG_DI, x86.REG_SI)
	c.push(x86.REG_DI)
	return nil
}

// emitStore pops the top of the value stack into a local slot. The
// previously stored object is not released; the slot takes over the
// popped reference.
func (c *compiler) emitStore(instr ir.Store) error {
	if instr.Index >= c.meta.NumLocals {
		return errors.Errorf("local index %d out of range (%d locals)", instr.Index, c.meta.NumLocals)
	}
	base, off := c.localSlot(instr.Index)
	c.pop(x86.REG_DI)
	c.regMem(x86.AMOVQ, x86.REG_DI, base, off)
	return nil
}

func (c *compiler) emitPopTop() {
	c.pop(x86.REG_DI)
	c.decref(x86.REG_DI, x86.REG_SI)
}

// name returns the address of entry i of the name pool.
func (c *compiler) name(i int) (uintptr, error) {
	if i >= len(c.meta.Names) {
		return 0, errors.Errorf("name index %d out of range (%d names)", i, len(c.meta.Names))
	}
	return uintptr(c.meta.Names[i]), nil
}

func (c *compiler) emitLoadAttr(instr ir.LoadAttr) error {
	name, err := c.name(instr.Index)
	if err != nil {
		return errors.WithStack(err)
	}
	c.pop(x86.REG_DI)
	c.movAddr(name, x86.REG_SI)
	c.movAddr(c.syms.ObjectGetAttr, x86.REG_DX)
	// Keep the receiver across the call for the release below.
	c.push(x86.REG_DI)
	c.call(x86.REG_DX)
	c.pop(x86.REG_DI)
	c.decref(x86.REG_DI, x86.REG_SI)
	c.push(x86.REG_AX)
	return nil
}

func (c *compiler) emitStoreAttr(instr ir.StoreAttr) error {
	name, err := c.name(instr.Index)
	if err != nil {
		return errors.WithStack(err)
	}
	// Receiver on top of the stack, value beneath it.
	c.memReg(x86.AMOVQ, x86.REG_SP, 0, x86.REG_DI)
	c.memReg(x86.AMOVQ, x86.REG_SP, objectSize, x86.REG_DX)
	c.movAddr(name, x86.REG_SI)
	c.movAddr(c.syms.ObjectSetAttr, x86.REG_CX)
	c.call(x86.REG_CX)
	// Dispose of receiver and value.
	c.pop(x86.REG_DI)
	c.decref(x86.REG_DI, x86.REG_SI)
	c.pop(x86.REG_DI)
	c.decref(x86.REG_DI, x86.REG_SI)
	return nil
}

func (c *compiler) emitLoadGlobal(instr ir.LoadGlobal) error {
	name, err := c.name(instr.Index)
	if err != nil {
		return errors.WithStack(err)
	}
	c.movAddr(uintptr(c.meta.Globals), x86.REG_DI)
	c.movAddr(uintptr(c.meta.Builtins), x86.REG_SI)
	c.movAddr(name, x86.REG_DX)
	c.movAddr(c.syms.DictLoadGlobal, x86.REG_CX)
	c.call(x86.REG_CX)
	c.incref(x86.REG_AX, x86.REG_DI)
	c.push(x86.REG_AX)
	return nil
}

func (c *compiler) emitUnaryNot() error {
	falseResult := &label{}
	done := &label{}
	c.pop(operandReg)
	c.regReg(x86.AMOVQ, operandReg, x86.REG_DI)
	c.movAddr(c.syms.ObjectIsTrue, x86.REG_DX)
	c.call(x86.REG_DX)
	c.decref(operandReg, singletonTrueReg)
	c.regConst(x86.ACMPQ, x86.REG_AX, 0)
	c.jump(x86.AJNE, falseResult)
	c.movAddr(uintptr(c.syms.True), operandReg)
	c.incref(operandReg, singletonTrueReg)
	c.push(operandReg)
	c.jump(obj.AJMP, done)
	c.bind(falseResult)
	c.movAddr(uintptr(c.syms.False), operandReg)
	c.incref(operandReg, singletonTrueReg)
	c.push(operandReg)
	c.bind(done)
	return nil
}

// emitCompare lowers an identity comparison: the two operands are
// popped and compared as pointers, and the matching truth singleton is
// pushed.
func (c *compiler) emitCompare(instr ir.Compare) error {
	matched := uintptr(c.syms.True)
	missed := uintptr(c.syms.False)
	if instr.Predicate == ir.IsNot {
		matched, missed = missed, matched
	}
	identical := &label{}
	done := &label{}
	c.pop(x86.REG_DI)
	c.pop(x86.REG_DX)
	c.regReg(x86.ACMPQ, x86.REG_DI, x86.REG_DX)
	c.jump(x86.AJEQ, identical)
	c.movAddr(missed, x86.REG_AX)
	c.jump(obj.AJMP, done)
	c.bind(identical)
	c.movAddr(matched, x86.REG_AX)
	c.bind(done)
	c.decref(x86.REG_DI, x86.REG_SI)
	c.decref(x86.REG_DX, x86.REG_SI)
	c.incref(x86.REG_AX, x86.REG_SI)
	c.push(x86.REG_AX)
	return nil
}

func (c *compiler) emitBranch(instr ir.Branch) {
	c.jump(obj.AJMP, c.blockLabel(instr.Target))
}

// emitCondBranch lowers a conditional branch. The truth singletons are
// checked by identity first; only on a miss is the host truthiness
// routine consulted. When the operand is popped before evaluation it
// is released on both outcomes; otherwise the retained branch keeps
// the operand and its reference, and only the popping exit releases
// it.
func (c *compiler) emitCondBranch(instr ir.ConditionalBranch) {
	trueTarget := c.blockLabel(instr.TrueBranch)
	falseTarget := c.blockLabel(instr.FalseBranch)
	c.movAddr(uintptr(c.syms.True), singletonTrueReg)
	c.movAddr(uintptr(c.syms.False), singletonFalseReg)
	fallThrough := &label{}
	doBranch := &label{}
	if instr.PopBeforeEval {
		c.pop(operandReg)
		if instr.JumpWhenTrue {
			c.regReg(x86.ACMPQ, operandReg, singletonFalseReg)
			c.jump(x86.AJEQ, fallThrough)
			c.regReg(x86.ACMPQ, operandReg, singletonTrueReg)
			c.jump(x86.AJEQ, doBranch)
			c.regReg(x86.AMOVQ, operandReg, x86.REG_DI)
			c.movAddr(c.syms.ObjectIsTrue, x86.REG_SI)
			c.call(x86.REG_SI)
			c.regConst(x86.ACMPQ, x86.REG_AX, 0)
			c.jump(x86.AJEQ, fallThrough)
			// Operand is truthy; branch.
			c.bind(doBranch)
			c.decref(operandReg, x86.REG_SI)
			c.jump(obj.AJMP, trueTarget)
			c.bind(fallThrough)
			c.decref(operandReg, x86.REG_SI)
		} else {
			c.regReg(x86.ACMPQ, operandReg, singletonTrueReg)
			c.jump(x86.AJEQ, fallThrough)
			c.regReg(x86.ACMPQ, operandReg, singletonFalseReg)
			c.jump(x86.AJEQ, doBranch)
			c.regReg(x86.AMOVQ, operandReg, x86.REG_DI)
			c.movAddr(c.syms.ObjectIsTrue, x86.REG_SI)
			c.call(x86.REG_SI)
			c.regConst(x86.ACMPQ, x86.REG_AX, 0)
			c.jump(x86.AJGT, fallThrough)
			// Operand is falsey; branch.
			c.bind(doBranch)
			c.decref(operandReg, x86.REG_SI)
			c.jump(obj.AJMP, falseTarget)
			c.bind(fallThrough)
			c.decref(operandReg, x86.REG_SI)
		}
		return
	}
	c.memReg(x86.AMOVQ, x86.REG_SP, 0, operandReg)
	if instr.JumpWhenTrue {
		c.regReg(x86.ACMPQ, operandReg, singletonFalseReg)
		c.jump(x86.AJEQ, fallThrough)
		c.regReg(x86.ACMPQ, operandReg, singletonTrueReg)
		c.jump(x86.AJEQ, trueTarget)
		c.regReg(x86.AMOVQ, operandReg, x86.REG_DI)
		c.movAddr(c.syms.ObjectIsTrue, x86.REG_SI)
		c.call(x86.REG_SI)
		c.regConst(x86.ACMPQ, x86.REG_AX, 0)
		// Operand is truthy; jump with the reference retained.
		c.jump(x86.AJGT, trueTarget)
		// Operand is falsey; pop and fall through.
		c.bind(fallThrough)
		c.decref(operandReg, x86.REG_SI)
		c.constReg(x86.AADDQ, objectSize, x86.REG_SP)
	} else {
		c.regReg(x86.ACMPQ, operandReg, singletonTrueReg)
		c.jump(x86.AJEQ, fallThrough)
		c.regReg(x86.ACMPQ, operandReg, singletonFalseReg)
		c.jump(x86.AJEQ, falseTarget)
		c.regReg(x86.AMOVQ, operandReg, x86.REG_DI)
		c.movAddr(c.syms.ObjectIsTrue, x86.REG_SI)
		c.call(x86.REG_SI)
		c.regConst(x86.ACMPQ, x86.REG_AX, 0)
		// Operand is falsey; jump with the reference retained.
		c.jump(x86.AJEQ, falseTarget)
		// Operand is truthy; pop and fall through.
		c.bind(fallThrough)
		c.decref(operandReg, x86.REG_SI)
		c.constReg(x86.AADDQ, objectSize, x86.REG_SP)
	}
}

// emitCall lowers a call with n positional arguments. The host value
// stack grows upward while the machine stack grows downward, so the
// callable and arguments are duplicated in reversed order onto a
// scratch region below the operands before the dispatcher is invoked.
// The dispatcher takes ownership of the passed references and returns
// one new reference; both the duplicates and the originals are
// discarded afterwards.
func (c *compiler) emitCall(instr ir.Call) error {
	n := instr.NumArgs
	if n < 0 {
		return errors.Errorf("negative argument count %d", n)
	}
	slots := int64((n + 1) * objectSize)
	c.constReg(x86.ASUBQ, slots, x86.REG_SP)
	for k := 0; k <= n; k++ {
		c.memReg(x86.AMOVQ, x86.REG_SP, slots+int64((n-k)*objectSize), x86.REG_DI)
		c.regMem(x86.AMOVQ, x86.REG_DI, x86.REG_SP, int64(k*objectSize))
	}
	c.memReg(x86.ALEAQ, x86.REG_SP, slots, x86.REG_DI)
	c.constReg(x86.AMOVQ, int64(n), x86.REG_SI)
	c.constReg(x86.AMOVQ, 0, x86.REG_DX)
	c.movAddr(c.syms.CallFunction, x86.REG_CX)
	c.call(x86.REG_CX)
	c.constReg(x86.AADDQ, 2*slots, x86.REG_SP)
	c.push(x86.REG_AX)
	return nil
}
