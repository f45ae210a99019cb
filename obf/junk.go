package obf

import "pepack/asm"

// JunkKind selects a junk block generator.
type JunkKind int

const (
	JunkPushPop JunkKind = iota
	JunkBigConditions
)

func (k JunkKind) String() string {
	switch k {
	case JunkPushPop:
		return "push-pop"
	case JunkBigConditions:
		return "big-conditions"
	}
	return "unknown"
}

// pickJunk favours the cheap push/pop blocks 3:1.
func (e *Emitter) pickJunk() JunkKind {
	if e.rng.Intn(4) == 0 {
		return JunkBigConditions
	}
	return JunkPushPop
}

// Junk emits one randomly chosen junk block.
func (e *Emitter) Junk() {
	e.EmitJunk(e.pickJunk())
}

func (e *Emitter) EmitJunk(k JunkKind) {
	switch k {
	case JunkBigConditions:
		e.BigConditionsJunk()
	default:
		e.PushPopJunk()
	}
}

// arith applies add, imul or sub to dst with a register or a small
// immediate operand.
func (e *Emitter) arith(dst asm.Reg) {
	useReg := e.rng.Intn(2) == 0
	src := e.reg()
	imm := int64(e.below(100))
	switch e.rng.Intn(3) {
	case 0:
		if useReg {
			e.a.Add(dst, src)
		} else {
			e.a.AddImm(dst, imm)
		}
	case 1:
		if useReg {
			e.a.Imul(dst, src)
		} else {
			e.a.ImulImm(dst, imm)
		}
	default:
		if useReg {
			e.a.Sub(dst, src)
		} else {
			e.a.SubImm(dst, imm)
		}
	}
}

// PushPopJunk emits random push/arith/pop triples, each followed by a run of
// fixed-pattern blocks. The repetition count scales with the intensity.
func (e *Emitter) PushPopJunk() {
	e.count(JunkPushPop.String())
	reps := e.below(e.limits.PushPopReps) * e.intensity
	for i := 0; i < reps; i++ {
		e.a.Push(e.reg())
		e.arith(e.reg())
		e.a.Pop(e.reg())

		for n := e.below(e.limits.Subnodes); n > 0; n-- {
			e.subnode()
		}
	}
}

func (e *Emitter) subnode() {
	a := e.a
	switch e.rng.Intn(3) {
	case 0:
		a.ImulImm(e.reg(), int64(e.below(100)))
		a.ImulImm(e.reg(), int64(e.below(100)))
		a.AddImm(e.reg(), int64(e.below(100)))
		a.Cpuid()
		a.Nop()
		a.Cpuid()
		a.Push(e.reg())
		a.Pop(e.reg())
	case 1:
		a.ImulImm(e.reg(), int64(e.below(100)))
		a.AddImm(e.reg(), int64(e.below(100)))
		a.Push(e.reg())
		a.AddImm(e.reg(), int64(e.below(100)))
		a.Cpuid()
		a.Nop()
		a.Nop()
		a.Pop(e.reg())
	default:
		a.SubImm(e.reg(), int64(e.below(100)))
		a.AddImm(e.reg(), int64(e.below(100)))
		a.AddImm(e.reg(), int64(e.below(100)))
		a.Push(e.reg())
		a.Nop()
		a.Nop()
		a.Cpuid()
		a.Pop(e.reg())
	}
}

var bigConditionBranches = []asm.Cond{
	0, // unconditional
	asm.CondE,
	asm.CondNE,
	asm.CondB,
	asm.CondBE,
	asm.CondL,
	asm.CondLE,
}

// BigConditionsJunk runs long arithmetic chains over two scratch registers,
// compares them and branches to a label bound right behind the branch, so
// both outcomes land on the same push/pop junk.
func (e *Emitter) BigConditionsJunk() {
	e.count(JunkBigConditions.String())
	a := e.a
	for i := e.between(1, e.limits.CondIterations); i > 0; i-- {
		r1, r2 := e.reg(), e.reg()
		for j := e.below(e.limits.CondOps); j > 0; j-- {
			switch e.rng.Intn(5) {
			case 0:
				a.Xor(r1, r2)
			case 1:
				a.AddImm(r1, int64(e.below(10)))
			case 2:
				a.ImulImm(r2, int64(e.below(100)))
			case 3:
				a.SubImm(r1, int64(e.below(100)))
			default:
				a.Mov(r1, r2)
			}
		}
		a.Cmp(r1, r2)
		l := a.NewLabel()
		if c := bigConditionBranches[e.rng.Intn(len(bigConditionBranches))]; c == 0 {
			a.Jmp(l)
		} else {
			a.Jcc(c, l)
		}
		a.Bind(l)
		e.PushPopJunk()
	}
}

var simpleJumpBranches = []func(a *asm.Assembler, l asm.Label){
	(*asm.Assembler).Je,
	(*asm.Assembler).Jne,
	(*asm.Assembler).Jrcxz,
	func(a *asm.Assembler, l asm.Label) { a.Jcc(asm.CondG, l) },
}

// SimpleJumps emits opaque compare-and-branch blocks. The branch skips a run
// of junk blocks or falls through it; either way control reaches the label.
func (e *Emitter) SimpleJumps() {
	e.count("simple-jumps")
	a := e.a
	for i := e.below(e.limits.JumpLabels); i > 0; i-- {
		first := e.between(0x10, 0x100)
		second := e.between(0x10, 0x100)
		diff := first - second
		if diff < 0 {
			diff = -diff
		}

		l := a.NewLabel()
		a.XorImm(e.reg(), int64(e.between(0x10, 0x100)))
		a.MovImm(asm.RAX, uint64(first))
		a.MovImm(asm.RBX, uint64(second))
		a.AddImm(asm.RAX, int64(diff))
		a.Cmp(asm.RAX, asm.RBX)
		simpleJumpBranches[e.rng.Intn(len(simpleJumpBranches))](a, l)
		for n := e.below(e.limits.JumpJunkRun); n > 0; n-- {
			e.Junk()
		}
		a.Bind(l)
		e.Junk()
	}
}

// CallNoise nests call/return pairs. Each call targets a label bound after a
// dead junk block; the pushed return address is dropped right there.
func (e *Emitter) CallNoise() {
	e.count("call-noise")
	a := e.a
	for i := e.between(1, e.limits.CallDepth); i > 0; i-- {
		l := a.NewLabel()
		e.Junk()
		a.Call(l)
		e.Junk()
		a.Bind(l)
		a.AddImm(asm.RSP, 8)
	}
}
