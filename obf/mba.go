package obf

import "pepack/asm"

// MBAVariant selects one of the boolean-arithmetic block shapes.
type MBAVariant int

const (
	// MBAOrMinusAnd computes (x|y) - (x&y).
	MBAOrMinusAnd MBAVariant = iota
	// MBAAndPlusOr computes (x&y) + (x|y).
	MBAAndPlusOr
	// MBANegXorPlusNegAnd computes -(x^y) + (-x & y).
	MBANegXorPlusNegAnd
	mbaVariants
)

func (v MBAVariant) String() string {
	switch v {
	case MBAOrMinusAnd:
		return "mba-or-minus-and"
	case MBAAndPlusOr:
		return "mba-and-plus-or"
	case MBANegXorPlusNegAnd:
		return "mba-neg-xor"
	}
	return "mba-unknown"
}

// mathOp is the unrelated operation whose flags feed the block's branch.
func (e *Emitter) mathOp() {
	r := e.reg()
	imm := e.between(1, 100)
	switch e.rng.Intn(4) {
	case 0:
		e.a.ShrImm(r, uint8(imm))
	case 1:
		e.a.AndImm(r, int64(imm))
	case 2:
		e.a.XorImm(r, int64(imm))
	default:
		e.a.AddImm(r, int64(imm))
	}
}

// MBA emits a randomly chosen boolean-arithmetic block.
func (e *Emitter) MBA() MBAVariant {
	v := MBAVariant(e.rng.Intn(int(mbaVariants)))
	e.EmitMBA(v)
	return v
}

// EmitMBA emits one block: a math op, je to a shared label, a boolean
// decomposition of rdi and rsi on the fallthrough path, then a framed math
// op after the label. The decomposition clobbers rax, rbx and rcx and is
// stack neutral.
func (e *Emitter) EmitMBA(v MBAVariant) {
	e.count(v.String())
	a := e.a
	l := a.NewLabel()

	e.mathOp()
	a.Je(l)

	a.Mov(asm.RAX, asm.RDI)
	a.Mov(asm.RBX, asm.RSI)
	switch v {
	case MBAOrMinusAnd:
		a.Or(asm.RAX, asm.RBX)
		a.Push(asm.RAX)
		a.Mov(asm.RAX, asm.RDI)
		a.And(asm.RAX, asm.RBX)
		a.Pop(asm.RCX)
		a.Sub(asm.RCX, asm.RAX)
	case MBAAndPlusOr:
		a.And(asm.RAX, asm.RBX)
		a.Push(asm.RAX)
		a.Mov(asm.RAX, asm.RDI)
		a.Or(asm.RAX, asm.RBX)
		a.Pop(asm.RCX)
		a.Add(asm.RCX, asm.RAX)
	default:
		a.Xor(asm.RAX, asm.RBX)
		a.Neg(asm.RAX)
		a.Push(asm.RAX)
		a.Mov(asm.RAX, asm.RDI)
		a.Neg(asm.RAX)
		a.And(asm.RAX, asm.RBX)
		a.Pop(asm.RCX)
		a.Add(asm.RCX, asm.RAX)
	}
	a.Mov(asm.RAX, asm.RCX)
	a.Mov(asm.RBX, asm.RAX)
	a.Xor(asm.RBX, asm.RDI)

	a.Bind(l)
	a.Push(asm.RBP)
	a.Mov(asm.RBP, asm.RSP)
	e.mathOp()
	a.Pop(asm.RBP)
}
