package asm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ArithOp selects one of the two-operand ALU instructions.
type ArithOp uint8

const (
	OpAdd ArithOp = iota
	OpOr
	OpAnd
	OpSub
	OpXor
	OpCmp
)

var arithNames = [...]string{"add", "or", "and", "sub", "xor", "cmp"}

func (o ArithOp) String() string {
	if int(o) < len(arithNames) {
		return arithNames[o]
	}
	return "arith?"
}

func (a *Assembler) Push(r Reg) {
	if a.want64(r) {
		a.inst("push %s", r)
	}
}

func (a *Assembler) Pop(r Reg) {
	if a.want64(r) {
		a.inst("pop %s", r)
	}
}

// Mov copies src into dst.
func (a *Assembler) Mov(dst, src Reg) {
	if a.want64(dst, src) {
		a.inst("mov %s, %s", dst, src)
	}
}

// MovImm loads an immediate into a 64-bit register or a low byte register.
func (a *Assembler) MovImm(dst Reg, v uint64) {
	switch dst.Size {
	case 1:
		if dst.ID >= 4 {
			a.fail(errors.Errorf("%s: byte register not encodable", dst))
			return
		}
		a.inst("mov %s, 0x%x", dst, byte(v))
	case 8:
		a.inst("mov %s, 0x%x", dst, v)
	default:
		a.fail(errors.Errorf("%s: unsupported register size", dst))
	}
}

// Arith emits `op dst, src`.
func (a *Assembler) Arith(op ArithOp, dst, src Reg) {
	if a.want64(dst, src) {
		a.inst("%s %s, %s", op, dst, src)
	}
}

// ArithImm emits `op dst, imm`; imm is sign-extended from 32 bits.
func (a *Assembler) ArithImm(op ArithOp, dst Reg, v int64) {
	if !a.want64(dst) {
		return
	}
	if !fitsInt32(v) {
		a.fail(errors.Errorf("%s %s, %s: immediate does not fit 32 bits", op, dst, imm(v)))
		return
	}
	a.inst("%s %s, %s", op, dst, imm(v))
}

func (a *Assembler) Add(dst, src Reg) { a.Arith(OpAdd, dst, src) }
func (a *Assembler) AddImm(dst Reg, v int64) { a.ArithImm(OpAdd, dst, v) }
func (a *Assembler) Sub(dst, src Reg) { a.Arith(OpSub, dst, src) }
func (a *Assembler) SubImm(dst Reg, v int64) { a.ArithImm(OpSub, dst, v) }
func (a *Assembler) Xor(dst, src Reg) { a.Arith(OpXor, dst, src) }
func (a *Assembler) XorImm(dst Reg, v int64) { a.ArithImm(OpXor, dst, v) }
func (a *Assembler) And(dst, src Reg) { a.Arith(OpAnd, dst, src) }
func (a *Assembler) AndImm(dst Reg, v int64) { a.ArithImm(OpAnd, dst, v) }
func (a *Assembler) Or(dst, src Reg) { a.Arith(OpOr, dst, src) }
func (a *Assembler) Cmp(dst, src Reg) { a.Arith(OpCmp, dst, src) }
func (a *Assembler) CmpImm(dst Reg, v int64) { a.ArithImm(OpCmp, dst, v) }

// Imul emits the two-operand signed multiply dst *= src.
func (a *Assembler) Imul(dst, src Reg) {
	if a.want64(dst, src) {
		a.inst("imul %s, %s", dst, src)
	}
}

// ImulImm emits dst = dst * v.
func (a *Assembler) ImulImm(dst Reg, v int64) {
	if !a.want64(dst) {
		return
	}
	if !fitsInt32(v) {
		a.fail(errors.Errorf("imul %s, %s: immediate does not fit 32 bits", dst, imm(v)))
		return
	}
	a.inst("imul %s, %s, %s", dst, dst, imm(v))
}

// ShrImm emits a logical right shift by an 8-bit count. The CPU masks the
// count to six bits.
func (a *Assembler) ShrImm(dst Reg, n uint8) {
	if a.want64(dst) {
		a.inst("shr %s, 0x%x", dst, n)
	}
}

func (a *Assembler) unary(mnemonic string, dst Reg) {
	if a.want64(dst) {
		a.inst("%s %s", mnemonic, dst)
	}
}

func (a *Assembler) Neg(dst Reg) { a.unary("neg", dst) }
func (a *Assembler) Inc(dst Reg) { a.unary("inc", dst) }
func (a *Assembler) Dec(dst Reg) { a.unary("dec", dst) }

func (a *Assembler) Nop() { a.inst("nop") }
func (a *Assembler) Cpuid() { a.inst("cpuid") }

// XorMem8 emits `xor byte ptr [base], src`.
func (a *Assembler) XorMem8(base, src Reg) {
	if !a.want64(base) {
		return
	}
	if src.Size != 1 || src.ID >= 4 {
		a.fail(errors.Errorf("%s: byte register expected", src))
		return
	}
	a.inst("xor byte ptr [%s], %s", base, src)
}

// LeaAbs loads the absolute address target into dst relative to the
// start of the code, so the result follows the image when it is
// relocated:
//
//	lea dst, [rip + origin] ; add dst, target-base
func (a *Assembler) LeaAbs(dst Reg, target uint64) {
	if !a.want64(dst) {
		return
	}
	if !a.hasBase {
		a.fail(errors.New("lea with absolute target before the load address is bound"))
		return
	}
	delta := int64(target - a.base)
	if !fitsInt32(delta) {
		a.fail(errors.Errorf("lea target 0x%x out of rel32 range from 0x%x", target, a.base))
		return
	}
	a.inst("lea %s, [rip + %s]", dst, originLabel)
	if delta != 0 {
		a.AddImm(dst, delta)
	}
}

// Jmp emits an unconditional jump to l.
func (a *Assembler) Jmp(l Label) {
	a.inst("jmp %s", a.ref(l))
}

// JmpAbs emits a jump to an absolute virtual address.
func (a *Assembler) JmpAbs(target uint64) {
	if !a.hasBase {
		a.fail(errors.New("jump to absolute target before the load address is bound"))
		return
	}
	if d := int64(target - a.base); !fitsInt32(d) {
		a.fail(errors.Errorf("jump target 0x%x out of rel32 range from 0x%x", target, a.base))
		return
	}
	a.inst("jmp 0x%x", target)
}

// JmpReg jumps through a register.
func (a *Assembler) JmpReg(r Reg) {
	if a.want64(r) {
		a.inst("jmp %s", r)
	}
}

// Jcc emits a conditional jump to l.
func (a *Assembler) Jcc(c Cond, l Label) {
	if _, ok := condNames[c]; !ok {
		a.fail(errors.Errorf("unknown condition %s", c))
		return
	}
	a.inst("%s %s", c, a.ref(l))
}

func (a *Assembler) Je(l Label) { a.Jcc(CondE, l) }
func (a *Assembler) Jne(l Label) { a.Jcc(CondNE, l) }

// Jrcxz branches to l when rcx is zero. The instruction only has an 8-bit
// displacement, so it hops onto a jump placed right behind it:
//
//	jrcxz hop ; jmp skip ; hop: jmp l ; skip:
func (a *Assembler) Jrcxz(l Label) {
	hop := a.NewLabel()
	skip := a.NewLabel()
	a.inst("jrcxz %s", a.ref(hop))
	a.Jmp(skip)
	a.Bind(hop)
	a.Jmp(l)
	a.Bind(skip)
}

// Call emits a near call to l.
func (a *Assembler) Call(l Label) {
	a.inst("call %s", a.ref(l))
}

// Db emits one raw byte.
func (a *Assembler) Db(b byte) {
	a.lines = append(a.lines, fmt.Sprintf(".byte 0x%02x", b))
}
