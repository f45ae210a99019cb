package asm

import (
	"math"
	"math/bits"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

const pageSize = 0x1000

// Machine is a minimal x86-64 interpreter covering the instructions this
// package emits. It is used to check generated stubs without running them
// natively.
type Machine struct {
	Regs [16]uint64
	PC   uint64

	ZF, SF, CF, OF bool

	// Steps counts executed instructions.
	Steps int
	// Trace, when set, is called before every instruction.
	Trace func(pc uint64, inst x86asm.Inst)

	pages map[uint64]*[pageSize]byte
}

// NewMachine returns a machine with an empty address space.
func NewMachine() *Machine {
	return &Machine{pages: make(map[uint64]*[pageSize]byte)}
}

// Map makes [addr, addr+size) accessible, zero filled.
func (m *Machine) Map(addr, size uint64) {
	for p := addr &^ (pageSize - 1); p < addr+size; p += pageSize {
		if m.pages[p] == nil {
			m.pages[p] = new([pageSize]byte)
		}
	}
}

// Write maps and copies data at addr.
func (m *Machine) Write(addr uint64, data []byte) {
	m.Map(addr, uint64(len(data)))
	for i, b := range data {
		a := addr + uint64(i)
		m.pages[a&^(pageSize-1)][a&(pageSize-1)] = b
	}
}

// Read copies n bytes starting at addr.
func (m *Machine) Read(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		a := addr + uint64(i)
		p := m.pages[a&^(pageSize-1)]
		if p == nil {
			return nil, errors.Errorf("read of unmapped address 0x%x", a)
		}
		out[i] = p[a&(pageSize-1)]
	}
	return out, nil
}

func (m *Machine) load(addr uint64, size int) (uint64, error) {
	b, err := m.Read(addr, size)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func (m *Machine) store(addr uint64, size int, v uint64) error {
	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		p := m.pages[a&^(pageSize-1)]
		if p == nil {
			return errors.Errorf("write to unmapped address 0x%x", a)
		}
		p[a&(pageSize-1)] = byte(v >> (8 * i))
	}
	return nil
}

func (m *Machine) push(v uint64) error {
	m.Regs[RSP.ID] -= 8
	return m.store(m.Regs[RSP.ID], 8, v)
}

func (m *Machine) pop() (uint64, error) {
	v, err := m.load(m.Regs[RSP.ID], 8)
	m.Regs[RSP.ID] += 8
	return v, err
}

// Run executes from entry until the program counter reaches stop or limit
// instructions have been executed.
func (m *Machine) Run(entry, stop uint64, limit int) error {
	m.PC = entry
	for m.PC != stop {
		if m.Steps >= limit {
			return errors.Errorf("step limit %d reached at 0x%x", limit, m.PC)
		}
		if err := m.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Step decodes and executes one instruction.
func (m *Machine) Step() error {
	raw, err := m.fetch(m.PC)
	if err != nil {
		return err
	}
	inst, err := x86asm.Decode(raw, 64)
	if err != nil {
		return errors.Wrapf(err, "decode at 0x%x", m.PC)
	}
	if m.Trace != nil {
		m.Trace(m.PC, inst)
	}
	m.Steps++
	next := m.PC + uint64(inst.Len)
	if err := m.exec(inst, next); err != nil {
		return errors.Wrapf(err, "0x%x: %s", m.PC, x86asm.IntelSyntax(inst, m.PC, nil))
	}
	return nil
}

// fetch returns up to 15 mapped bytes at pc, the longest x86 instruction.
func (m *Machine) fetch(pc uint64) ([]byte, error) {
	p := m.pages[pc&^(pageSize-1)]
	if p == nil {
		return nil, errors.Errorf("fetch from unmapped address 0x%x", pc)
	}
	off := pc & (pageSize - 1)
	if off+15 <= pageSize {
		return p[off : off+15], nil
	}
	for n := 15; n > 1; n-- {
		if b, err := m.Read(pc, n); err == nil {
			return b, nil
		}
	}
	return p[off:], nil
}

func (m *Machine) exec(inst x86asm.Inst, next uint64) error {
	m.PC = next
	a0, a1, a2 := inst.Args[0], inst.Args[1], inst.Args[2]
	switch inst.Op {
	case x86asm.NOP:
		return nil
	case x86asm.PUSH:
		v, _, err := m.get(inst, a0, next)
		if err != nil {
			return err
		}
		return m.push(v)
	case x86asm.POP:
		v, err := m.pop()
		if err != nil {
			return err
		}
		return m.set(inst, a0, next, v)
	case x86asm.MOV:
		v, _, err := m.get(inst, a1, next)
		if err != nil {
			return err
		}
		return m.set(inst, a0, next, v)
	case x86asm.LEA:
		mem, ok := a1.(x86asm.Mem)
		if !ok {
			return errors.New("lea without memory operand")
		}
		return m.set(inst, a0, next, m.addr(mem, next))
	case x86asm.ADD, x86asm.SUB, x86asm.CMP, x86asm.AND, x86asm.OR, x86asm.XOR:
		x, w, err := m.get(inst, a0, next)
		if err != nil {
			return err
		}
		y, _, err := m.get(inst, a1, next)
		if err != nil {
			return err
		}
		r := m.alu(inst.Op, x, y, w)
		if inst.Op == x86asm.CMP {
			return nil
		}
		return m.set(inst, a0, next, r)
	case x86asm.INC, x86asm.DEC, x86asm.NEG:
		x, w, err := m.get(inst, a0, next)
		if err != nil {
			return err
		}
		return m.set(inst, a0, next, m.unary(inst.Op, x, w))
	case x86asm.IMUL:
		src, mul := a0, a1
		if a2 != nil {
			src, mul = a1, a2
		}
		x, w, err := m.get(inst, src, next)
		if err != nil {
			return err
		}
		y, _, err := m.get(inst, mul, next)
		if err != nil {
			return err
		}
		r := m.imul(x, y, w)
		return m.set(inst, a0, next, r)
	case x86asm.SHR:
		x, w, err := m.get(inst, a0, next)
		if err != nil {
			return err
		}
		n, _, err := m.get(inst, a1, next)
		if err != nil {
			return err
		}
		return m.set(inst, a0, next, m.shr(x, n, w))
	case x86asm.CPUID:
		leaf := uint32(m.Regs[RAX.ID])
		m.Regs[RAX.ID], m.Regs[RBX.ID], m.Regs[RCX.ID], m.Regs[RDX.ID] = 0, 0, 0, 0
		if leaf == 0 {
			m.Regs[RAX.ID] = 0x0d
			m.Regs[RBX.ID] = 0x756e6547 // "Genu"
			m.Regs[RDX.ID] = 0x49656e69 // "ineI"
			m.Regs[RCX.ID] = 0x6c65746e // "ntel"
		}
		return nil
	case x86asm.JMP:
		t, err := m.target(inst, a0, next)
		if err != nil {
			return err
		}
		m.PC = t
		return nil
	case x86asm.CALL:
		t, err := m.target(inst, a0, next)
		if err != nil {
			return err
		}
		if err := m.push(next); err != nil {
			return err
		}
		m.PC = t
		return nil
	case x86asm.RET:
		t, err := m.pop()
		if err != nil {
			return err
		}
		m.PC = t
		return nil
	case x86asm.JRCXZ:
		if m.Regs[RCX.ID] == 0 {
			return m.branch(inst, a0, next)
		}
		return nil
	}
	if taken, ok := m.cond(inst.Op); ok {
		if taken {
			return m.branch(inst, a0, next)
		}
		return nil
	}
	return errors.Errorf("unsupported instruction %s", inst.Op)
}

func (m *Machine) branch(inst x86asm.Inst, arg x86asm.Arg, next uint64) error {
	t, err := m.target(inst, arg, next)
	if err != nil {
		return err
	}
	m.PC = t
	return nil
}

func (m *Machine) target(inst x86asm.Inst, arg x86asm.Arg, next uint64) (uint64, error) {
	if rel, ok := arg.(x86asm.Rel); ok {
		return next + uint64(int64(rel)), nil
	}
	v, _, err := m.get(inst, arg, next)
	return v, err
}

func (m *Machine) cond(op x86asm.Op) (taken, ok bool) {
	switch op {
	case x86asm.JE:
		return m.ZF, true
	case x86asm.JNE:
		return !m.ZF, true
	case x86asm.JB:
		return m.CF, true
	case x86asm.JAE:
		return !m.CF, true
	case x86asm.JBE:
		return m.CF || m.ZF, true
	case x86asm.JA:
		return !m.CF && !m.ZF, true
	case x86asm.JL:
		return m.SF != m.OF, true
	case x86asm.JGE:
		return m.SF == m.OF, true
	case x86asm.JLE:
		return m.ZF || m.SF != m.OF, true
	case x86asm.JG:
		return !m.ZF && m.SF == m.OF, true
	}
	return false, false
}

// regSlot maps a decoded register to its slot and width in bytes.
func regSlot(r x86asm.Reg) (int, int, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return int(r-x86asm.R8B) + 8, 1, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, true
	}
	return 0, 0, false
}

func (m *Machine) addr(mem x86asm.Mem, next uint64) uint64 {
	var a uint64
	switch {
	case mem.Base == x86asm.RIP:
		a = next
	case mem.Base != 0:
		if i, _, ok := regSlot(mem.Base); ok {
			a = m.Regs[i]
		}
	}
	if mem.Index != 0 {
		if i, _, ok := regSlot(mem.Index); ok {
			a += m.Regs[i] * uint64(mem.Scale)
		}
	}
	return a + uint64(disp(mem))
}

// disp returns the signed displacement. The decoder leaves 32-bit
// displacements zero-extended; only 64-bit absolute offsets are larger.
func disp(mem x86asm.Mem) int64 {
	if mem.Disp >= 0 && mem.Disp <= math.MaxUint32 {
		return int64(int32(mem.Disp))
	}
	return mem.Disp
}

// get evaluates an operand and reports its width in bytes.
func (m *Machine) get(inst x86asm.Inst, arg x86asm.Arg, next uint64) (uint64, int, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		i, w, ok := regSlot(a)
		if !ok {
			return 0, 0, errors.Errorf("unsupported register %s", a)
		}
		return m.Regs[i] & mask(w), w, nil
	case x86asm.Imm:
		return uint64(int64(a)), inst.DataSize / 8, nil
	case x86asm.Mem:
		w := inst.MemBytes
		v, err := m.load(m.addr(a, next), w)
		return v, w, err
	}
	return 0, 0, errors.Errorf("unsupported operand %v", arg)
}

func (m *Machine) set(inst x86asm.Inst, arg x86asm.Arg, next uint64, v uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		i, w, ok := regSlot(a)
		if !ok {
			return errors.Errorf("unsupported register %s", a)
		}
		switch w {
		case 1:
			m.Regs[i] = m.Regs[i]&^0xff | v&0xff
		case 4:
			m.Regs[i] = v & 0xffffffff
		default:
			m.Regs[i] = v
		}
		return nil
	case x86asm.Mem:
		return m.store(m.addr(a, next), inst.MemBytes, v)
	}
	return errors.Errorf("unsupported destination %v", arg)
}

func mask(w int) uint64 {
	if w >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(w)) - 1
}

func signBit(w int) uint64 { return 1 << (8*uint(w) - 1) }

func (m *Machine) result(r uint64, w int) uint64 {
	r &= mask(w)
	m.ZF = r == 0
	m.SF = r&signBit(w) != 0
	return r
}

func (m *Machine) alu(op x86asm.Op, x, y uint64, w int) uint64 {
	x, y = x&mask(w), y&mask(w)
	s := signBit(w)
	switch op {
	case x86asm.ADD:
		r := m.result(x+y, w)
		m.CF = r < x
		m.OF = (x&s) == (y&s) && (r&s) != (x&s)
		return r
	case x86asm.SUB, x86asm.CMP:
		r := m.result(x-y, w)
		m.CF = x < y
		m.OF = (x&s) != (y&s) && (r&s) != (x&s)
		return r
	}
	var r uint64
	switch op {
	case x86asm.AND:
		r = x & y
	case x86asm.OR:
		r = x | y
	default:
		r = x ^ y
	}
	m.CF, m.OF = false, false
	return m.result(r, w)
}

func (m *Machine) unary(op x86asm.Op, x uint64, w int) uint64 {
	s := signBit(w)
	x &= mask(w)
	switch op {
	case x86asm.INC:
		m.OF = x == s-1
		return m.result(x+1, w)
	case x86asm.DEC:
		m.OF = x == s
		return m.result(x-1, w)
	}
	m.CF = x != 0
	m.OF = x == s
	return m.result(-x, w)
}

func (m *Machine) imul(x, y uint64, w int) uint64 {
	if w != 8 {
		r := uint64(signExtend(x, w) * signExtend(y, w))
		m.CF = signExtend(r&mask(w), w) != int64(r)
		m.OF = m.CF
		return m.result(r, w)
	}
	hi, lo := bits.Mul64(x, y)
	// signed high word from the unsigned product
	if int64(x) < 0 {
		hi -= y
	}
	if int64(y) < 0 {
		hi -= x
	}
	m.CF = !(hi == 0 && int64(lo) >= 0 || hi == ^uint64(0) && int64(lo) < 0)
	m.OF = m.CF
	return m.result(lo, w)
}

func (m *Machine) shr(x, n uint64, w int) uint64 {
	n &= 63
	if w < 8 {
		n &= 31
	}
	x &= mask(w)
	if n == 0 {
		return x
	}
	m.CF = n <= uint64(8*w) && (x>>(n-1))&1 != 0
	m.OF = x&signBit(w) != 0
	return m.result(x>>n, w)
}

func signExtend(v uint64, w int) int64 {
	shift := 64 - 8*uint(w)
	return int64(v<<shift) >> shift
}
