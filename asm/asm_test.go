package asm

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func decodeAll(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()
	var out []x86asm.Inst
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("decode at %d (% x): %v", off, code[off:], err)
		}
		out = append(out, inst)
		off += inst.Len
	}
	return out
}

func TestEncodingsDecode(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *Assembler)
		want string
	}{
		{"push rbx", func(a *Assembler) { a.Push(RBX) }, "push rbx"},
		{"push r11", func(a *Assembler) { a.Push(R11) }, "push r11"},
		{"pop rdi", func(a *Assembler) { a.Pop(RDI) }, "pop rdi"},
		{"mov", func(a *Assembler) { a.Mov(RBP, RSP) }, "mov rbp, rsp"},
		{"mov ext", func(a *Assembler) { a.Mov(R11, RAX) }, "mov r11, rax"},
		{"mov imm32", func(a *Assembler) { a.MovImm(RAX, 0x1234) }, "mov rax, 0x1234"},
		{"movabs", func(a *Assembler) { a.MovImm(RBX, 0x1122334455667788) }, "mov rbx, 0x1122334455667788"},
		{"mov al", func(a *Assembler) { a.MovImm(AL, 0x5a) }, "mov al, 0x5a"},
		{"add imm8", func(a *Assembler) { a.AddImm(RCX, 5) }, "add rcx, 0x5"},
		{"sub imm32", func(a *Assembler) { a.SubImm(RDX, 0x1000) }, "sub rdx, 0x1000"},
		{"xor", func(a *Assembler) { a.Xor(RSI, RDI) }, "xor rsi, rdi"},
		{"and", func(a *Assembler) { a.AndImm(RAX, 0x3f) }, "and rax, 0x3f"},
		{"cmp", func(a *Assembler) { a.CmpImm(RBX, 0) }, "cmp rbx, 0x0"},
		{"imul", func(a *Assembler) { a.Imul(RAX, RBX) }, "imul rax, rbx"},
		{"imul imm", func(a *Assembler) { a.ImulImm(RSI, 7) }, "imul rsi, rsi, 0x7"},
		{"shr", func(a *Assembler) { a.ShrImm(RDI, 3) }, "shr rdi, 0x3"},
		{"neg", func(a *Assembler) { a.Neg(RCX) }, "neg rcx"},
		{"inc", func(a *Assembler) { a.Inc(RCX) }, "inc rcx"},
		{"dec", func(a *Assembler) { a.Dec(RBX) }, "dec rbx"},
		{"nop", func(a *Assembler) { a.Nop() }, "nop"},
		{"cpuid", func(a *Assembler) { a.Cpuid() }, "cpuid"},
		{"xor mem", func(a *Assembler) { a.XorMem8(RCX, AL) }, "xor byte ptr [rcx], al"},
		{"jmp reg", func(a *Assembler) { a.JmpReg(RAX) }, "jmp rax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			tt.emit(a)
			code, err := a.Finalize()
			if err != nil {
				t.Fatalf("Finalize: %v", err)
			}
			insts := decodeAll(t, code)
			if len(insts) != 1 {
				t.Fatalf("got %d instructions from % x", len(insts), code)
			}
			got := strings.ToLower(x86asm.IntelSyntax(insts[0], 0, nil))
			if got != tt.want {
				t.Errorf("got %q, want %q (% x)", got, tt.want, code)
			}
		})
	}
}

func TestXorMemAwkwardBases(t *testing.T) {
	for _, base := range []Reg{RSP, RBP, R12, R13, R9} {
		a := New()
		a.XorMem8(base, CL)
		code, err := a.Finalize()
		if err != nil {
			t.Fatalf("%s: %v", base, err)
		}
		inst := decodeAll(t, code)[0]
		mem, ok := inst.Args[0].(x86asm.Mem)
		if !ok || inst.Op != x86asm.XOR || mem.Disp != 0 || mem.Index != 0 {
			t.Errorf("%s: decoded %v", base, inst)
		}
	}
}

func TestLabelsResolve(t *testing.T) {
	a := New()
	fwd := a.NewLabel()
	back := a.NewLabel()
	a.Bind(back)
	a.Nop()
	a.Jmp(fwd)
	a.Jne(back)
	for i := 0; i < 200; i++ {
		a.Nop()
	}
	a.Bind(fwd)
	code, err := a.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	insts := decodeAll(t, code)
	jmpEnd := insts[0].Len + insts[1].Len
	if to := jmpEnd + int(insts[1].Args[0].(x86asm.Rel)); to != len(code) {
		t.Errorf("forward jump lands at %d, want %d", to, len(code))
	}
	jneEnd := jmpEnd + insts[2].Len
	if to := jneEnd + int(insts[2].Args[0].(x86asm.Rel)); to != 0 {
		t.Errorf("backward jump lands at %d, want 0", to)
	}
}

func TestLabelErrors(t *testing.T) {
	a := New()
	l := a.NewLabel()
	a.Jmp(l)
	if _, err := a.Finalize(); err == nil {
		t.Error("unbound label accepted")
	}

	a = New()
	l = a.NewLabel()
	a.Bind(l)
	a.Bind(l)
	if _, err := a.Finalize(); err == nil {
		t.Error("double bind accepted")
	}
}

func TestEncodingErrorsAreSticky(t *testing.T) {
	a := New()
	a.XorMem8(RCX, RAX)
	a.Nop()
	if a.Err() == nil {
		t.Fatal("expected error for 64-bit source of byte xor")
	}
	if _, err := a.Finalize(); err == nil {
		t.Error("Finalize ignored encoding error")
	}

	a = New()
	a.JmpAbs(0x401000)
	if a.Err() == nil {
		t.Error("absolute jump without base accepted")
	}
}

func TestAbsoluteTargets(t *testing.T) {
	const base = 0x140005000
	a := New()
	a.SetBaseAddress(base)
	a.Nop()
	a.LeaAbs(RCX, 0x140001000)
	a.JmpAbs(0x140001234)
	code, err := a.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	insts := decodeAll(t, code)
	lea := insts[1]
	mem := lea.Args[1].(x86asm.Mem)
	if lea.Op != x86asm.LEA || mem.Base != x86asm.RIP {
		t.Fatalf("lea not rip-relative: %v", lea)
	}
	// the decoder keeps disp32 zero-extended
	next := uint64(base + 1 + lea.Len)
	if got := next + uint64(int64(int32(mem.Disp))); got != base {
		t.Errorf("lea resolves to 0x%x, want the code start", got)
	}

	m := NewMachine()
	m.Write(base, code)
	if err := m.Run(base, 0x140001234, 10); err != nil {
		t.Fatal(err)
	}
	if m.Regs[RCX.ID] != 0x140001000 {
		t.Errorf("rcx = 0x%x", m.Regs[RCX.ID])
	}
}

func TestBackwardDisplacement(t *testing.T) {
	// lea rax, [rip-0x10]
	code := []byte{0x48, 0x8D, 0x05, 0xF0, 0xFF, 0xFF, 0xFF}
	m := NewMachine()
	m.Write(0x2000, code)
	if err := m.Run(0x2000, 0x2007, 1); err != nil {
		t.Fatal(err)
	}
	if m.Regs[RAX.ID] != 0x2007-0x10 {
		t.Errorf("rax = 0x%x, want 0x%x", m.Regs[RAX.ID], 0x2007-0x10)
	}
}

func TestJrcxzEmulated(t *testing.T) {
	for _, rcx := range []uint64{0, 9} {
		a := New()
		taken := a.NewLabel()
		end := a.NewLabel()
		a.Jrcxz(taken)
		a.MovImm(RAX, 1)
		a.Jmp(end)
		for i := 0; i < 300; i++ {
			a.Db(0xCC)
		}
		a.Bind(taken)
		a.MovImm(RAX, 2)
		a.Bind(end)
		code, err := a.Finalize()
		if err != nil {
			t.Fatal(err)
		}
		m := NewMachine()
		m.Write(0x1000, code)
		m.Regs[RCX.ID] = rcx
		if err := m.Run(0x1000, 0x1000+uint64(len(code)), 100); err != nil {
			t.Fatal(err)
		}
		want := uint64(1)
		if rcx == 0 {
			want = 2
		}
		if m.Regs[RAX.ID] != want {
			t.Errorf("rcx=%d: rax=%d, want %d", rcx, m.Regs[RAX.ID], want)
		}
	}
}

func TestMachineXorLoop(t *testing.T) {
	data := []byte("hello, packer")
	const dataAt = 0x2000

	a := New()
	a.SetBaseAddress(0x1000)
	loop := a.NewLabel()
	end := a.NewLabel()
	a.LeaAbs(RCX, dataAt)
	a.MovImm(RBX, uint64(len(data)))
	a.MovImm(AL, 0x37)
	a.Bind(loop)
	a.CmpImm(RBX, 0)
	a.Je(end)
	a.XorMem8(RCX, AL)
	a.Inc(RCX)
	a.Dec(RBX)
	a.Jmp(loop)
	a.Bind(end)
	code, err := a.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	m := NewMachine()
	m.Write(0x1000, code)
	m.Write(dataAt, data)
	if err := m.Run(0x1000, 0x1000+uint64(len(code)), 10000); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Read(dataAt, len(data))
	for i := range data {
		if got[i] != data[i]^0x37 {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], data[i]^0x37)
		}
	}
}

func TestMachineCallAndFlags(t *testing.T) {
	a := New()
	fn := a.NewLabel()
	end := a.NewLabel()
	a.MovImm(RAX, 5)
	a.Call(fn)
	a.Jmp(end)
	a.Bind(fn)
	a.ImulImm(RAX, 3)
	a.Db(0xC3) // ret
	a.Bind(end)
	code, err := a.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	m := NewMachine()
	m.Write(0x1000, code)
	m.Map(0x7000, 0x1000)
	m.Regs[RSP.ID] = 0x8000
	if err := m.Run(0x1000, 0x1000+uint64(len(code)), 100); err != nil {
		t.Fatal(err)
	}
	if m.Regs[RAX.ID] != 15 || m.Regs[RSP.ID] != 0x8000 {
		t.Errorf("rax=%d rsp=%#x", m.Regs[RAX.ID], m.Regs[RSP.ID])
	}

	m = NewMachine()
	m.Regs[RAX.ID] = 3
	m.alu(x86asm.CMP, 3, 5, 8)
	if !m.CF || m.ZF || !m.SF {
		t.Errorf("cmp 3,5 flags: CF=%v ZF=%v SF=%v", m.CF, m.ZF, m.SF)
	}
	if taken, _ := m.cond(x86asm.JL); !taken {
		t.Error("jl not taken for 3 < 5")
	}
}

func TestListingMarksData(t *testing.T) {
	a := New()
	a.Nop()
	a.Db(0xE9)
	code, _ := a.Finalize()
	var buf bytes.Buffer
	if err := WriteListing(&buf, code, 0x1000); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "db 0xe9") || strings.Contains(buf.String(), "prefix") {
		t.Errorf("listing:\n%s", buf.String())
	}

	lines := Disassemble([]byte{0xE9}, 0x1000)
	if len(lines) != 1 || lines[0].Valid {
		t.Errorf("lone opcode decoded as %+v", lines)
	}
}
