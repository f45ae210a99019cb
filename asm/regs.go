package asm

import "fmt"

// Reg is a general purpose register. ID is the hardware number, Size the
// operand width in bytes.
type Reg struct {
	ID   uint8
	Size uint8
}

var (
	RAX = Reg{0, 8}
	RCX = Reg{1, 8}
	RDX = Reg{2, 8}
	RBX = Reg{3, 8}
	RSP = Reg{4, 8}
	RBP = Reg{5, 8}
	RSI = Reg{6, 8}
	RDI = Reg{7, 8}
	R8  = Reg{8, 8}
	R9  = Reg{9, 8}
	R10 = Reg{10, 8}
	R11 = Reg{11, 8}
	R12 = Reg{12, 8}
	R13 = Reg{13, 8}
	R14 = Reg{14, 8}
	R15 = Reg{15, 8}

	AL = Reg{0, 1}
	CL = Reg{1, 1}
	DL = Reg{2, 1}
	BL = Reg{3, 1}
)

var regNames64 = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

var regNames8 = [4]string{"al", "cl", "dl", "bl"}

func (r Reg) String() string {
	if r.Size == 1 && r.ID < 4 {
		return regNames8[r.ID]
	}
	if r.Size == 8 && r.ID < 16 {
		return regNames64[r.ID]
	}
	return fmt.Sprintf("reg(%d/%d)", r.ID, r.Size)
}

// Cond is a condition code for conditional jumps.
type Cond uint8

const (
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

var condNames = map[Cond]string{
	CondB: "jb", CondAE: "jae", CondE: "je", CondNE: "jne", CondBE: "jbe",
	CondA: "ja", CondL: "jl", CondGE: "jge", CondLE: "jle", CondG: "jg",
}

func (c Cond) String() string {
	if n, ok := condNames[c]; ok {
		return n
	}
	return fmt.Sprintf("j?%x", uint8(c))
}
