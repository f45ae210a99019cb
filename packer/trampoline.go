package packer

import (
	"math/rand"

	"pepack/asm"
	"pepack/obf"
)

// Trampoline is the construction of the final jump to the original entry.
type Trampoline int

const (
	// TrampolineDirect jumps to the entry with a rel32 displacement.
	TrampolineDirect Trampoline = iota
	// TrampolineOffset rebuilds the entry from a random offset.
	TrampolineOffset
	// TrampolineMasked also hides the offset behind an XOR mask.
	TrampolineMasked
)

func (t Trampoline) String() string {
	switch t {
	case TrampolineDirect:
		return "direct"
	case TrampolineOffset:
		return "offset"
	case TrampolineMasked:
		return "masked"
	}
	return "unknown"
}

const (
	entryOffsetMin = 0x1000
	entryOffsetMax = 0xFFFFFFFF
	entryMaskMin   = 128
	entryMaskMax   = 1024

	fillerMin = 1
	fillerMax = 0x400
)

// Registers the indirect trampolines clobber. Both are volatile at the
// entry point of a Windows process.
var (
	trampolineTarget = asm.RAX
	trampolineTemp   = asm.R11
)

func between64(rng *rand.Rand, lo, hi uint64) uint64 {
	return lo + uint64(rng.Int63n(int64(hi-lo+1)))
}

// pickTrampoline chooses one of the two indirect constructions, or the
// direct jump when indirect is false.
func pickTrampoline(rng *rand.Rand, indirect bool) Trampoline {
	if !indirect {
		return TrampolineDirect
	}
	return TrampolineOffset + Trampoline(rng.Intn(2))
}

// emitTrampoline writes the jump to the absolute address oep. The indirect
// forms never carry oep as an immediate.
func emitTrampoline(e *obf.Emitter, rng *rand.Rand, t Trampoline, oep uint64, cfg Config) {
	a := e.Assembler()
	switch t {
	case TrampolineOffset:
		idx := between64(rng, entryOffsetMin, entryOffsetMax)
		a.MovImm(trampolineTarget, oep-idx)
		a.MovImm(trampolineTemp, idx)
		a.Add(trampolineTarget, trampolineTemp)
		a.JmpReg(trampolineTarget)
		if cfg.AntiDisasm {
			e.AntiDisasm()
		}
		if cfg.FakeInstructions {
			e.Filler(fillerMin, fillerMax)
		}
	case TrampolineMasked:
		if cfg.AntiDisasm {
			e.AntiDisasm()
		}
		idx := between64(rng, entryOffsetMin, entryOffsetMax)
		mask := between64(rng, entryMaskMin, entryMaskMax)
		a.MovImm(trampolineTemp, oep-idx)
		a.MovImm(trampolineTarget, idx^mask)
		a.XorImm(trampolineTarget, int64(mask))
		a.Add(trampolineTarget, trampolineTemp)
		a.JmpReg(trampolineTarget)
		if cfg.FakeInstructions {
			e.Filler(fillerMin, fillerMax)
		}
		if cfg.AntiDisasm {
			e.AntiDisasm()
		}
	default:
		a.JmpAbs(oep)
		if cfg.FakeInstructions {
			e.Filler(fillerMin, fillerMax)
		}
	}
}

// prologue opens a frame and saves the junk scratch registers.
func prologue(a *asm.Assembler) {
	a.Push(asm.RBP)
	a.Mov(asm.RBP, asm.RSP)
	for _, r := range obf.Scratch {
		a.Push(r)
	}
}

// epilogue restores what prologue saved, whatever junk left on the stack.
func epilogue(a *asm.Assembler) {
	a.Mov(asm.RSP, asm.RBP)
	a.SubImm(asm.RSP, int64(8*len(obf.Scratch)))
	for i := len(obf.Scratch) - 1; i >= 0; i-- {
		a.Pop(obf.Scratch[i])
	}
	a.Pop(asm.RBP)
}
