// Package obf generates the junk code of the entry stub: inert arithmetic,
// opaque branches that always reconverge, call noise, boolean-arithmetic
// blocks, anti-disassembly gadgets and decryption loops.
//
// Every generator only writes the registers in Scratch and keeps rsp and
// rbp balanced. Callers must save Scratch before the first block and
// restore it afterwards; none of this code may run once the original
// program's registers are live.
package obf

import (
	"math/rand"

	"pepack/asm"
)

// Scratch is the register set junk blocks may clobber.
var Scratch = []asm.Reg{asm.RAX, asm.RBX, asm.RCX, asm.RDX, asm.RSI, asm.RDI}

// Limits bound the volume of generated code. Counts are exclusive upper
// bounds of the random draws.
type Limits struct {
	PushPopReps    int // multiplied by the intensity
	Subnodes       int
	JumpLabels     int
	JumpJunkRun    int
	CallDepth      int
	CondIterations int
	CondOps        int
}

func DefaultLimits() Limits {
	return Limits{
		PushPopReps:    10,
		Subnodes:       8,
		JumpLabels:     10,
		JumpJunkRun:    4,
		CallDepth:      10,
		CondIterations: 100,
		CondOps:        100,
	}
}

// Emitter writes junk into an assembler using an injected random source.
type Emitter struct {
	a         *asm.Assembler
	rng       *rand.Rand
	intensity int
	filler    bool
	limits    Limits
	stats     map[string]int
}

func NewEmitter(a *asm.Assembler, rng *rand.Rand, intensity int) *Emitter {
	if intensity < 1 {
		intensity = 1
	}
	return &Emitter{
		a:         a,
		rng:       rng,
		intensity: intensity,
		limits:    DefaultLimits(),
		stats:     make(map[string]int),
	}
}

// SetFiller enables random filler bytes after anti-disassembly gadgets.
func (e *Emitter) SetFiller(on bool) { e.filler = on }

func (e *Emitter) SetLimits(l Limits) { e.limits = l }

func (e *Emitter) Assembler() *asm.Assembler { return e.a }

// Stats counts the generated blocks per kind.
func (e *Emitter) Stats() map[string]int {
	out := make(map[string]int, len(e.stats))
	for k, v := range e.stats {
		out[k] = v
	}
	return out
}

func (e *Emitter) count(kind string) { e.stats[kind]++ }

// between draws from [lo, hi].
func (e *Emitter) between(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + e.rng.Intn(hi-lo+1)
}

// below draws from [0, n); n <= 0 yields 0.
func (e *Emitter) below(n int) int {
	if n <= 0 {
		return 0
	}
	return e.rng.Intn(n)
}

func (e *Emitter) reg() asm.Reg {
	return Scratch[e.rng.Intn(len(Scratch))]
}

// Filler emits between lo and hi random bytes in [0x10, 0xff].
func (e *Emitter) Filler(lo, hi int) int {
	n := e.between(lo, hi)
	for i := 0; i < n; i++ {
		e.a.Db(byte(e.between(0x10, 0xff)))
	}
	return n
}
