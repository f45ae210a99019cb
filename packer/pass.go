package packer

import (
	"math/rand"

	"pepack/obf"
)

// Pass is one obfuscation pass kind.
type Pass int

const (
	PassJumps Pass = iota
	PassCalls
	PassMBA
)

func (p Pass) String() string {
	switch p {
	case PassJumps:
		return "jumps"
	case PassCalls:
		return "calls"
	case PassMBA:
		return "mba"
	}
	return "unknown"
}

var passHandlers = map[Pass]func(e *obf.Emitter){
	PassJumps: (*obf.Emitter).SimpleJumps,
	PassCalls: (*obf.Emitter).CallNoise,
	PassMBA:   func(e *obf.Emitter) { e.MBA() },
}

// pickPass draws a pass kind; boolean-arithmetic blocks only when enabled.
func pickPass(rng *rand.Rand, mba bool) Pass {
	if mba {
		return Pass(rng.Intn(3))
	}
	return Pass(rng.Intn(2))
}

// runPasses emits n passes, each optionally preceded by an
// anti-disassembly gadget, and returns how often each kind ran.
func runPasses(e *obf.Emitter, rng *rand.Rand, n int, cfg Config, progress func(done, total int)) map[string]int {
	hist := make(map[string]int)
	for i := 0; i < n; i++ {
		if cfg.AntiDisasm {
			e.AntiDisasm()
		}
		p := pickPass(rng, cfg.MBA)
		passHandlers[p](e)
		hist[p.String()]++
		if progress != nil {
			progress(i+1, n)
		}
	}
	return hist
}
