// Package asm builds x86-64 code for the stub. Instructions are collected as
// Intel-syntax text with labels and assembled by keystone once the load
// address is known.
package asm

import (
	"fmt"
	"math"
	"strings"

	"github.com/keystone-engine/keystone/bindings/go/keystone"
	"github.com/pkg/errors"
)

// originLabel is bound at offset 0 of every buffer.
const originLabel = "origin"

// Label identifies a position in the code. It is created unbound and
// bound exactly once with Bind.
type Label int

func (l Label) name() string { return fmt.Sprintf("lbl%d", int(l)) }

// Assembler accumulates instructions. Errors are sticky: the first one is
// kept and reported by Finalize, like an assembler error handler.
type Assembler struct {
	lines   []string
	bound   []bool
	used    []bool
	base    uint64
	hasBase bool
	count   int
	err     error
}

// New returns an empty assembler.
func New() *Assembler {
	return &Assembler{lines: make([]string, 0, 1024)}
}

// SetBaseAddress binds the virtual address the code will be loaded at.
// Absolute jump targets and RIP-relative operands are computed against it.
func (a *Assembler) SetBaseAddress(addr uint64) {
	a.base = addr
	a.hasBase = true
}

// Count is the number of instructions emitted so far (raw bytes excluded).
func (a *Assembler) Count() int { return a.count }

// Err returns the first error, if any.
func (a *Assembler) Err() error { return a.err }

// NewLabel allocates an unbound label.
func (a *Assembler) NewLabel() Label {
	a.bound = append(a.bound, false)
	a.used = append(a.used, false)
	return Label(len(a.bound) - 1)
}

// Bind places l at the current position.
func (a *Assembler) Bind(l Label) {
	if !a.known(l) {
		a.fail(errors.Errorf("bind of unknown label %d", l))
		return
	}
	if a.bound[l] {
		a.fail(errors.Errorf("label %d bound twice", l))
		return
	}
	a.bound[l] = true
	a.lines = append(a.lines, l.name()+":")
}

// Finalize assembles the collected text at the bound load address.
func (a *Assembler) Finalize() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	for l, used := range a.used {
		if used && !a.bound[l] {
			return nil, errors.Errorf("label %d is referenced but never bound", l)
		}
	}
	if len(a.lines) == 0 {
		return nil, nil
	}

	ks, err := keystone.New(keystone.ARCH_X86, keystone.MODE_64)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open the keystone engine")
	}
	defer ks.Close()
	if err := ks.Option(keystone.OPT_SYNTAX, keystone.OPT_SYNTAX_INTEL); err != nil {
		return nil, errors.Wrap(err, "failed to select Intel syntax")
	}

	src := originLabel + ":\n" + strings.Join(a.lines, "\n")
	code, _, ok := ks.Assemble(src, a.base)
	if !ok {
		return nil, errors.Wrapf(ks.LastError(), "failed to assemble %d instructions", a.count)
	}
	return code, nil
}

func (a *Assembler) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *Assembler) known(l Label) bool {
	return int(l) >= 0 && int(l) < len(a.bound)
}

// inst appends one instruction line.
func (a *Assembler) inst(format string, args ...interface{}) {
	a.lines = append(a.lines, fmt.Sprintf(format, args...))
	a.count++
}

// ref marks l as a branch target and returns its name.
func (a *Assembler) ref(l Label) string {
	if !a.known(l) {
		a.fail(errors.Errorf("reference to unknown label %d", l))
		return originLabel
	}
	a.used[l] = true
	return l.name()
}

func fitsInt8(v int64) bool  { return v >= math.MinInt8 && v <= math.MaxInt8 }
func fitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

// imm formats a signed immediate in hex.
func imm(v int64) string {
	if v < 0 {
		return fmt.Sprintf("-0x%x", uint64(-v))
	}
	return fmt.Sprintf("0x%x", v)
}

func (a *Assembler) want64(ops ...Reg) bool {
	for _, r := range ops {
		if r.Size != 8 {
			a.fail(errors.Errorf("%s: 64-bit register expected", r))
			return false
		}
	}
	return true
}
