package asm

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Line is one decoded instruction of a listing.
type Line struct {
	Addr  uint64
	Bytes []byte
	Text  string
	Valid bool
}

// Disassemble performs a linear sweep over code loaded at base. Bytes that
// do not decode are reported one at a time as data, so the sweep resyncs
// the way a naive disassembler would.
func Disassemble(code []byte, base uint64) []Line {
	var lines []Line
	for off := 0; off < len(code); {
		pc := base + uint64(off)
		inst, err := x86asm.Decode(code[off:], 64)
		// a lone prefix decodes without error but with no opcode
		if err != nil || inst.Len == 0 || inst.Op == 0 {
			lines = append(lines, Line{Addr: pc, Bytes: code[off : off+1], Text: fmt.Sprintf("db 0x%02x", code[off])})
			off++
			continue
		}
		lines = append(lines, Line{
			Addr:  pc,
			Bytes: code[off : off+inst.Len],
			Text:  strings.ToLower(x86asm.IntelSyntax(inst, pc, nil)),
			Valid: true,
		})
		off += inst.Len
	}
	return lines
}

// WriteListing prints an address/bytes/mnemonic listing of code.
func WriteListing(w io.Writer, code []byte, base uint64) error {
	for _, l := range Disassemble(code, base) {
		if _, err := fmt.Fprintf(w, "%016x  %-30x  %s\n", l.Addr, l.Bytes, l.Text); err != nil {
			return err
		}
	}
	return nil
}
