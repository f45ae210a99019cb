package obf

// jmpRel32Opcode starts a five byte near jump.
const jmpRel32Opcode = 0xE9

// AntiDisasm emits je/jne to the same label followed by a lone jmp rel32
// opcode. Exactly one branch is taken at runtime; a linear sweep decodes
// the opcode and swallows the next four bytes as its displacement.
func (e *Emitter) AntiDisasm() {
	e.count("anti-disasm")
	a := e.a
	l := a.NewLabel()
	a.Je(l)
	a.Jne(l)
	a.Db(jmpRel32Opcode)
	if e.filler {
		e.Filler(1, 0x100)
	}
	a.Bind(l)
}
