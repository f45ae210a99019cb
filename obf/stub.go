package obf

import "pepack/asm"

// Registers of the decryption loop. All of them are in Scratch.
var (
	stubBase    = asm.RCX
	stubCounter = asm.RBX
	stubKey     = asm.AL
)

// DecryptLoop emits a loop XORing the n bytes at the absolute address start
// with key:
//
//	rcx = start (RIP relative) ; mov rbx, n ; mov al, key
//	loop: cmp rbx, 0 ; je end ; xor byte [rcx], al ; inc rcx ; dec rbx ; jmp loop
//	end:
//
// The assembler needs its load address bound.
func DecryptLoop(a *asm.Assembler, start, n uint64, key byte) {
	loop := a.NewLabel()
	end := a.NewLabel()

	a.LeaAbs(stubBase, start)
	a.MovImm(stubCounter, n)
	a.MovImm(stubKey, uint64(key))

	a.Bind(loop)
	a.CmpImm(stubCounter, 0)
	a.Je(end)
	a.XorMem8(stubBase, stubKey)
	a.Inc(stubBase)
	a.Dec(stubCounter)
	a.Jmp(loop)
	a.Bind(end)
}
