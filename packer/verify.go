package packer

import (
	"bytes"

	"github.com/pkg/errors"

	"pepack/asm"
	"pepack/perw"
)

const (
	verifyStackTop  = 0x7ffe0000
	verifyStackSize = 0x100000
	verifyStepLimit = 1 << 28
)

// verify maps the finished image at its preferred base, runs the stub from
// the entry point until it reaches oep and checks that the registers the
// original program sees are the ones it was started with, and that every
// encrypted region reads back as plaintext. It returns the step count.
func verify(img *perw.PEFile, oep uint32, regions []EncryptedRegion) (int, error) {
	m, err := mapImage(img)
	if err != nil {
		return 0, err
	}

	m.Map(verifyStackTop-verifyStackSize, verifyStackSize)
	for i := range m.Regs {
		m.Regs[i] = 0x0101010101010101 * uint64(i+1)
	}
	m.Regs[asm.RSP.ID] = verifyStackTop - 0x28
	entry := m.Regs

	base := img.ImageBase()
	if err := m.Run(base+uint64(img.EntryPoint()), base+uint64(oep), verifyStepLimit); err != nil {
		return m.Steps, errors.Wrap(err, "stub did not reach the original entry point")
	}
	for i := range entry {
		if uint8(i) == trampolineTarget.ID || uint8(i) == trampolineTemp.ID {
			continue
		}
		if m.Regs[i] != entry[i] {
			r := asm.Reg{ID: uint8(i), Size: 8}
			return m.Steps, errors.Errorf("%s is 0x%x at the original entry, expected 0x%x", r, m.Regs[i], entry[i])
		}
	}
	for _, rg := range regions {
		got, err := m.Read(rg.start, len(rg.plain))
		if err != nil {
			return m.Steps, err
		}
		if !bytes.Equal(got, rg.plain) {
			return m.Steps, errors.Errorf("region %s not decrypted", rg.Name)
		}
	}
	return m.Steps, nil
}

// mapImage loads headers and sections the way the loader lays them out.
func mapImage(img *perw.PEFile) (*asm.Machine, error) {
	m := asm.NewMachine()
	base := img.ImageBase()
	hdr, err := img.ReadBytes(0, int(img.SizeOfHeaders()))
	if err != nil {
		return nil, errors.Wrap(err, "headers")
	}
	m.Write(base, hdr)
	for _, s := range img.Sections {
		addr := base + uint64(s.VirtualAddress)
		m.Map(addr, uint64(s.LoadedSize()))
		n := min(s.Size, int64(s.LoadedSize()))
		raw, err := img.ReadBytes(s.Offset, int(n))
		if err != nil {
			return nil, errors.Wrapf(err, "section %s", s.Name)
		}
		m.Write(addr, raw)
	}
	return m, nil
}
