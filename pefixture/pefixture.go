// Package pefixture builds small, well-formed PE images for tests.
package pefixture

import (
	"encoding/binary"
)

const (
	dosHeaderSize        = 64
	peSignatureSize      = 4
	coffFileHeaderSize   = 20
	optionalHeader64Size = 240
	optionalHeader32Size = 224
	sectionHeaderSize    = 40

	MachineAMD64 = 0x8664
	MachineI386  = 0x14c

	pe32Magic     = 0x10b
	pe32PlusMagic = 0x20b

	FileAlignment    = 0x200
	SectionAlignment = 0x1000
	SizeOfHeaders    = 0x400

	DefaultImageBase = 0x140000000
	DefaultDllChars  = 0x8160 // TS aware, NX, dynamic base, high entropy
)

type Section struct {
	Name        string
	VirtualSize uint32 // 0 means len(Data)
	RawSize     uint32 // 0 means len(Data) aligned
	Flags       uint32
	Data        []byte
}

type Options struct {
	PE32               bool
	ImageBase          uint64
	EntryRVA           uint32
	DllCharacteristics uint16
	Sections           []Section
	// Directories maps a data directory index to {rva, size}.
	Directories map[int][2]uint32
	Overlay     []byte
}

// Pattern returns n deterministic bytes.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) + seed
	}
	return b
}

// relocBlock is one base relocation block for page 0x1000 with a single
// DIR64 entry and a padding entry.
func relocBlock() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], 0x1000)
	binary.LittleEndian.PutUint32(b[4:], 12)
	binary.LittleEndian.PutUint16(b[8:], 0xA010)
	return b
}

// Default is a 64-bit image with .text, .rdata and .reloc, entry at the
// start of .text and ASLR enabled.
func Default() Options {
	text := Pattern(0x400, 0x11)
	copy(text, []byte{0x48, 0x31, 0xC0, 0xC3}) // xor rax, rax; ret
	return Options{
		ImageBase:          DefaultImageBase,
		EntryRVA:           0x1000,
		DllCharacteristics: DefaultDllChars,
		Sections: []Section{
			{Name: ".text", Flags: 0x60000020, Data: text},
			{Name: ".rdata", Flags: 0x40000040, Data: Pattern(0x200, 0x55)},
			{Name: ".reloc", Flags: 0x42000040, Data: relocBlock(), VirtualSize: 12},
		},
		Directories: map[int][2]uint32{5: {0x3000, 12}},
	}
}

func align(v, a uint32) uint32 { return (v + a - 1) &^ (a - 1) }

// Build lays the image out: headers in the first 0x400 bytes, sections at
// consecutive file-aligned offsets and 0x1000-aligned RVAs from 0x1000.
func Build(o Options) []byte {
	optSize := optionalHeader64Size
	machine := uint16(MachineAMD64)
	magic := uint16(pe32PlusMagic)
	if o.PE32 {
		optSize = optionalHeader32Size
		machine = MachineI386
		magic = pe32Magic
	}

	type placed struct {
		s          Section
		va, off    uint32
		vsize, raw uint32
	}
	var layout []placed
	va, off := uint32(SectionAlignment), uint32(SizeOfHeaders)
	for _, s := range o.Sections {
		raw := s.RawSize
		if raw == 0 {
			raw = align(uint32(len(s.Data)), FileAlignment)
		}
		vsize := s.VirtualSize
		if vsize == 0 {
			vsize = uint32(len(s.Data))
		}
		layout = append(layout, placed{s: s, va: va, off: off, vsize: vsize, raw: raw})
		va += align(max(vsize, raw, 1), SectionAlignment)
		off += raw
	}
	sizeOfImage := va

	data := make([]byte, off)
	le := binary.LittleEndian

	// DOS Header
	data[0], data[1] = 'M', 'Z'
	le.PutUint32(data[0x3C:], dosHeaderSize)

	// PE Signature
	copy(data[dosHeaderSize:], []byte{'P', 'E', 0, 0})

	// COFF Header
	coff := dosHeaderSize + peSignatureSize
	le.PutUint16(data[coff:], machine)
	le.PutUint16(data[coff+2:], uint16(len(o.Sections)))
	le.PutUint16(data[coff+16:], uint16(optSize))
	le.PutUint16(data[coff+18:], 0x0022) // executable, large address aware

	// Optional Header
	opt := coff + coffFileHeaderSize
	le.PutUint16(data[opt:], magic)
	le.PutUint32(data[opt+16:], o.EntryRVA)
	if o.PE32 {
		le.PutUint32(data[opt+28:], uint32(o.ImageBase))
	} else {
		le.PutUint64(data[opt+24:], o.ImageBase)
	}
	le.PutUint32(data[opt+32:], SectionAlignment)
	le.PutUint32(data[opt+36:], FileAlignment)
	le.PutUint16(data[opt+40:], 6) // OS version
	le.PutUint16(data[opt+48:], 6) // subsystem version
	le.PutUint32(data[opt+56:], sizeOfImage)
	le.PutUint32(data[opt+60:], SizeOfHeaders)
	le.PutUint16(data[opt+68:], 3) // console
	le.PutUint16(data[opt+70:], o.DllCharacteristics)
	dirBase, countOff := opt+112, opt+108
	if o.PE32 {
		dirBase, countOff = opt+96, opt+92
	}
	le.PutUint32(data[countOff:], 16)
	for i, d := range o.Directories {
		le.PutUint32(data[dirBase+i*8:], d[0])
		le.PutUint32(data[dirBase+i*8+4:], d[1])
	}

	// Section Headers and data
	hdr := opt + optSize
	for i, p := range layout {
		h := hdr + i*sectionHeaderSize
		copy(data[h:h+8], p.s.Name)
		le.PutUint32(data[h+8:], p.vsize)
		le.PutUint32(data[h+12:], p.va)
		le.PutUint32(data[h+16:], p.raw)
		le.PutUint32(data[h+20:], p.off)
		le.PutUint32(data[h+36:], p.s.Flags)
		copy(data[p.off:p.off+p.raw], p.s.Data)
	}

	return append(data, o.Overlay...)
}

// SectionHeaderOffset returns the file offset of section header i.
func SectionHeaderOffset(o Options, i int) int {
	optSize := optionalHeader64Size
	if o.PE32 {
		optSize = optionalHeader32Size
	}
	return dosHeaderSize + peSignatureSize + coffFileHeaderSize + optSize + i*sectionHeaderSize
}
