package perw

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Offsets relative to the optional header start, keyed by Is64Bit.
var headerOffsets = struct {
	entryPoint, imageBase, checksum, dllCharacteristics, numberOfRvaAndSizes, dataDirectory map[bool]int64
}{
	entryPoint:          map[bool]int64{true: 16, false: 16},
	imageBase:           map[bool]int64{true: 24, false: 28},
	checksum:            map[bool]int64{true: 64, false: 64},
	dllCharacteristics:  map[bool]int64{true: 70, false: 70},
	numberOfRvaAndSizes: map[bool]int64{true: 108, false: 92},
	dataDirectory:       map[bool]int64{true: 112, false: 96},
}

const sizeOfImageOffset = 56 // same for PE32 and PE32+
const sizeOfHeadersOffset = 60

func (p *PEFile) directoryOffset(index int) (int64, error) {
	offsets, err := p.calculateOffsets()
	if err != nil {
		return 0, err
	}
	countOff := offsets.OptionalHeader + headerOffsets.numberOfRvaAndSizes[p.Is64Bit]
	if err := p.validateOffset(countOff, 4); err != nil {
		return 0, err
	}
	if uint32(index) >= binary.LittleEndian.Uint32(p.RawData[countOff:]) {
		return 0, errors.Errorf("data directory %d not present", index)
	}
	off := offsets.OptionalHeader + headerOffsets.dataDirectory[p.Is64Bit] + int64(index)*8
	if err := p.validateOffset(off, 8); err != nil {
		return 0, errors.Wrap(err, "directory offset validation failed")
	}
	return off, nil
}

// DataDirectory returns the current RVA and size of a data directory.
func (p *PEFile) DataDirectory(index int) (rva, size uint32, ok bool) {
	off, err := p.directoryOffset(index)
	if err != nil {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(p.RawData[off:]), binary.LittleEndian.Uint32(p.RawData[off+4:]), true
}

// HasDataDirectory reports whether a directory has both an RVA and a size.
func (p *PEFile) HasDataDirectory(index int) bool {
	rva, size, ok := p.DataDirectory(index)
	return ok && rva != 0 && size != 0
}

// ClearDataDirectory zeroes the RVA and size of a directory entry.
func (p *PEFile) ClearDataDirectory(index int) error {
	off, err := p.directoryOffset(index)
	if err != nil {
		return err
	}
	if err := WriteAtOffset(p.RawData, off, uint32(0)); err != nil {
		return err
	}
	return WriteAtOffset(p.RawData, off+4, uint32(0))
}

// True se il file ha la relocation table
func (p *PEFile) hasBaseRelocations() bool {
	return p.HasDataDirectory(DirBaseReloc)
}

// IsManaged reports a CLR runtime header.
func (p *PEFile) IsManaged() bool {
	return p.HasDataDirectory(DirCLR)
}

// RelocationSection returns the section hosting the base relocation table.
func (p *PEFile) RelocationSection() (*Section, bool) {
	if !p.hasBaseRelocations() {
		return nil, false
	}
	rva, _, _ := p.DataDirectory(DirBaseReloc)
	return p.SectionForRVA(rva)
}

// Converte RVA in offset fisico
func (p *PEFile) rvaToPhysical(rva uint32) (int64, error) {
	for _, section := range p.Sections {
		if rva >= section.VirtualAddress && rva < section.VirtualAddress+uint32(section.Size) {
			return section.Offset + int64(rva-section.VirtualAddress), nil
		}
	}
	return 0, errors.Errorf("RVA %x not found in any section", rva)
}

// shiftDebugData moves the raw pointers of the debug directory entries
// after the file body was shifted by delta bytes.
func (p *PEFile) shiftDebugData(delta int64) {
	rva, size, ok := p.DataDirectory(DirDebug)
	if !ok || rva == 0 || size == 0 {
		return
	}
	base, err := p.rvaToPhysical(rva)
	if err != nil {
		return
	}
	for off := base; off+debugEntrySize <= base+int64(size); off += debugEntrySize {
		if p.validateOffset(off, debugEntrySize) != nil {
			return
		}
		ptr := binary.LittleEndian.Uint32(p.RawData[off+24:])
		if ptr != 0 {
			_ = WriteAtOffset(p.RawData, off+24, ptr+uint32(delta))
		}
	}
}
