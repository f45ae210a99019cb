package perw

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"
)

func CalculateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0.0
	}
	freq := make([]int, 256)
	for _, b := range data {
		freq[b]++
	}
	entropy := 0.0
	length := float64(len(data))
	for _, count := range freq {
		if count > 0 {
			p := float64(count) / length
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// DecodeSectionFlags returns human-readable section flags
func DecodeSectionFlags(flags uint32) string {
	var flagStrs []string
	if flags&ScnCntCode != 0 {
		flagStrs = append(flagStrs, "CODE")
	}
	if flags&ScnCntInitializedData != 0 {
		flagStrs = append(flagStrs, "INITIALIZED_DATA")
	}
	if flags&ScnMemExecute != 0 {
		flagStrs = append(flagStrs, "EXECUTABLE")
	}
	if flags&ScnMemRead != 0 {
		flagStrs = append(flagStrs, "READABLE")
	}
	if flags&ScnMemWrite != 0 {
		flagStrs = append(flagStrs, "WRITABLE")
	}
	if flags&ScnMemShared != 0 {
		flagStrs = append(flagStrs, "SHARED")
	}
	if flags&ScnMemDiscardable != 0 {
		flagStrs = append(flagStrs, "DISCARDABLE")
	}
	if len(flagStrs) == 0 {
		return "None"
	}
	return strings.Join(flagStrs, ", ")
}

func DecodeDLLCharacteristics(flags uint16) string {
	var out []string
	for _, f := range []struct {
		bit  uint16
		name string
	}{
		{DllHighEntropyVA, "HIGH_ENTROPY_VA"},
		{DllDynamicBase, "DYNAMIC_BASE"},
		{DllForceIntegrity, "FORCE_INTEGRITY"},
		{DllNXCompat, "NX_COMPAT"},
		{DllGuardCF, "GUARD_CF"},
	} {
		if flags&f.bit != 0 {
			out = append(out, f.name)
		}
	}
	if len(out) == 0 {
		return "None"
	}
	return strings.Join(out, ", ")
}

func (p *PEFile) calculateOffsets() (*PEOffsets, error) {
	if len(p.RawData) < dosHeaderSize {
		return nil, errors.New("file too small for DOS header")
	}

	offsets := &PEOffsets{
		ELfanew: int64(binary.LittleEndian.Uint32(p.RawData[0x3C:0x40])),
	}

	coffHeaderOffset := offsets.ELfanew + peSignatureSize
	offsets.OptionalHeader = coffHeaderOffset + coffHeaderSize

	if int(coffHeaderOffset+coffHeaderSize) > len(p.RawData) {
		return nil, errors.New("file too small for COFF header")
	}

	offsets.NumberOfSections = int(binary.LittleEndian.Uint16(p.RawData[coffHeaderOffset+2 : coffHeaderOffset+4]))
	offsets.OptionalHdrSize = int(binary.LittleEndian.Uint16(p.RawData[coffHeaderOffset+16 : coffHeaderOffset+18]))
	offsets.FirstSectionHdr = offsets.OptionalHeader + int64(offsets.OptionalHdrSize)

	return offsets, nil
}

func (p *PEFile) GetSectionByName(name string) (*Section, error) {
	for i := range p.Sections {
		if p.Sections[i].Name == name {
			return &p.Sections[i], nil
		}
	}
	return nil, errors.Errorf("section %q not found", name)
}

// SectionForRVA returns the section whose loaded span holds rva.
func (p *PEFile) SectionForRVA(rva uint32) (*Section, bool) {
	for i := range p.Sections {
		s := &p.Sections[i]
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.LoadedSize() {
			return s, true
		}
	}
	return nil, false
}

// CodeSection returns the section holding the entry point, falling back to
// the first section flagged as code.
func (p *PEFile) CodeSection() (*Section, error) {
	if s, ok := p.SectionForRVA(p.entryPoint); ok {
		return s, nil
	}
	for i := range p.Sections {
		if p.Sections[i].Flags&ScnCntCode != 0 {
			return &p.Sections[i], nil
		}
	}
	return nil, errors.New("no code section")
}

func (p *PEFile) GetSectionContent(index int) ([]byte, error) {
	if index < 0 || index >= len(p.Sections) {
		return nil, errors.Errorf("section index %d out of range", index)
	}
	s := p.Sections[index]
	return p.ReadBytes(s.Offset, int(s.Size))
}

func (p *PEFile) validateOffset(offset int64, size int) error {
	if offset < 0 || int(offset+int64(size)) > len(p.RawData) {
		return errors.Errorf("offset %d + size %d exceeds file size %d", offset, size, len(p.RawData))
	}
	return nil
}

// CalculatePhysicalFileSize is the end of the last byte covered by the
// headers or a section's raw data.
func (p *PEFile) CalculatePhysicalFileSize() (uint64, error) {
	if p.PE == nil {
		return 0, errors.New("PE file not initialized")
	}

	maxSize := uint64(p.SizeOfHeaders())
	for _, s := range p.Sections {
		if s.Size > 0 {
			end := uint64(s.Offset) + uint64(s.Size)
			if end > maxSize {
				maxSize = end
			}
		}
	}
	if maxSize > uint64(len(p.RawData)) {
		maxSize = uint64(len(p.RawData))
	}
	return maxSize, nil
}

func alignUp(v, alignment uint32) uint32 {
	return (v + alignment - 1) &^ (alignment - 1)
}

func alignUp64(v int64, alignment uint32) int64 {
	return (v + int64(alignment) - 1) &^ (int64(alignment) - 1)
}
