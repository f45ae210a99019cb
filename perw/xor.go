package perw

import (
	"fmt"

	"github.com/pkg/errors"

	"pepack/common"
)

// XorVirtualRange XORs the bytes backing the absolute addresses
// [start, end) with key. The range must sit inside the loaded span of a
// single section and be backed by raw data; anything else is left alone and
// reported as skipped.
func (p *PEFile) XorVirtualRange(start, end uint64, key byte) *common.OperationResult {
	if start >= end {
		return common.NewSkipped(fmt.Sprintf("empty range 0x%x-0x%x", start, end))
	}
	if start < p.imageBase {
		return common.NewSkipped(fmt.Sprintf("range 0x%x-0x%x below image base", start, end))
	}
	s, ok := p.sectionContaining(start-p.imageBase, end-p.imageBase)
	if !ok {
		return common.NewSkipped(fmt.Sprintf("range 0x%x-0x%x not inside a single section", start, end))
	}
	rel := int64(start - p.imageBase - uint64(s.VirtualAddress))
	n := int64(end - start)
	if rel+n > s.Size || p.validateOffset(s.Offset+rel, int(n)) != nil {
		return common.NewSkipped(fmt.Sprintf("range 0x%x-0x%x extends past the raw data of %s", start, end, s.Name))
	}
	xorBytes(p.RawData[s.Offset+rel:s.Offset+rel+n], key)
	return common.NewApplied(fmt.Sprintf("encrypted 0x%x-0x%x in %s", start, end, s.Name), int(n))
}

func (p *PEFile) sectionContaining(startRVA, endRVA uint64) (*Section, bool) {
	for i := range p.Sections {
		s := &p.Sections[i]
		lo := uint64(s.VirtualAddress)
		hi := lo + uint64(s.LoadedSize())
		if startRVA >= lo && endRVA <= hi {
			return s, true
		}
	}
	return nil, false
}

// XorSection XORs the raw data of the named section with key. Only the part
// that is both on disk and mapped is touched; the returned section describes
// what was encrypted through its VirtualSize.
func (p *PEFile) XorSection(name string, key byte) (Section, *common.OperationResult) {
	s, err := p.GetSectionByName(name)
	if err != nil {
		return Section{}, common.NewSkipped(err.Error())
	}
	n := s.Size
	if s.VirtualSize != 0 && int64(s.VirtualSize) < n {
		n = int64(s.VirtualSize)
	}
	if n == 0 || p.validateOffset(s.Offset, int(n)) != nil {
		return *s, common.NewSkipped(fmt.Sprintf("section %s has no raw data", name))
	}
	xorBytes(p.RawData[s.Offset:s.Offset+n], key)
	out := *s
	out.VirtualSize = uint32(n)
	return out, common.NewApplied(fmt.Sprintf("encrypted section %s", name), int(n))
}

func xorBytes(b []byte, key byte) {
	for i := range b {
		b[i] ^= key
	}
}

// ReadVirtual returns a copy of n bytes at the absolute address addr, read
// from the raw data of the section that maps them.
func (p *PEFile) ReadVirtual(addr uint64, n int) ([]byte, error) {
	if addr < p.imageBase {
		return nil, errors.Errorf("address 0x%x below image base", addr)
	}
	s, ok := p.sectionContaining(addr-p.imageBase, addr-p.imageBase+uint64(n))
	if !ok {
		return nil, errors.Errorf("0x%x+0x%x not inside a single section", addr, n)
	}
	rel := int64(addr - p.imageBase - uint64(s.VirtualAddress))
	b, err := p.ReadBytes(s.Offset+rel, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}
