package perw

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// AppendSection adds a section header after the last section. The virtual
// address is final; reserve zero bytes of raw data stand in for the content
// until SetSectionContent replaces them.
func (p *PEFile) AppendSection(name string, flags uint32, reserve uint32) (Section, error) {
	if len(name) == 0 || len(name) > sectionNameSize {
		return Section{}, errors.Errorf("invalid section name %q", name)
	}
	if _, err := p.GetSectionByName(name); err == nil {
		log.Warnf("section %s already exists, adding another one", name)
	}
	if err := p.ensureSpaceForNewSectionHeader(); err != nil {
		return Section{}, errors.Wrap(err, "cannot expand headers")
	}

	rawSize := alignUp(reserve, p.fileAlignment)
	newOffset := alignUp64(int64(len(p.RawData)), p.fileAlignment)
	p.extendRawDataIfNeeded(newOffset + int64(rawSize))

	sec := Section{
		Name:           name,
		Offset:         newOffset,
		Size:           int64(rawSize),
		VirtualAddress: p.findNewSectionRVA(),
		VirtualSize:    reserve,
		Index:          len(p.Sections),
		Flags:          flags,
	}
	p.Sections = append(p.Sections, sec)
	if err := p.syncSectionTable(); err != nil {
		p.Sections = p.Sections[:len(p.Sections)-1]
		return Section{}, errors.Wrap(err, "header modification failed")
	}
	return sec, nil
}

// SetSectionContent replaces the raw data of the last section and sets its
// virtual size to the content length.
func (p *PEFile) SetSectionContent(index int, content []byte) error {
	if index != len(p.Sections)-1 {
		return errors.Errorf("section %d is not the last section", index)
	}
	sec := &p.Sections[index]
	rawSize := alignUp(uint32(len(content)), p.fileAlignment)
	p.RawData = p.RawData[:sec.Offset]
	p.extendRawDataIfNeeded(sec.Offset + int64(rawSize))
	copy(p.RawData[sec.Offset:], content)
	sec.Size = int64(rawSize)
	sec.VirtualSize = uint32(len(content))
	return p.syncSectionTable()
}

func (p *PEFile) syncSectionTable() error {
	offsets, err := p.calculateOffsets()
	if err != nil {
		return err
	}
	if err := p.updateSectionHeaders(offsets.ELfanew, uint16(offsets.OptionalHdrSize)); err != nil {
		return err
	}
	return p.updateSizeOfImage()
}

func (p *PEFile) findNewSectionRVA() uint32 {
	maxEnd := alignUp(p.sizeOfHeaders, p.sectionAlignment)
	for _, section := range p.Sections {
		alignedEnd := alignUp(section.VirtualAddress+section.LoadedSize(), p.sectionAlignment)
		if alignedEnd > maxEnd {
			maxEnd = alignedEnd
		}
	}
	return maxEnd
}

func (p *PEFile) extendRawDataIfNeeded(neededSize int64) {
	if neededSize > int64(len(p.RawData)) {
		p.RawData = append(p.RawData, make([]byte, neededSize-int64(len(p.RawData)))...)
	}
}

func (p *PEFile) updateSectionHeaders(peHeaderOffset int64, optionalHeaderSize uint16) error {
	if err := WriteAtOffset(p.RawData, peHeaderOffset+6, uint16(len(p.Sections))); err != nil {
		return errors.Wrap(err, "unable to update section count")
	}
	headerOffset := peHeaderOffset + peSignatureSize + coffHeaderSize + int64(optionalHeaderSize)
	for i, section := range p.Sections {
		if err := p.writeSectionHeader(headerOffset+int64(i*sectionHeaderSize), section); err != nil {
			return errors.Wrapf(err, "failed to write section header %d", i)
		}
	}
	return nil
}

// writeSectionHeader rewrites the fields the packer owns and leaves the
// relocation and line-number fields of existing headers untouched.
func (p *PEFile) writeSectionHeader(offset int64, section Section) error {
	if err := p.validateOffset(offset, sectionHeaderSize); err != nil {
		return errors.Wrap(err, "section header out of bounds")
	}
	var name [sectionNameSize]byte
	copy(name[:], section.Name)
	if err := WriteAtOffset(p.RawData, offset, name[:]); err != nil {
		return err
	}
	for _, f := range []struct {
		at int64
		v  uint32
	}{
		{8, section.VirtualSize},
		{12, section.VirtualAddress},
		{16, uint32(section.Size)},
		{20, uint32(section.Offset)},
		{36, section.Flags},
	} {
		if err := WriteAtOffset(p.RawData, offset+f.at, f.v); err != nil {
			return err
		}
	}
	return nil
}

func (p *PEFile) updateSizeOfImage() error {
	offsets, err := p.calculateOffsets()
	if err != nil {
		return err
	}
	end := alignUp(p.sizeOfHeaders, p.sectionAlignment)
	for _, section := range p.Sections {
		if e := alignUp(section.VirtualAddress+section.LoadedSize(), p.sectionAlignment); e > end {
			end = e
		}
	}
	if err := WriteAtOffset(p.RawData, offsets.OptionalHeader+sizeOfImageOffset, end); err != nil {
		return errors.Wrap(err, "SizeOfImage update failed")
	}
	p.sizeOfImage = end
	return nil
}

func (p *PEFile) ensureSpaceForNewSectionHeader() error {
	offsets, err := p.calculateOffsets()
	if err != nil {
		return err
	}
	slot := offsets.FirstSectionHdr + int64(len(p.Sections))*sectionHeaderSize
	newHeaderEnd := slot + sectionHeaderSize
	if err := p.validateOffset(slot, 0); err != nil {
		return err
	}

	if newHeaderEnd <= p.firstRawOffset() && newHeaderEnd <= int64(p.sizeOfHeaders) {
		if !p.slotInUse(slot) {
			return nil
		}
		// Bound imports commonly sit right behind the section table. The
		// loader resolves imports normally without them.
		if rva, _, ok := p.DataDirectory(DirBoundImport); ok && rva != 0 && int64(rva) < newHeaderEnd {
			log.Warnf("dropping bound import directory to make room for a section header")
			if err := p.ClearDataDirectory(DirBoundImport); err != nil {
				return err
			}
			for i := slot; i < newHeaderEnd; i++ {
				p.RawData[i] = 0
			}
			return nil
		}
		return errors.New("no free space behind the section table")
	}
	return p.expandHeaderSpace(newHeaderEnd)
}

func (p *PEFile) slotInUse(slot int64) bool {
	for _, b := range p.RawData[slot : slot+sectionHeaderSize] {
		if b != 0 {
			return true
		}
	}
	return false
}

func (p *PEFile) firstRawOffset() int64 {
	first := int64(len(p.RawData))
	for _, section := range p.Sections {
		if section.Size > 0 && section.Offset > 0 && section.Offset < first {
			first = section.Offset
		}
	}
	return first
}

// expandHeaderSpace grows SizeOfHeaders to cover headerEnd and shifts every
// section's raw data by the same file-aligned amount.
func (p *PEFile) expandHeaderSpace(headerEnd int64) error {
	newSizeOfHeaders := alignUp(uint32(headerEnd), p.fileAlignment)
	lowestVA := ^uint32(0)
	for _, section := range p.Sections {
		if section.VirtualAddress < lowestVA {
			lowestVA = section.VirtualAddress
		}
	}
	if newSizeOfHeaders > lowestVA {
		return errors.Errorf("headers would need 0x%x bytes but the first section starts at 0x%x", newSizeOfHeaders, lowestVA)
	}

	if newSizeOfHeaders < p.sizeOfHeaders {
		newSizeOfHeaders = p.sizeOfHeaders
	}

	firstRaw := p.firstRawOffset()
	var delta int64
	if headerEnd > firstRaw {
		delta = alignUp64(headerEnd-firstRaw, p.fileAlignment)
	}
	if delta > 0 {
		body := append([]byte(nil), p.RawData[firstRaw:]...)
		p.extendRawDataIfNeeded(int64(len(p.RawData)) + delta)
		copy(p.RawData[firstRaw+delta:], body)
		for i := firstRaw; i < firstRaw+delta; i++ {
			p.RawData[i] = 0
		}
		for i := range p.Sections {
			if p.Sections[i].Size > 0 {
				p.Sections[i].Offset += delta
			}
		}
		p.shiftDebugData(delta)
	}

	offsets, err := p.calculateOffsets()
	if err != nil {
		return err
	}
	if err := WriteAtOffset(p.RawData, offsets.OptionalHeader+sizeOfHeadersOffset, newSizeOfHeaders); err != nil {
		return err
	}
	p.sizeOfHeaders = newSizeOfHeaders
	log.Debugf("expanded headers to 0x%x bytes, shifted raw data by 0x%x", newSizeOfHeaders, delta)
	return p.syncSectionTable()
}
