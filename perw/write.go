package perw

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// WriteAtOffset writes a value to rawData at a specific offset, ensuring bounds and endianness.
func WriteAtOffset(rawData []byte, offset int64, value interface{}) error {
	size := 0
	switch v := value.(type) {
	case uint32:
		size = 4
		if offset < 0 || int(offset)+size > len(rawData) {
			return errors.Errorf("offset out of range: %d", offset)
		}
		binary.LittleEndian.PutUint32(rawData[int(offset):int(offset)+size], v)
	case uint64:
		size = 8
		if offset < 0 || int(offset)+size > len(rawData) {
			return errors.Errorf("offset out of range: %d", offset)
		}
		binary.LittleEndian.PutUint64(rawData[int(offset):int(offset)+size], v)
	case uint16:
		size = 2
		if offset < 0 || int(offset)+size > len(rawData) {
			return errors.Errorf("offset out of range: %d", offset)
		}
		binary.LittleEndian.PutUint16(rawData[int(offset):int(offset)+size], v)
	case uint8:
		if offset < 0 || int(offset) >= len(rawData) {
			return errors.Errorf("offset out of range: %d", offset)
		}
		rawData[int(offset)] = v
	case []byte:
		size = len(v)
		if offset < 0 || int(offset)+size > len(rawData) {
			return errors.Errorf("offset out of range: %d", offset)
		}
		copy(rawData[int(offset):int(offset)+size], v)
	default:
		return errors.Errorf("unsupported type: %T", value)
	}
	return nil
}

// SetEntryPoint writes AddressOfEntryPoint.
func (p *PEFile) SetEntryPoint(rva uint32) error {
	offsets, err := p.calculateOffsets()
	if err != nil {
		return err
	}
	if err := WriteAtOffset(p.RawData, offsets.OptionalHeader+headerOffsets.entryPoint[p.Is64Bit], rva); err != nil {
		return errors.Wrap(err, "failed to write entry point")
	}
	p.entryPoint = rva
	return nil
}

// SetDllCharacteristics writes the optional header DllCharacteristics.
func (p *PEFile) SetDllCharacteristics(v uint16) error {
	offsets, err := p.calculateOffsets()
	if err != nil {
		return err
	}
	if err := WriteAtOffset(p.RawData, offsets.OptionalHeader+headerOffsets.dllCharacteristics[p.Is64Bit], v); err != nil {
		return errors.Wrap(err, "failed to write DllCharacteristics")
	}
	p.dllCharacteristics = v
	return nil
}

// SetSectionFlags replaces the characteristics of a section.
func (p *PEFile) SetSectionFlags(index int, flags uint32) error {
	if index < 0 || index >= len(p.Sections) {
		return errors.Errorf("section index %d out of range", index)
	}
	p.Sections[index].Flags = flags
	offsets, err := p.calculateOffsets()
	if err != nil {
		return err
	}
	return p.writeSectionHeader(offsets.FirstSectionHdr+int64(index*sectionHeaderSize), p.Sections[index])
}

// UpdateCOFFHeader updates the COFF header fields in RawData.
func (p *PEFile) UpdateCOFFHeader() error {
	offsets, err := p.calculateOffsets()
	if err != nil {
		return err
	}
	return WriteAtOffset(p.RawData, offsets.ELfanew+peSignatureSize+2, uint16(len(p.Sections)))
}

// Bytes serializes the image: headers and sections, then the overlay, with
// a freshly computed checksum.
func (p *PEFile) Bytes() ([]byte, error) {
	if err := p.UpdateCOFFHeader(); err != nil {
		return nil, errors.Wrap(err, "failed to update COFF header")
	}
	out := make([]byte, 0, len(p.RawData)+len(p.overlay))
	out = append(out, p.RawData...)
	out = append(out, p.overlay...)

	offsets, err := p.calculateOffsets()
	if err != nil {
		return nil, err
	}
	sumOff := offsets.OptionalHeader + headerOffsets.checksum[p.Is64Bit]
	if err := WriteAtOffset(out, sumOff, uint32(0)); err != nil {
		return nil, err
	}
	sum := Checksum(out, sumOff)
	if err := WriteAtOffset(out, sumOff, sum); err != nil {
		return nil, err
	}
	p.checksum = sum
	return out, nil
}

// Checksum computes the PE image checksum of data, skipping the four bytes
// of the checksum field at sumOff.
func Checksum(data []byte, sumOff int64) uint32 {
	var sum uint64
	for i := 0; i < len(data); i += 2 {
		if int64(i) >= sumOff && int64(i) < sumOff+4 {
			continue
		}
		var w uint64
		if i+1 < len(data) {
			w = uint64(binary.LittleEndian.Uint16(data[i:]))
		} else {
			w = uint64(data[i])
		}
		sum += w
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return uint32(sum) + uint32(len(data))
}
