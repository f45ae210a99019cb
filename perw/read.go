package perw

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	magicPE32     = 0x10b
	magicPE32Plus = 0x20b
)

// ParsePE parses an in-memory image. The slice is copied. Images of any
// bitness are accepted here; callers decide what they support.
func ParsePE(data []byte, name string) (*PEFile, error) {
	if err := validateDOSHeader(data); err != nil {
		return nil, err
	}
	peLibFile, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		// relocation blocks are walked eagerly; an encrypted table fails there
		f, rerr := parseWithoutRelocations(data)
		if rerr != nil {
			return nil, errors.Wrap(err, "failed to parse PE structure")
		}
		log.Debugf("%s: relocation table unreadable (%v), parsed without it", name, err)
		peLibFile = f
	}
	pf := &PEFile{
		PE:       peLibFile,
		FileName: name,
		RawData:  append([]byte(nil), data...),
		FileSize: int64(len(data)),
	}
	if err := pf.parseHeaders(); err != nil {
		return nil, err
	}
	pf.Is64Bit = isPE64Bit(peLibFile) && pf.magic == magicPE32Plus
	if err := pf.parseSections(); err != nil {
		return nil, err
	}
	if err := pf.analyzeFile(); err != nil {
		return nil, err
	}
	return pf, nil
}

// parseWithoutRelocations parses a copy of data with the base-relocation
// directory cleared, then restores the entry in the parsed header.
func parseWithoutRelocations(data []byte) (*pe.File, error) {
	lfanew := int64(binary.LittleEndian.Uint32(data[0x3C:0x40]))
	opt := lfanew + peSignatureSize + coffHeaderSize
	if opt+2 > int64(len(data)) {
		return nil, errors.New("optional header truncated")
	}
	dirs := opt + 96
	if binary.LittleEndian.Uint16(data[opt:]) == magicPE32Plus {
		dirs = opt + 112
	}
	entry := dirs + DirBaseReloc*8
	if entry+8 > int64(len(data)) {
		return nil, errors.New("data directories truncated")
	}
	saved := pe.DataDirectory{
		VirtualAddress: binary.LittleEndian.Uint32(data[entry:]),
		Size:           binary.LittleEndian.Uint32(data[entry+4:]),
	}
	if saved.VirtualAddress == 0 && saved.Size == 0 {
		return nil, errors.New("no relocation directory")
	}

	patched := append([]byte(nil), data...)
	binary.LittleEndian.PutUint64(patched[entry:], 0)
	f, err := pe.NewFile(bytes.NewReader(patched))
	if err != nil {
		return nil, err
	}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		oh.DataDirectory[DirBaseReloc] = saved
	case *pe.OptionalHeader64:
		oh.DataDirectory[DirBaseReloc] = saved
	}
	return f, nil
}

func isPE64Bit(peFile *pe.File) bool {
	return peFile.FileHeader.Machine == pe.IMAGE_FILE_MACHINE_AMD64
}

func validateDOSHeader(data []byte) error {
	if len(data) < dosHeaderSize {
		return errors.New("file too small to be a valid PE file")
	}
	if data[0] != 'M' || data[1] != 'Z' {
		return errors.New("invalid DOS header signature")
	}
	lfanew := int64(binary.LittleEndian.Uint32(data[0x3C:0x40]))
	if lfanew+peSignatureSize+coffHeaderSize > int64(len(data)) || !bytes.Equal(data[lfanew:lfanew+4], []byte("PE\x00\x00")) {
		return errors.New("missing PE signature")
	}
	return nil
}

func (p *PEFile) parseHeaders() error {
	p.Machine = p.PE.FileHeader.Machine
	if p.PE.OptionalHeader == nil {
		return errors.New("optional header missing")
	}

	var dirs [16]pe.DataDirectory
	var count uint32
	switch oh := p.PE.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		p.magic = oh.Magic
		p.imageBase = uint64(oh.ImageBase)
		p.entryPoint = oh.AddressOfEntryPoint
		p.sizeOfImage = oh.SizeOfImage
		p.sizeOfHeaders = oh.SizeOfHeaders
		p.fileAlignment = oh.FileAlignment
		p.sectionAlignment = oh.SectionAlignment
		p.checksum = oh.CheckSum
		p.subsystem = oh.Subsystem
		p.dllCharacteristics = oh.DllCharacteristics
		dirs, count = oh.DataDirectory, oh.NumberOfRvaAndSizes
	case *pe.OptionalHeader64:
		p.magic = oh.Magic
		p.imageBase = oh.ImageBase
		p.entryPoint = oh.AddressOfEntryPoint
		p.sizeOfImage = oh.SizeOfImage
		p.sizeOfHeaders = oh.SizeOfHeaders
		p.fileAlignment = oh.FileAlignment
		p.sectionAlignment = oh.SectionAlignment
		p.checksum = oh.CheckSum
		p.subsystem = oh.Subsystem
		p.dllCharacteristics = oh.DllCharacteristics
		dirs, count = oh.DataDirectory, oh.NumberOfRvaAndSizes
	default:
		return errors.New("unsupported optional header type")
	}

	if p.fileAlignment == 0 || p.fileAlignment&(p.fileAlignment-1) != 0 {
		return errors.Errorf("invalid file alignment 0x%x", p.fileAlignment)
	}
	if p.sectionAlignment == 0 || p.sectionAlignment&(p.sectionAlignment-1) != 0 {
		return errors.Errorf("invalid section alignment 0x%x", p.sectionAlignment)
	}

	p.directories = p.directories[:0]
	for i := 0; i < len(dirs) && uint32(i) < count; i++ {
		if dirs[i].VirtualAddress == 0 && dirs[i].Size == 0 {
			continue
		}
		p.directories = append(p.directories, DirectoryEntry{
			Type: uint16(i),
			RVA:  dirs[i].VirtualAddress,
			Size: dirs[i].Size,
		})
	}
	return nil
}

func (p *PEFile) parseSections() error {
	p.Sections = make([]Section, 0, len(p.PE.Sections))
	for i, s := range p.PE.Sections {
		if s == nil {
			continue
		}
		if int64(s.Offset)+int64(s.Size) > int64(len(p.RawData)) {
			log.Warnf("section %s raw data truncated (0x%x+0x%x > 0x%x)", s.Name, s.Offset, s.Size, len(p.RawData))
		}
		p.Sections = append(p.Sections, Section{
			Name:           strings.TrimRight(s.Name, "\x00"),
			Offset:         int64(s.Offset),
			Size:           int64(s.Size),
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			Index:          i,
			Flags:          s.Characteristics,
		})
	}
	return nil
}

// analyzeFile detaches the overlay so new sections land right after the
// last section's raw data; Bytes puts it back.
func (p *PEFile) analyzeFile() error {
	calculatedSize, err := p.CalculatePhysicalFileSize()
	if err != nil {
		return err
	}
	if uint64(p.FileSize) > calculatedSize {
		p.HasOverlay = true
		p.OverlayOffset = int64(calculatedSize)
		p.OverlaySize = p.FileSize - int64(calculatedSize)
		p.overlay = append([]byte(nil), p.RawData[calculatedSize:]...)
		p.RawData = p.RawData[:calculatedSize]
	}
	return nil
}

func (p *PEFile) ReadBytes(offset int64, size int) ([]byte, error) {
	if offset < 0 || size < 0 {
		return nil, errors.Errorf("offset (%d) or size (%d) cannot be negative", offset, size)
	}
	if offset+int64(size) > int64(len(p.RawData)) {
		return nil, errors.Errorf("read beyond file limits: offset %d, size %d, file len %d",
			offset, size, len(p.RawData))
	}
	return p.RawData[offset : offset+int64(size)], nil
}

func (p *PEFile) Close() error {
	if p.PE != nil {
		return p.PE.Close()
	}
	return nil
}

func (p *PEFile) ImageBase() uint64 { return p.imageBase }

func (p *PEFile) EntryPoint() uint32 { return p.entryPoint }

func (p *PEFile) SizeOfImage() uint32 { return p.sizeOfImage }

func (p *PEFile) SizeOfHeaders() uint32 { return p.sizeOfHeaders }

func (p *PEFile) FileAlignment() uint32 { return p.fileAlignment }

func (p *PEFile) SectionAlignment() uint32 { return p.sectionAlignment }

func (p *PEFile) Checksum() uint32 { return p.checksum }

func (p *PEFile) Subsystem() uint16 { return p.subsystem }

func (p *PEFile) DllCharacteristics() uint16 { return p.dllCharacteristics }

// Directories lists the data directories present when the image was parsed.
func (p *PEFile) Directories() []DirectoryEntry { return p.directories }
