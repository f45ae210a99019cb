package perw

import "github.com/Binject/debug/pe"

// Section characteristics used by the packer.
const (
	ScnCntCode            uint32 = 0x00000020
	ScnCntInitializedData uint32 = 0x00000040
	ScnMemDiscardable     uint32 = 0x02000000
	ScnMemShared          uint32 = 0x10000000
	ScnMemExecute         uint32 = 0x20000000
	ScnMemRead            uint32 = 0x40000000
	ScnMemWrite           uint32 = 0x80000000
)

// DllCharacteristics bits.
const (
	DllHighEntropyVA  uint16 = 0x0020
	DllDynamicBase    uint16 = 0x0040
	DllForceIntegrity uint16 = 0x0080
	DllNXCompat       uint16 = 0x0100
	DllGuardCF        uint16 = 0x4000
)

// Data directory indexes.
const (
	DirExport      = 0
	DirImport      = 1
	DirResource    = 2
	DirException   = 3
	DirSecurity    = 4
	DirBaseReloc   = 5
	DirDebug       = 6
	DirTLS         = 9
	DirLoadConfig  = 10
	DirBoundImport = 11
	DirIAT         = 12
	DirCLR         = 14
)

const (
	dosHeaderSize     = 0x40
	peSignatureSize   = 4
	coffHeaderSize    = 20
	sectionHeaderSize = 40
	sectionNameSize   = 8
	debugEntrySize    = 28
)

type Section struct {
	Name           string
	Offset         int64 // PointerToRawData
	Size           int64 // SizeOfRawData
	VirtualAddress uint32
	VirtualSize    uint32
	Index          int
	Flags          uint32
}

// LoadedSize is the extent of the section once mapped.
func (s Section) LoadedSize() uint32 {
	if s.VirtualSize != 0 {
		return s.VirtualSize
	}
	return uint32(s.Size)
}

func (s Section) IsExecutable() bool { return s.Flags&ScnMemExecute != 0 }

type DirectoryEntry struct {
	Type uint16
	RVA  uint32
	Size uint32
}

// PEFile is a PE image held entirely in memory. RawData is the source of
// truth for serialization; the cached header fields follow every setter.
type PEFile struct {
	PE       *pe.File
	Is64Bit  bool
	FileName string
	Sections []Section
	RawData  []byte

	imageBase          uint64
	entryPoint         uint32
	sizeOfImage        uint32
	sizeOfHeaders      uint32
	fileAlignment      uint32
	sectionAlignment   uint32
	checksum           uint32
	subsystem          uint16
	dllCharacteristics uint16
	Machine            uint16
	magic              uint16

	directories []DirectoryEntry

	FileSize      int64
	HasOverlay    bool
	OverlayOffset int64
	OverlaySize   int64
	overlay       []byte
}

type PEOffsets struct {
	ELfanew          int64
	OptionalHeader   int64
	FirstSectionHdr  int64
	NumberOfSections int
	OptionalHdrSize  int
}
