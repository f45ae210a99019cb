package perw

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"pepack/pefixture"
)

const (
	base         = pefixture.DefaultImageBase
	optHeaderOff = 64 + 4 + 20
)

func mustParse(t *testing.T, data []byte) *PEFile {
	t.Helper()
	p, err := ParsePE(data, "fixture")
	if err != nil {
		t.Fatalf("ParsePE: %v", err)
	}
	return p
}

func TestParsePE(t *testing.T) {
	p := mustParse(t, pefixture.Build(pefixture.Default()))
	if !p.Is64Bit || p.Machine != pefixture.MachineAMD64 {
		t.Errorf("Is64Bit=%v machine=0x%x", p.Is64Bit, p.Machine)
	}
	if p.ImageBase() != base || p.EntryPoint() != 0x1000 {
		t.Errorf("image base 0x%x entry 0x%x", p.ImageBase(), p.EntryPoint())
	}
	if p.FileAlignment() != 0x200 || p.SectionAlignment() != 0x1000 || p.SizeOfHeaders() != 0x400 {
		t.Errorf("alignment 0x%x/0x%x headers 0x%x", p.FileAlignment(), p.SectionAlignment(), p.SizeOfHeaders())
	}
	if p.SizeOfImage() != 0x4000 {
		t.Errorf("SizeOfImage 0x%x", p.SizeOfImage())
	}
	var names []string
	for _, s := range p.Sections {
		names = append(names, s.Name)
	}
	if strings.Join(names, ",") != ".text,.rdata,.reloc" {
		t.Errorf("sections %v", names)
	}
	if !strings.Contains(DecodeDLLCharacteristics(p.DllCharacteristics()), "DYNAMIC_BASE") {
		t.Errorf("DllCharacteristics %s", DecodeDLLCharacteristics(p.DllCharacteristics()))
	}
	if rva, size, ok := p.DataDirectory(DirBaseReloc); !ok || rva != 0x3000 || size != 12 {
		t.Errorf("reloc directory 0x%x/%d/%v", rva, size, ok)
	}
	if s, ok := p.RelocationSection(); !ok || s.Name != ".reloc" {
		t.Errorf("relocation section %v", s)
	}
	if s, err := p.CodeSection(); err != nil || s.Name != ".text" {
		t.Errorf("code section %v %v", s, err)
	}
	if p.IsManaged() || p.HasOverlay {
		t.Error("plain fixture reported as managed or with overlay")
	}
}

func TestParsePE32(t *testing.T) {
	o := pefixture.Default()
	o.PE32 = true
	o.ImageBase = 0x400000
	p := mustParse(t, pefixture.Build(o))
	if p.Is64Bit || p.ImageBase() != 0x400000 {
		t.Errorf("Is64Bit=%v image base 0x%x", p.Is64Bit, p.ImageBase())
	}
	if rva, _, ok := p.DataDirectory(DirBaseReloc); !ok || rva != 0x3000 {
		t.Errorf("PE32 directory offsets wrong: 0x%x", rva)
	}
}

func TestParseRejects(t *testing.T) {
	good := pefixture.Build(pefixture.Default())
	noMZ := append([]byte(nil), good...)
	noMZ[0] = 'X'
	noPE := append([]byte(nil), good...)
	noPE[64] = 'X'

	for name, data := range map[string][]byte{
		"short": good[:10],
		"no MZ": noMZ,
		"no PE": noPE,
	} {
		if _, err := ParsePE(data, name); err == nil {
			t.Errorf("%s: parsed", name)
		}
	}
}

func TestAppendSection(t *testing.T) {
	p := mustParse(t, pefixture.Build(pefixture.Default()))
	sec, err := p.AppendSection(".ptext", ScnCntCode|ScnMemExecute|ScnMemRead, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if sec.VirtualAddress != 0x4000 || sec.Offset != 0xC00 || sec.Index != 3 {
		t.Errorf("new section %+v", sec)
	}

	content := bytes.Repeat([]byte{0xCC}, 0x345)
	if err := p.SetSectionContent(sec.Index, content); err != nil {
		t.Fatal(err)
	}
	if err := p.SetSectionContent(0, content); err == nil {
		t.Error("content of a middle section replaced")
	}
	out, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	q := mustParse(t, out)
	if len(q.Sections) != 4 {
		t.Fatalf("%d sections", len(q.Sections))
	}
	s := q.Sections[3]
	if s.Name != ".ptext" || s.VirtualSize != 0x345 || s.Size != 0x400 || !s.IsExecutable() {
		t.Errorf("section %+v", s)
	}
	if q.SizeOfImage() != 0x5000 {
		t.Errorf("SizeOfImage 0x%x", q.SizeOfImage())
	}
	got, err := q.GetSectionContent(3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:0x345], content) || got[0x345] != 0 {
		t.Error("section content not stored")
	}

	if _, err := p.AppendSection(".toolongname", 0, 0x10); err == nil {
		t.Error("nine byte name accepted")
	}
}

func TestXorVirtualRange(t *testing.T) {
	cases := []struct {
		name       string
		start, end uint64
		applied    bool
	}{
		{"inside text", base + 0x1000, base + 0x1050, true},
		{"whole text", base + 0x1000, base + 0x1400, true},
		{"straddling", base + 0x13F0, base + 0x2010, false},
		{"past loaded size", base + 0x3000, base + 0x3010, false},
		{"below image base", 0x1000, 0x1050, false},
		{"empty", base + 0x1050, base + 0x1050, false},
		{"reversed", base + 0x1050, base + 0x1000, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := pefixture.Build(pefixture.Default())
			p := mustParse(t, input)
			res := p.XorVirtualRange(tc.start, tc.end, 0x5A)
			if res.Applied != tc.applied {
				t.Fatalf("applied=%v: %s", res.Applied, res.Message)
			}
			if !tc.applied {
				if !bytes.Equal(p.RawData, input) {
					t.Error("skipped range modified the image")
				}
				return
			}
			if res.Count != int(tc.end-tc.start) {
				t.Errorf("count %d", res.Count)
			}
			off := int64(0x400 + tc.start - base - 0x1000)
			if p.RawData[off] != input[off]^0x5A {
				t.Error("first byte not encrypted")
			}
			p.XorVirtualRange(tc.start, tc.end, 0x5A)
			if !bytes.Equal(p.RawData, input) {
				t.Error("second XOR did not restore the image")
			}
		})
	}
}

func TestXorSection(t *testing.T) {
	input := pefixture.Build(pefixture.Default())
	p := mustParse(t, input)

	s, res := p.XorSection(".reloc", 0x11)
	if !res.Applied || s.VirtualSize != 12 || res.Count != 12 {
		t.Fatalf("%s: %+v", res, s)
	}
	if p.RawData[0xA00] != input[0xA00]^0x11 || p.RawData[0xA00+12] != input[0xA00+12] {
		t.Error("wrong bytes encrypted")
	}

	if _, res := p.XorSection(".nope", 0x11); res.Applied {
		t.Error("missing section encrypted")
	}
}

func TestParseEncryptedRelocations(t *testing.T) {
	p := mustParse(t, pefixture.Build(pefixture.Default()))
	if _, res := p.XorSection(".reloc", 0x5A); !res.Applied {
		t.Fatal(res)
	}
	out, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	q := mustParse(t, out)
	if len(q.Sections) != 3 {
		t.Errorf("%d sections", len(q.Sections))
	}
	if rva, size, ok := q.DataDirectory(DirBaseReloc); !ok || rva != 0x3000 || size != 12 {
		t.Errorf("reloc directory 0x%x/%d", rva, size)
	}
	if q.RawData[0xA00] != out[0xA00] {
		t.Error("relocation bytes changed by the parse")
	}
}

func TestReadVirtual(t *testing.T) {
	input := pefixture.Build(pefixture.Default())
	p := mustParse(t, input)
	b, err := p.ReadVirtual(base+0x2010, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, input[0x810:0x820]) {
		t.Errorf("read % x", b)
	}
	b[0] ^= 0xFF
	if p.RawData[0x810] != input[0x810] {
		t.Error("ReadVirtual returned a view, not a copy")
	}
	if _, err := p.ReadVirtual(base+0x13F0, 0x20); err == nil {
		t.Error("read across sections")
	}
}

func TestHeaderSetters(t *testing.T) {
	p := mustParse(t, pefixture.Build(pefixture.Default()))
	if err := p.SetEntryPoint(0x2000); err != nil {
		t.Fatal(err)
	}
	if err := p.SetDllCharacteristics(p.DllCharacteristics() &^ DllDynamicBase); err != nil {
		t.Fatal(err)
	}
	if err := p.SetSectionFlags(0, ScnMemRead|ScnMemWrite|ScnMemExecute|ScnCntCode); err != nil {
		t.Fatal(err)
	}
	if err := p.SetSectionFlags(7, 0); err == nil {
		t.Error("out of range section index accepted")
	}
	out, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	q := mustParse(t, out)
	if q.EntryPoint() != 0x2000 {
		t.Errorf("entry 0x%x", q.EntryPoint())
	}
	if q.DllCharacteristics()&DllDynamicBase != 0 {
		t.Error("DYNAMIC_BASE still set")
	}
	if f := DecodeSectionFlags(q.Sections[0].Flags); f != "CODE, EXECUTABLE, READABLE, WRITABLE" {
		t.Errorf(".text flags %s", f)
	}
}

func TestChecksum(t *testing.T) {
	p := mustParse(t, pefixture.Build(pefixture.Default()))
	out, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	sumOff := int64(optHeaderOff + 64)
	stored := binary.LittleEndian.Uint32(out[sumOff:])
	if stored == 0 || stored != Checksum(out, sumOff) || stored != p.Checksum() {
		t.Errorf("stored checksum 0x%x, computed 0x%x", stored, Checksum(out, sumOff))
	}
	// odd length: the last byte counts as a word of its own
	if Checksum([]byte{1, 0, 2}, 100) != 3+3 {
		t.Errorf("odd length checksum 0x%x", Checksum([]byte{1, 0, 2}, 100))
	}
}

func TestOverlayAndSignature(t *testing.T) {
	o := pefixture.Default()
	o.Overlay = pefixture.Pattern(0x280, 3)
	input := pefixture.Build(o)
	p := mustParse(t, input)
	if !p.HasOverlay || p.OverlayOffset != 0xC00 || !bytes.Equal(p.Overlay(), o.Overlay) {
		t.Fatalf("overlay %v at 0x%x", p.HasOverlay, p.OverlayOffset)
	}

	if res := p.StripSignature(); res.Applied {
		t.Error("stripped a missing certificate table")
	}
	dir := int64(optHeaderOff + 112 + DirSecurity*8)
	binary.LittleEndian.PutUint32(p.RawData[dir:], 0xC00)
	binary.LittleEndian.PutUint32(p.RawData[dir+4:], 0x280)
	if res := p.StripSignature(); !res.Applied {
		t.Errorf("certificate table kept: %s", res)
	}
	if p.HasDataDirectory(DirSecurity) {
		t.Error("security directory still set")
	}

	if _, err := p.AppendSection(".new", ScnMemRead, 0x200); err != nil {
		t.Fatal(err)
	}
	out, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(out, o.Overlay) || len(out) != 0xE00+len(o.Overlay) {
		t.Errorf("output of %d bytes lost the overlay", len(out))
	}
}

func TestManagedImage(t *testing.T) {
	o := pefixture.Default()
	o.Directories[DirCLR] = [2]uint32{0x2000, 0x48}
	if !mustParse(t, pefixture.Build(o)).IsManaged() {
		t.Error("CLR directory not detected")
	}
}

func TestEntropy(t *testing.T) {
	if CalculateEntropy(nil) != 0 || CalculateEntropy(bytes.Repeat([]byte{7}, 64)) != 0 {
		t.Error("constant data has entropy")
	}
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	if e := CalculateEntropy(all); e < 7.99 || e > 8.01 {
		t.Errorf("uniform bytes entropy %f", e)
	}
}
