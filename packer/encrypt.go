package packer

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"pepack/common"
	"pepack/obf"
	"pepack/perw"
)

// packRanges widens the code section to RWX, then XORs every -fpack range
// and emits its decryption loop. Ranges the image cannot hold are left
// untouched and get no loop.
func (r *run) packRanges() []EncryptedRegion {
	if len(r.cfg.PackRanges) == 0 {
		return nil
	}
	code, err := r.img.CodeSection()
	if err != nil {
		r.warn("function packing disabled: %v", err)
		return nil
	}
	if err := r.img.SetSectionFlags(code.Index, code.Flags|perw.ScnMemRead|perw.ScnMemWrite|perw.ScnMemExecute); err != nil {
		r.warn("function packing disabled: %v", err)
		return nil
	}
	r.record("section", common.NewApplied(fmt.Sprintf("section %s flags changed to RWX", code.Name), 0))
	if r.dynamicBase() {
		r.warn("image keeps ASLR: relocations inside packed ranges will corrupt them, consider -noaslr")
	}

	var regions []EncryptedRegion
	for _, rg := range r.cfg.PackRanges {
		key := byte(rangeKeyMin + r.rng.Intn(rangeKeyMax-rangeKeyMin+1))
		fields := logrus.Fields{"start": hex(rg.Start), "end": hex(rg.End), "key": fmt.Sprintf("0x%02x", key)}

		res := r.img.XorVirtualRange(rg.Start, rg.End, key)
		if !res.Applied {
			r.log.WithFields(fields).Warnf("range not packed: %s", res.Message)
			r.record("xor", common.NewAdvisory(res.Message))
			continue
		}
		region, err := r.region(fmt.Sprintf("%s-%s", hex(rg.Start), hex(rg.End)), rg.Start, rg.End, key)
		if err == nil {
			err = r.ensureWritable(rg.Start)
		}
		if err != nil {
			r.img.XorVirtualRange(rg.Start, rg.End, key)
			r.warn("range %s-%s: %v", hex(rg.Start), hex(rg.End), err)
			continue
		}
		obf.DecryptLoop(r.a, rg.Start, rg.End-rg.Start, key)
		r.log.WithFields(fields).Debug("decryption loop emitted")
		r.record("xor", res)
		regions = append(regions, region)
	}
	return regions
}

// encryptSections XORs each configured section with a fresh key and emits
// its decryption loop.
func (r *run) encryptSections() []EncryptedRegion {
	var regions []EncryptedRegion
	for _, name := range r.cfg.SectionsToEncrypt {
		if name == r.stub.Name {
			r.record("xor", common.NewAdvisory(fmt.Sprintf("section %s holds the stub, not encrypted", name)))
			continue
		}
		s, err := r.img.GetSectionByName(name)
		if err != nil {
			r.record("xor", common.NewAdvisory(err.Error()))
			continue
		}
		if reloc, ok := r.img.RelocationSection(); ok && reloc.Name == name && r.dynamicBase() {
			r.record("xor", common.NewAdvisory(fmt.Sprintf("section %s holds base relocations and the image keeps ASLR, not encrypted", name)))
			continue
		}
		if err := r.img.SetSectionFlags(s.Index, s.Flags|perw.ScnMemWrite); err != nil {
			r.warn("section %s: %v", name, err)
			continue
		}

		key := byte(sectionKeyMin + r.rng.Intn(sectionKeyMax-sectionKeyMin+1))
		enc, res := r.img.XorSection(name, key)
		if !res.Applied {
			r.record("xor", common.NewAdvisory(res.Message))
			continue
		}
		start := r.img.ImageBase() + uint64(enc.VirtualAddress)
		end := start + uint64(enc.VirtualSize)
		region, err := r.region(name, start, end, key)
		if err != nil {
			r.img.XorSection(name, key)
			r.warn("section %s: %v", name, err)
			continue
		}
		obf.DecryptLoop(r.a, start, end-start, key)
		r.log.WithFields(logrus.Fields{
			"section": name,
			"va":      hex(start),
			"key":     fmt.Sprintf("0x%02x", key),
		}).Debug("section decryption loop emitted")
		r.record("xor", res)
		regions = append(regions, region)
	}
	return regions
}

// ensureWritable adds MEM_WRITE to the section mapping addr, for ranges
// outside the code section.
func (r *run) ensureWritable(addr uint64) error {
	s, ok := r.img.SectionForRVA(uint32(addr - r.img.ImageBase()))
	if !ok {
		return errors.Errorf("no section maps %s", hex(addr))
	}
	if s.Flags&perw.ScnMemWrite != 0 {
		return nil
	}
	return r.img.SetSectionFlags(s.Index, s.Flags|perw.ScnMemWrite)
}

// region describes an encrypted range. The plaintext is recovered from the
// XORed bytes for verification.
func (r *run) region(name string, start, end uint64, key byte) (EncryptedRegion, error) {
	b, err := r.img.ReadVirtual(start, int(end-start))
	if err != nil {
		return EncryptedRegion{}, err
	}
	for i := range b {
		b[i] ^= key
	}
	return EncryptedRegion{
		Name:  name,
		Start: hex(start),
		End:   hex(end),
		Key:   fmt.Sprintf("0x%02x", key),
		start: start,
		plain: b,
	}, nil
}
