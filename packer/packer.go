// Package packer rewrites an x64 PE image so that a generated stub in a new
// section runs before the original entry point. The stub decrypts XORed
// ranges and sections, is padded with junk and opaque branches, and ends
// in a jump to the original entry.
package packer

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"

	"pepack/asm"
	"pepack/common"
	"pepack/obf"
	"pepack/perw"
)

const (
	stubSectionFlags = perw.ScnCntCode | perw.ScnMemExecute | perw.ScnMemRead
	// provisional raw size of the stub section until the code is final
	stubReserve = 0x1000

	rangeKeyMin   = 0x10
	rangeKeyMax   = 0xFF
	sectionKeyMin = 1
	sectionKeyMax = 255
)

// Packer runs packing jobs for one configuration. It is not safe for
// concurrent use; every call owns its image and assembler.
type Packer struct {
	cfg      Config
	log      *logrus.Logger
	progress func(done, total int)
}

type Option func(*Packer)

// WithLogger routes the packer's output to l.
func WithLogger(l *logrus.Logger) Option {
	return func(p *Packer) { p.log = l }
}

// WithProgress is called after every obfuscation pass.
func WithProgress(fn func(done, total int)) Option {
	return func(p *Packer) { p.progress = fn }
}

func New(cfg Config, opts ...Option) *Packer {
	if cfg.Limits == (obf.Limits{}) {
		cfg.Limits = obf.DefaultLimits()
	}
	p := &Packer{cfg: cfg, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Pack reads the input file, packs it and writes the output. The output is
// truncated before the image is parsed, so a failed run can leave it empty.
func (p *Packer) Pack() (*Result, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, common.NewFatal(common.FatalInput, err, "invalid configuration")
	}
	input, err := os.ReadFile(p.cfg.Input)
	if err != nil {
		return nil, common.NewFatal(common.FatalInput, err, "cannot read %s", p.cfg.Input)
	}
	out, err := os.Create(p.cfg.Output)
	if err != nil {
		return nil, common.NewFatal(common.FatalOutput, err, "cannot open %s", p.cfg.Output)
	}
	defer out.Close()

	res, err := p.PackBytes(input)
	if err != nil {
		return nil, err
	}
	res.Report.Input = p.cfg.Input
	res.Report.Output = p.cfg.Output

	if _, err := out.Write(res.Output); err != nil {
		return nil, common.NewFatal(common.FatalOutput, err, "cannot write %s", p.cfg.Output)
	}
	if err := out.Close(); err != nil {
		return nil, common.NewFatal(common.FatalOutput, err, "cannot write %s", p.cfg.Output)
	}
	p.log.WithField("output", p.cfg.Output).Infof("packed image written (%d bytes)", len(res.Output))

	if p.cfg.ReportPath != "" {
		if err := writeFile(p.cfg.ReportPath, res.Report.WriteYAML); err != nil {
			return nil, common.NewFatal(common.FatalOutput, err, "cannot write report")
		}
	}
	if p.cfg.ListingPath != "" {
		if err := writeFile(p.cfg.ListingPath, res.WriteListing); err != nil {
			return nil, common.NewFatal(common.FatalOutput, err, "cannot write listing")
		}
	}
	return res, nil
}

// run holds the state of one PackBytes call.
type run struct {
	cfg      Config
	log      *logrus.Logger
	progress func(done, total int)
	rng      *rand.Rand

	img      *perw.PEFile
	a        *asm.Assembler
	e        *obf.Emitter
	stub     perw.Section
	oep      uint32
	indirect bool

	report  *Report
	details []common.OperationDetail
}

// PackBytes packs an in-memory image and returns the serialized result.
func (p *Packer) PackBytes(input []byte) (*Result, error) {
	if err := p.cfg.validateOptions(); err != nil {
		return nil, common.NewFatal(common.FatalInput, err, "invalid configuration")
	}
	seed := p.cfg.Seed
	if seed == 0 {
		var err error
		if seed, err = common.RandomSeed(); err != nil {
			return nil, common.NewFatal(common.FatalBackend, err, "cannot seed the random source")
		}
	}
	p.log.WithField("seed", seed).Debug("random source seeded")

	r := &run{
		cfg:      p.cfg,
		log:      p.log,
		progress: p.progress,
		rng:      rand.New(rand.NewSource(seed)),
		report:   &Report{Seed: seed},
	}
	return r.pack(input)
}

func (r *run) pack(input []byte) (*Result, error) {
	if err := r.load(input); err != nil {
		return nil, err
	}
	r.loaderFlags()

	r.a = asm.New()
	r.e = obf.NewEmitter(r.a, r.rng, r.cfg.Mutation)
	r.e.SetFiller(r.cfg.FakeInstructions)
	r.e.SetLimits(r.cfg.Limits)

	prologue(r.a)
	if err := r.appendStubSection(); err != nil {
		return nil, err
	}

	regions := r.packRanges()

	hist := runPasses(r.e, r.rng, r.cfg.PassCount(), r.cfg, r.progress)
	r.log.WithField("passes", r.cfg.PassCount()).Debugf("obfuscation passes done, %d instructions", r.a.Count())
	r.report.Passes = hist

	if r.cfg.EncryptSections {
		regions = append(regions, r.encryptSections()...)
	}

	epilogue(r.a)
	if r.cfg.AntiDisasm {
		r.e.AntiDisasm()
	}
	t := pickTrampoline(r.rng, r.indirect)
	emitTrampoline(r.e, r.rng, t, r.img.ImageBase()+uint64(r.oep), r.cfg)
	r.report.Trampoline = t.String()

	code, err := r.finalize()
	if err != nil {
		return nil, err
	}
	r.record("certificate", r.img.StripSignature())

	out, err := r.img.Bytes()
	if err != nil {
		return nil, common.NewFatal(common.FatalOutput, err, "cannot serialize the image")
	}

	r.report.Blocks = r.e.Stats()
	r.report.Encrypted = regions
	if r.cfg.Verify {
		steps, err := verify(r.img, r.oep, regions)
		if err != nil {
			return nil, common.NewFatal(common.FatalBackend, err, "stub verification failed")
		}
		r.report.Verified = true
		r.report.VerifySteps = steps
		r.log.WithField("steps", steps).Info("stub verified in the emulator")
	}

	return &Result{
		Output:      out,
		Stub:        code,
		StubAddress: r.img.ImageBase() + uint64(r.stub.VirtualAddress),
		Report:      r.report,
		Details:     r.details,
	}, nil
}

// load parses and validates the image. Nothing is mutated before it
// returns successfully.
func (r *run) load(input []byte) error {
	img, err := perw.ParsePE(input, r.cfg.Input)
	if err != nil {
		return common.NewFatal(common.FatalInput, err, "not a valid PE image")
	}
	if !img.Is64Bit {
		return common.NewFatal(common.FatalInput, nil, "architecture mismatch: machine 0x%x is not x64", img.Machine)
	}
	if img.IsManaged() {
		return common.NewFatal(common.FatalInput, nil, "CLR directory found, managed images are not supported")
	}
	r.img = img
	r.oep = img.EntryPoint()
	r.report.ImageBase = hex(img.ImageBase())
	r.report.OriginalEntry = hex(img.ImageBase() + uint64(r.oep))
	r.log.WithFields(logrus.Fields{
		"sections":   len(img.Sections),
		"image_base": r.report.ImageBase,
		"entry":      r.report.OriginalEntry,
	}).Info("image loaded")
	return nil
}

func (r *run) dynamicBase() bool {
	return r.img.DllCharacteristics()&perw.DllDynamicBase != 0
}

// loaderFlags handles -noaslr and decides whether -oep_call can be honored.
func (r *run) loaderFlags() {
	if r.cfg.RemoveASLR {
		if r.dynamicBase() {
			v := r.img.DllCharacteristics() &^ perw.DllDynamicBase
			if err := r.img.SetDllCharacteristics(v); err != nil {
				r.record("aslr", common.NewAdvisory(err.Error()))
			} else {
				r.record("aslr", common.NewApplied("ASLR flag removed", 0))
			}
		} else {
			r.record("aslr", common.NewAdvisory("ASLR flag not set"))
		}
	}
	if r.cfg.IndirectEntry {
		if r.dynamicBase() {
			r.record("entry", common.NewAdvisory("indirect entry needs a fixed image base, ASLR flag still set; using a direct jump"))
		} else {
			r.indirect = true
			r.record("entry", common.NewApplied("indirect entry jump enabled", 0))
		}
	}
}

// appendStubSection adds the stub section and binds its address so every
// absolute target emitted from here on is final.
func (r *run) appendStubSection() error {
	sec, err := r.img.AppendSection(r.cfg.SectionName, stubSectionFlags, stubReserve)
	if err != nil {
		return common.NewFatal(common.FatalInput, err, "cannot append section %s", r.cfg.SectionName)
	}
	r.stub = sec
	r.a.SetBaseAddress(r.img.ImageBase() + uint64(sec.VirtualAddress))
	r.log.WithFields(logrus.Fields{
		"section": sec.Name,
		"va":      hex(uint64(sec.VirtualAddress)),
	}).Debug("stub section appended")
	return nil
}

// finalize freezes the stub into the new section and moves the entry point
// to its first byte.
func (r *run) finalize() ([]byte, error) {
	code, err := r.a.Finalize()
	if err != nil {
		return nil, common.NewFatal(common.FatalBackend, err, "code generation failed")
	}
	if len(code) == 0 {
		return nil, common.NewFatal(common.FatalEmpty, nil, "no code generated for section %s", r.stub.Name)
	}
	if err := r.img.SetSectionContent(r.stub.Index, code); err != nil {
		return nil, common.NewFatal(common.FatalOutput, err, "cannot store the stub")
	}
	r.stub = r.img.Sections[r.stub.Index]
	if err := r.img.SetEntryPoint(r.stub.VirtualAddress); err != nil {
		return nil, common.NewFatal(common.FatalOutput, err, "cannot set the entry point")
	}

	newEntry := r.img.ImageBase() + uint64(r.stub.VirtualAddress)
	r.report.NewEntry = hex(newEntry)
	r.report.Section = SectionReport{
		Name:           r.stub.Name,
		VirtualAddress: hex(uint64(r.stub.VirtualAddress)),
		VirtualSize:    r.stub.VirtualSize,
		RawSize:        r.stub.Size,
		Entropy:        perw.CalculateEntropy(code),
	}
	r.record("entry", common.NewApplied("entry point moved to "+hex(newEntry), 0))
	r.record("section", common.NewApplied("stub section "+r.stub.Name+" injected", len(code)))
	return code, nil
}

// record logs a step outcome and keeps it for the summary.
func (r *run) record(step string, res *common.OperationResult) {
	r.details = append(r.details, common.DetailFromResult(step, res))
	entry := r.log.WithField("step", step)
	switch {
	case res.Applied:
		entry.Info(res.Message)
	case res.Advisory:
		entry.Warn(res.Message)
		r.report.Warnings = append(r.report.Warnings, res.Message)
	default:
		entry.Debug(res.Message)
	}
}

// warn is an advisory without a summary line.
func (r *run) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.log.Warn(msg)
	r.report.Warnings = append(r.report.Warnings, msg)
}
