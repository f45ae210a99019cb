package packer

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"pepack/common"
	"pepack/obf"
)

const (
	DefaultSectionName = ".ptext"
	maxSectionName     = 8
	passesPerMutation  = 10
)

// Range is an absolute address range [Start, End) to encrypt.
type Range struct {
	Start uint64
	End   uint64
}

// Config is built once before the image is touched and never changes
// during a run.
type Config struct {
	Input    string
	Output   string
	Mutation int
	// Passes overrides Mutation*10 when positive.
	Passes int

	RemoveASLR       bool
	IndirectEntry    bool
	AntiDisasm       bool
	MBA              bool
	EncryptSections  bool
	FakeInstructions bool

	SectionsToEncrypt []string
	PackRanges        []Range

	SectionName string
	// Seed 0 draws a seed from the system source.
	Seed   int64
	Verify bool

	ReportPath  string
	ListingPath string

	Limits obf.Limits
}

func DefaultConfig() Config {
	return Config{
		Mutation:          1,
		SectionsToEncrypt: []string{".reloc"},
		SectionName:       DefaultSectionName,
		Limits:            obf.DefaultLimits(),
	}
}

// PassCount is the number of obfuscation passes the run performs.
func (c Config) PassCount() int {
	if c.Passes > 0 {
		return c.Passes
	}
	return c.Mutation * passesPerMutation
}

// validateOptions checks everything except the input and output paths.
func (c Config) validateOptions() error {
	if c.Mutation < 1 {
		return errors.Errorf("mutation base must be positive, got %d", c.Mutation)
	}
	if c.Passes < 0 {
		return errors.Errorf("pass count must not be negative, got %d", c.Passes)
	}
	if l := len(c.SectionName); l == 0 || l > maxSectionName {
		return errors.Errorf("section name %q must be 1 to %d bytes", c.SectionName, maxSectionName)
	}
	for _, r := range c.PackRanges {
		if r.Start >= r.End {
			return errors.Errorf("invalid range 0x%x-0x%x: start must be below end", r.Start, r.End)
		}
	}
	return nil
}

// Validate rejects configurations the driver cannot run.
func (c Config) Validate() error {
	if c.Input == "" || c.Output == "" {
		return errors.New("input and output paths are required")
	}
	return c.validateOptions()
}

// Profile is the YAML form of a Config. Addresses are hex strings.
type Profile struct {
	Mutation          int          `yaml:"mutation"`
	Passes            int          `yaml:"passes"`
	NoASLR            bool         `yaml:"noaslr"`
	OEPCall           bool         `yaml:"oep_call"`
	AntiDisasm        bool         `yaml:"adasm"`
	MBA               bool         `yaml:"mba"`
	EncryptSections   bool         `yaml:"senc"`
	SectionsToEncrypt []string     `yaml:"senc_sections"`
	FakeInstructions  bool         `yaml:"finstr"`
	Pack              []RangeEntry `yaml:"fpack"`
	SectionName       string       `yaml:"section"`
	Seed              int64        `yaml:"seed"`
	Verify            bool         `yaml:"verify"`
	Limits            LimitsEntry  `yaml:"limits"`
}

type RangeEntry struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// LimitsEntry overrides single generation limits; absent keys keep the
// configured value.
type LimitsEntry struct {
	PushPopReps    *int `yaml:"push_pop_reps"`
	Subnodes       *int `yaml:"subnodes"`
	JumpLabels     *int `yaml:"jump_labels"`
	JumpJunkRun    *int `yaml:"jump_junk_run"`
	CallDepth      *int `yaml:"call_depth"`
	CondIterations *int `yaml:"cond_iterations"`
	CondOps        *int `yaml:"cond_ops"`
}

func (e LimitsEntry) apply(l *obf.Limits) {
	for _, f := range []struct {
		v   *int
		dst *int
	}{
		{e.PushPopReps, &l.PushPopReps},
		{e.Subnodes, &l.Subnodes},
		{e.JumpLabels, &l.JumpLabels},
		{e.JumpJunkRun, &l.JumpJunkRun},
		{e.CallDepth, &l.CallDepth},
		{e.CondIterations, &l.CondIterations},
		{e.CondOps, &l.CondOps},
	} {
		if f.v != nil {
			*f.dst = *f.v
		}
	}
}

// LoadProfile reads a YAML profile. Unknown keys are rejected.
func LoadProfile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open profile %s", path)
	}
	defer f.Close()

	var p Profile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, errors.Wrapf(err, "failed to parse profile %s", path)
	}
	return &p, nil
}

// Apply copies the profile's settings over cfg. Zero values leave the
// existing setting alone.
func (p *Profile) Apply(cfg *Config) error {
	if p.Mutation != 0 {
		cfg.Mutation = p.Mutation
	}
	if p.Passes != 0 {
		cfg.Passes = p.Passes
	}
	cfg.RemoveASLR = cfg.RemoveASLR || p.NoASLR
	cfg.IndirectEntry = cfg.IndirectEntry || p.OEPCall
	cfg.AntiDisasm = cfg.AntiDisasm || p.AntiDisasm
	cfg.MBA = cfg.MBA || p.MBA
	cfg.EncryptSections = cfg.EncryptSections || p.EncryptSections
	cfg.FakeInstructions = cfg.FakeInstructions || p.FakeInstructions
	cfg.Verify = cfg.Verify || p.Verify
	if len(p.SectionsToEncrypt) > 0 {
		cfg.SectionsToEncrypt = append([]string(nil), p.SectionsToEncrypt...)
	}
	if p.SectionName != "" {
		cfg.SectionName = p.SectionName
	}
	if p.Seed != 0 {
		cfg.Seed = p.Seed
	}
	p.Limits.apply(&cfg.Limits)
	for _, e := range p.Pack {
		start, err := common.ParseHex(e.Start)
		if err != nil {
			return errors.Wrap(err, "fpack start")
		}
		end, err := common.ParseHex(e.End)
		if err != nil {
			return errors.Wrap(err, "fpack end")
		}
		cfg.PackRanges = append(cfg.PackRanges, Range{Start: start, End: end})
	}
	return nil
}
