package packer

import (
	"os"
	"path/filepath"
	"testing"

	"pepack/obf"
)

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Input, cfg.Output = "in.exe", "out.exe"
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"no input", func(c *Config) { c.Input = "" }, false},
		{"zero mutation", func(c *Config) { c.Mutation = 0 }, false},
		{"negative passes", func(c *Config) { c.Passes = -1 }, false},
		{"long section name", func(c *Config) { c.SectionName = ".ptextxyz" }, false},
		{"empty section name", func(c *Config) { c.SectionName = "" }, false},
		{"reversed range", func(c *Config) { c.PackRanges = []Range{{Start: 0x20, End: 0x10}} }, false},
		{"empty range", func(c *Config) { c.PackRanges = []Range{{Start: 0x20, End: 0x20}} }, false},
		{"good range", func(c *Config) { c.PackRanges = []Range{{Start: 0x10, End: 0x20}} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestPassCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mutation = 3
	if cfg.PassCount() != 30 {
		t.Errorf("PassCount %d", cfg.PassCount())
	}
	cfg.Passes = 4
	if cfg.PassCount() != 4 {
		t.Errorf("PassCount %d", cfg.PassCount())
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	body := `mutation: 2
passes: 12
noaslr: true
oep_call: true
senc: true
senc_sections: [".rdata"]
seed: 99
limits:
  push_pop_reps: 2
  cond_ops: 5
fpack:
  - start: "0x140001000"
    end: "140001040"
`
	if err := os.WriteFile(good, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfile(good)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	if err := p.Apply(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Mutation != 2 || cfg.Passes != 12 || !cfg.RemoveASLR || !cfg.IndirectEntry || !cfg.EncryptSections || cfg.Seed != 99 {
		t.Errorf("config %+v", cfg)
	}
	if len(cfg.SectionsToEncrypt) != 1 || cfg.SectionsToEncrypt[0] != ".rdata" {
		t.Errorf("sections %v", cfg.SectionsToEncrypt)
	}
	if cfg.Limits.PushPopReps != 2 || cfg.Limits.CondOps != 5 {
		t.Errorf("limits %+v", cfg.Limits)
	}
	if len(cfg.PackRanges) != 1 || cfg.PackRanges[0] != (Range{Start: 0x140001000, End: 0x140001040}) {
		t.Errorf("ranges %+v", cfg.PackRanges)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("mutations: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(bad); err == nil {
		t.Error("unknown key accepted")
	}

	badHex := filepath.Join(dir, "hex.yaml")
	if err := os.WriteFile(badHex, []byte("fpack:\n  - start: \"0xzz\"\n    end: \"0x10\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err = LoadProfile(badHex)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Apply(&cfg); err == nil {
		t.Error("invalid address accepted")
	}
}

func TestPartialLimitsProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte("limits:\n  subnodes: 4\n  call_depth: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	if err := p.Apply(&cfg); err != nil {
		t.Fatal(err)
	}

	want := obf.DefaultLimits()
	want.Subnodes = 4
	want.CallDepth = 0
	if cfg.Limits != want {
		t.Errorf("limits %+v, want %+v", cfg.Limits, want)
	}

	// a profile without a limits block changes nothing
	cfg = DefaultConfig()
	if err := (&Profile{}).Apply(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Limits != obf.DefaultLimits() {
		t.Errorf("limits %+v", cfg.Limits)
	}
}
