package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"pepack/packer"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		flags      []string
		positional []string
		ranges     []packer.Range
		incomplete bool
	}{
		{
			name:       "positionals first",
			args:       []string{"in.exe", "out.exe", "2", "-noaslr", "-seed", "7"},
			flags:      []string{"-noaslr", "-seed", "7"},
			positional: []string{"in.exe", "out.exe", "2"},
		},
		{
			name:       "fpack pairs",
			args:       []string{"-fpack", "0x140001000", "140001050", "in", "out", "1", "--fpack", "0x2000", "0x2100"},
			positional: []string{"in", "out", "1"},
			ranges:     []packer.Range{{Start: 0x140001000, End: 0x140001050}, {Start: 0x2000, End: 0x2100}},
		},
		{
			name:       "incomplete fpack",
			args:       []string{"in", "out", "1", "-fpack", "0x1000", "-mba"},
			flags:      []string{"-mba"},
			positional: []string{"in", "out", "1"},
			incomplete: true,
		},
		{
			name:       "trailing fpack",
			args:       []string{"in", "out", "1", "-fpack"},
			positional: []string{"in", "out", "1"},
			incomplete: true,
		},
		{
			name:       "inline values and gui",
			args:       []string{"--gui", "-passes=3", "a", "b", "1"},
			flags:      []string{"--gui", "-passes=3"},
			positional: []string{"a", "b", "1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags, positional, fp, err := splitArgs(tt.args)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(flags, tt.flags) {
				t.Errorf("flags %q, want %q", flags, tt.flags)
			}
			if !reflect.DeepEqual(positional, tt.positional) {
				t.Errorf("positional %q, want %q", positional, tt.positional)
			}
			if !reflect.DeepEqual(fp.ranges, tt.ranges) || fp.incomplete != tt.incomplete {
				t.Errorf("fpack %+v", fp)
			}
		})
	}

	if _, _, _, err := splitArgs([]string{"-fpack", "zz", "0x10"}); err == nil {
		t.Error("invalid hex accepted")
	}
}

func TestBuildConfigProfile(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "p.yaml")
	yaml := "mutation: 5\nmba: true\nsection: .stub\nfpack:\n  - start: \"0x140001000\"\n    end: \"0x140001010\"\n"
	if err := os.WriteFile(profile, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	*profilePath = profile
	defer func() { *profilePath = "" }()

	cfg, err := buildConfig([]string{"in.exe", "out.exe", "2"}, fpackArgs{ranges: []packer.Range{{Start: 1, End: 2}}})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mutation != 2 || !cfg.MBA || cfg.SectionName != ".stub" {
		t.Errorf("config %+v", cfg)
	}
	if len(cfg.PackRanges) != 2 || cfg.PackRanges[0].Start != 0x140001000 {
		t.Errorf("ranges %+v", cfg.PackRanges)
	}

	if _, err := buildConfig([]string{"in.exe", "out.exe", "x"}, fpackArgs{}); err == nil {
		t.Error("non-numeric mutation base accepted")
	}
}
