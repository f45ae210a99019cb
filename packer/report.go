package packer

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"pepack/asm"
	"pepack/common"
)

// Report describes one packing run. Addresses are hex strings.
type Report struct {
	Input         string            `yaml:"input,omitempty"`
	Output        string            `yaml:"output,omitempty"`
	Seed          int64             `yaml:"seed"`
	ImageBase     string            `yaml:"image_base"`
	OriginalEntry string            `yaml:"original_entry"`
	NewEntry      string            `yaml:"new_entry"`
	Section       SectionReport     `yaml:"section"`
	Trampoline    string            `yaml:"trampoline"`
	Passes        map[string]int    `yaml:"passes"`
	Blocks        map[string]int    `yaml:"blocks"`
	Encrypted     []EncryptedRegion `yaml:"encrypted,omitempty"`
	Warnings      []string          `yaml:"warnings,omitempty"`
	Verified      bool              `yaml:"verified"`
	VerifySteps   int               `yaml:"verify_steps,omitempty"`
}

type SectionReport struct {
	Name           string  `yaml:"name"`
	VirtualAddress string  `yaml:"virtual_address"`
	VirtualSize    uint32  `yaml:"virtual_size"`
	RawSize        int64   `yaml:"raw_size"`
	Entropy        float64 `yaml:"entropy"`
}

// EncryptedRegion is one XORed range, either a -fpack range or a section.
type EncryptedRegion struct {
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	Key   string `yaml:"key"`

	start uint64
	plain []byte
}

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }

// WriteYAML encodes the report.
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	return enc.Close()
}

// Result is the outcome of PackBytes.
type Result struct {
	Output      []byte
	Stub        []byte
	StubAddress uint64
	Report      *Report
	Details     []common.OperationDetail
}

// Summary renders the applied and skipped steps for the console.
func (r *Result) Summary() string {
	return common.FormatOperationResult("Packing summary:", r.Details, common.CategorizeDetails(r.Details))
}

// WriteListing disassembles the generated stub.
func (r *Result) WriteListing(w io.Writer) error {
	return asm.WriteListing(w, r.Stub, r.StubAddress)
}

func writeFile(path string, fn func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
