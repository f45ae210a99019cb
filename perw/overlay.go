package perw

import (
	"fmt"

	"pepack/common"
)

// Overlay returns the bytes that followed the last section in the input.
func (p *PEFile) Overlay() []byte {
	return p.overlay
}

// StripSignature clears the security directory. Any certificate stays in the
// overlay as plain data; it no longer matches the rewritten image anyway.
func (p *PEFile) StripSignature() *common.OperationResult {
	rva, size, ok := p.DataDirectory(DirSecurity)
	if !ok || (rva == 0 && size == 0) {
		return common.NewSkipped("no certificate table")
	}
	if err := p.ClearDataDirectory(DirSecurity); err != nil {
		return common.NewSkipped(fmt.Sprintf("failed to clear certificate table: %v", err))
	}
	return common.NewApplied(fmt.Sprintf("cleared certificate table (%d bytes at file offset 0x%x)", size, rva), 1)
}
