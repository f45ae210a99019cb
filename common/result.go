package common

import "fmt"

// OperationResult represents the result of an operation with detailed information
type OperationResult struct {
	Applied bool
	Message string
	Count   int // Number of bytes or items affected
	// Advisory marks a skip the user asked for but the image did not allow.
	Advisory bool
}

// NewSkipped creates a result for skipped operations
func NewSkipped(reason string) *OperationResult {
	return &OperationResult{
		Applied: false,
		Message: reason,
	}
}

// NewAdvisory creates a skipped result that should be surfaced as a warning.
func NewAdvisory(reason string) *OperationResult {
	return &OperationResult{
		Applied:  false,
		Message:  reason,
		Advisory: true,
	}
}

// NewApplied creates a result for applied operations
func NewApplied(message string, count int) *OperationResult {
	return &OperationResult{
		Applied: true,
		Message: message,
		Count:   count,
	}
}

// String returns a human-readable representation
func (r *OperationResult) String() string {
	if r.Applied {
		if r.Count > 0 {
			return fmt.Sprintf("APPLIED (%s, %d bytes)", r.Message, r.Count)
		}
		return fmt.Sprintf("APPLIED (%s)", r.Message)
	}
	if r.Advisory {
		return fmt.Sprintf("WARNING (%s)", r.Message)
	}
	return fmt.Sprintf("SKIPPED (%s)", r.Message)
}
