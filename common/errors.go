package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// FatalKind classifies an error that aborts a packing run.
type FatalKind int

const (
	// FatalInput: not a PE, wrong architecture, managed image, bad configuration.
	FatalInput FatalKind = iota + 1
	// FatalBackend: code generation failed.
	FatalBackend
	// FatalEmpty: nothing was generated for the new section.
	FatalEmpty
	// FatalOutput: the output could not be serialized or written.
	FatalOutput
)

func (k FatalKind) String() string {
	switch k {
	case FatalInput:
		return "input"
	case FatalBackend:
		return "backend"
	case FatalEmpty:
		return "empty"
	case FatalOutput:
		return "output"
	}
	return "unknown"
}

// FatalError is the one error type the packer returns for aborted runs.
type FatalError struct {
	Kind    FatalKind
	Message string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *FatalError) Unwrap() error { return e.Err }

func NewFatal(kind FatalKind, err error, format string, args ...interface{}) *FatalError {
	return &FatalError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsFatal reports whether err is a FatalError of the given kind.
func IsFatal(err error, kind FatalKind) bool {
	var fe *FatalError
	return errors.As(err, &fe) && fe.Kind == kind
}
