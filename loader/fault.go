package loader

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a load failure. Every kind is terminal.
type Kind int

const (
	KindIO Kind = iota + 1
	KindFormat
	KindCapacity
	KindMapping
	KindBootstrap
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindFormat:
		return "format"
	case KindCapacity:
		return "capacity"
	case KindMapping:
		return "mapping"
	case KindBootstrap:
		return "bootstrap"
	case KindConfig:
		return "config"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Fault is returned by every failing step of a load. Op names the step
// ("read program headers", "mmap segment 2", ...), State is the last state
// the pipeline reached before failing.
type Fault struct {
	Kind  Kind
	Op    string
	State State
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault: %s: %v", f.Kind, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Cause lets errors.Cause see through the fault.
func (f *Fault) Cause() error { return f.Err }

func fault(kind Kind, err error, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Op: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err carries a Fault of the given kind.
func IsKind(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}
