package loader

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

const (
	DefaultStackSize   = 8 << 20
	DefaultMaxSegments = 16

	minStackSize = 64 << 10
)

// Config controls a load.
type Config struct {
	// StackSize is the size of the stack mapping handed to the program.
	// It is rounded up to the page size.
	StackSize uint64
	// MaxSegments bounds the number of PT_LOAD entries accepted.
	MaxSegments int
	// RewriteAuxv replaces the executable-specific auxv entries
	// (AT_PHDR, AT_PHENT, AT_PHNUM, AT_ENTRY, AT_BASE) with values
	// describing the loaded image.
	RewriteAuxv bool
	// VerifyMappings checks /proc/self/maps after mapping.
	VerifyMappings bool
}

func DefaultConfig() Config {
	return Config{
		StackSize:      DefaultStackSize,
		MaxSegments:    DefaultMaxSegments,
		RewriteAuxv:    true,
		VerifyMappings: true,
	}
}

func (cfg Config) Validate() error {
	if cfg.StackSize < minStackSize {
		return errors.Errorf("stack size %s is below the minimum of %s",
			humanize.IBytes(cfg.StackSize), humanize.IBytes(minStackSize))
	}
	if cfg.MaxSegments <= 0 {
		return errors.Errorf("max segments must be positive, got %d", cfg.MaxSegments)
	}
	return nil
}
