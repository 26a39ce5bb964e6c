package loader

import (
	"github.com/pkg/errors"
)

const (
	maxArgs        = 1 << 20
	maxEnv         = 1 << 20
	maxAuxvEntries = 512
)

// ReadBootstrap walks the bootstrap block at sp and returns it. Every argv
// and envp slot must point at a readable C string, and the auxv must end in
// AT_NULL within a bounded number of entries.
func ReadBootstrap(mem Memory, sp uint64) (*Bootstrap, error) {
	b, err := readBootstrap(mem, sp)
	if err != nil {
		return nil, fault(KindBootstrap, err, "walk stack at %#x", sp)
	}
	return b, nil
}

// Validate checks the bootstrap block at sp against the expected argument
// strings and returns the walked block.
func Validate(mem Memory, sp uint64, args []string) (*Bootstrap, error) {
	b, err := readBootstrap(mem, sp)
	if err == nil {
		err = checkArgs(mem, b, args)
	}
	if err != nil {
		return nil, fault(KindBootstrap, err, "validate stack at %#x", sp)
	}
	return b, nil
}

func readBootstrap(mem Memory, sp uint64) (*Bootstrap, error) {
	if sp%8 != 0 {
		return nil, errors.Errorf("stack pointer %#x is not 8-byte aligned", sp)
	}
	argc, err := mem.Word(sp)
	if err != nil {
		return nil, errors.Wrap(err, "argc")
	}
	if argc > maxArgs {
		return nil, errors.Errorf("argc %d is implausible", argc)
	}

	b := &Bootstrap{Argv: make([]uint64, 0, argc)}
	addr := sp + 8
	for i := uint64(0); i < argc; i++ {
		p, err := mem.Word(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "argv[%d]", i)
		}
		if _, err := mem.CString(p); err != nil {
			return nil, errors.Wrapf(err, "argv[%d] string", i)
		}
		b.Argv = append(b.Argv, p)
		addr += 8
	}
	end, err := mem.Word(addr)
	if err != nil {
		return nil, errors.Wrap(err, "argv terminator")
	}
	if end != 0 {
		return nil, errors.Errorf("argv[%d] is %#x, want NULL", argc, end)
	}
	addr += 8

	for {
		p, err := mem.Word(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "envp[%d]", len(b.Envp))
		}
		addr += 8
		if p == 0 {
			break
		}
		if len(b.Envp) == maxEnv {
			return nil, errors.Errorf("more than %d environment entries", maxEnv)
		}
		if _, err := mem.CString(p); err != nil {
			return nil, errors.Wrapf(err, "envp[%d] string", len(b.Envp))
		}
		b.Envp = append(b.Envp, p)
	}

	for len(b.Auxv) < maxAuxvEntries {
		typ, err := mem.Word(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "auxv[%d] type", len(b.Auxv))
		}
		val, err := mem.Word(addr + 8)
		if err != nil {
			return nil, errors.Wrapf(err, "auxv[%d] value", len(b.Auxv))
		}
		addr += 16
		b.Auxv = append(b.Auxv, AuxEntry{Type: typ, Value: val})
		if typ == AT_NULL {
			return b, nil
		}
	}
	return nil, errors.Errorf("no AT_NULL within %d auxv entries", maxAuxvEntries)
}

func checkArgs(mem Memory, b *Bootstrap, args []string) error {
	if b.Argc() != uint64(len(args)) {
		return errors.Errorf("argc is %d, want %d", b.Argc(), len(args))
	}
	for i, p := range b.Argv {
		s, err := mem.CString(p)
		if err != nil {
			return errors.Wrapf(err, "argv[%d] string", i)
		}
		if s != args[i] {
			return errors.Errorf("argv[%d] is %q, want %q", i, s, args[i])
		}
	}
	return nil
}
