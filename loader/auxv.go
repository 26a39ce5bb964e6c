package loader

// Auxiliary vector entry types, see <linux/auxvec.h>.
const (
	AT_NULL   = 0
	AT_PHDR   = 3
	AT_PHENT  = 4
	AT_PHNUM  = 5
	AT_PAGESZ = 6
	AT_BASE   = 7
	AT_ENTRY  = 9
	AT_RANDOM = 25
)

// AuxEntry is one (type, value) pair of the auxiliary vector.
type AuxEntry struct {
	Type  uint64
	Value uint64
}

// Bootstrap is the block a program's startup code finds at its initial
// stack pointer. Argv and Envp hold string addresses, not the strings.
// Auxv always ends with an AT_NULL entry.
type Bootstrap struct {
	Argv []uint64
	Envp []uint64
	Auxv []AuxEntry
}

func (b *Bootstrap) Argc() uint64 { return uint64(len(b.Argv)) }

// Aux returns the value of the first auxv entry of type typ.
func (b *Bootstrap) Aux(typ uint64) (uint64, bool) {
	for _, e := range b.Auxv {
		if e.Type == AT_NULL {
			break
		}
		if e.Type == typ {
			return e.Value, true
		}
	}
	return 0, false
}

// words is the number of 8-byte slots the block occupies on a stack.
func (b *Bootstrap) words() int {
	return 1 + len(b.Argv) + 1 + len(b.Envp) + 1 + 2*len(b.terminatedAuxv())
}

func (b *Bootstrap) terminatedAuxv() []AuxEntry {
	if n := len(b.Auxv); n > 0 && b.Auxv[n-1].Type == AT_NULL {
		return b.Auxv
	}
	auxv := make([]AuxEntry, len(b.Auxv), len(b.Auxv)+1)
	copy(auxv, b.Auxv)
	return append(auxv, AuxEntry{Type: AT_NULL})
}

// WithAuxv returns a copy of b whose auxv entries of the given types carry
// new values. Types not already present are left out.
func (b *Bootstrap) WithAuxv(values map[uint64]uint64) *Bootstrap {
	auxv := make([]AuxEntry, len(b.Auxv))
	for i, e := range b.Auxv {
		if v, ok := values[e.Type]; ok && e.Type != AT_NULL {
			e.Value = v
		}
		auxv[i] = e
	}
	return &Bootstrap{
		Argv: append([]uint64(nil), b.Argv...),
		Envp: append([]uint64(nil), b.Envp...),
		Auxv: auxv,
	}
}

// AuxvValues returns the auxv entries the kernel derives from the
// executable itself, describing this image. The program header entries are
// only included when the table lies inside a loaded segment.
func (img *Image) AuxvValues() map[uint64]uint64 {
	values := map[uint64]uint64{
		AT_ENTRY: img.Entry,
		AT_BASE:  0,
	}
	if addr, ok := img.PhdrAddr(); ok {
		values[AT_PHDR] = addr
		values[AT_PHENT] = uint64(img.Phentsize)
		values[AT_PHNUM] = uint64(img.Phnum)
	}
	return values
}
