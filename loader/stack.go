//go:build linux

package loader

import (
	"encoding/binary"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Stack is the stack mapping handed to the loaded program. Content is
// written from the top down; SP is the lowest address written so far.
type Stack struct {
	mem  []byte
	base uint64
	cur  int
}

// NewStack maps a private read-write region of size bytes, rounded up to
// the page size.
func NewStack(size, pageSize uint64) (*Stack, error) {
	size = pageCeil(size, pageSize)
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_STACK)
	if err != nil {
		return nil, fault(KindMapping, err, "mmap stack of %s", humanize.IBytes(size))
	}
	return &Stack{
		mem:  mem,
		base: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		cur:  len(mem) &^ 15,
	}, nil
}

// SP returns the current stack pointer.
func (s *Stack) SP() uint64 { return s.base + uint64(s.cur) }

// Top returns the highest address of the mapping.
func (s *Stack) Top() uint64 { return s.base + uint64(len(s.mem)) }

func (s *Stack) Size() uint64 { return uint64(len(s.mem)) }

func (s *Stack) push(v uint64) error {
	if s.cur < 8 {
		return errors.Errorf("stack of %s exhausted", humanize.IBytes(s.Size()))
	}
	s.cur -= 8
	binary.LittleEndian.PutUint64(s.mem[s.cur:], v)
	return nil
}

// Release unmaps the stack. Never call it on a stack that was handed to a
// program.
func (s *Stack) Release() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

// BuildStack writes b onto a fresh stack. Reading up from the returned SP:
// argc, argv, NULL, envp, NULL, auxv ending in AT_NULL. SP is 16-byte
// aligned.
func BuildStack(size, pageSize uint64, b *Bootstrap) (*Stack, error) {
	s, err := NewStack(size, pageSize)
	if err != nil {
		return nil, err
	}
	if err := s.write(b); err != nil {
		_ = s.Release()
		return nil, fault(KindBootstrap, err, "build stack")
	}
	return s, nil
}

func (s *Stack) write(b *Bootstrap) error {
	auxv := b.terminatedAuxv()

	// The top starts 16-byte aligned, so an odd slot count needs one pad
	// word above the block.
	if b.words()%2 != 0 {
		if err := s.push(0); err != nil {
			return err
		}
	}
	for i := len(auxv) - 1; i >= 0; i-- {
		if err := s.push(auxv[i].Value); err != nil {
			return err
		}
		if err := s.push(auxv[i].Type); err != nil {
			return err
		}
	}
	if err := s.pushVector(b.Envp); err != nil {
		return err
	}
	if err := s.pushVector(b.Argv); err != nil {
		return err
	}
	return s.push(b.Argc())
}

// pushVector writes a NULL-terminated pointer vector.
func (s *Stack) pushVector(ptrs []uint64) error {
	if err := s.push(0); err != nil {
		return err
	}
	for i := len(ptrs) - 1; i >= 0; i-- {
		if err := s.push(ptrs[i]); err != nil {
			return err
		}
	}
	return nil
}
