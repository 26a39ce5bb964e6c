package loader

import (
	"runtime/debug"
	"unsafe"

	"github.com/pkg/errors"
)

// MaxStringLen bounds C string reads; it matches the kernel's limit on a
// single argument or environment string.
const MaxStringLen = 32 * 4096

// Memory reads an address space one word or one C string at a time.
type Memory interface {
	// Word reads the little-endian 64-bit word at addr.
	Word(addr uint64) (uint64, error)
	// CString reads the NUL-terminated string starting at addr.
	CString(addr uint64) (string, error)
}

// SelfMemory reads the loader's own address space. A read of an unmapped
// address comes back as an error instead of crashing the process.
type SelfMemory struct{}

func (SelfMemory) Word(addr uint64) (w uint64, err error) {
	if addr%8 != 0 {
		return 0, errors.Errorf("unaligned word address %#x", addr)
	}
	if addr == 0 {
		return 0, errors.New("nil word address")
	}
	defer recoverFault(&err, addr)()
	return *(*uint64)(unsafe.Pointer(uintptr(addr))), nil
}

func (SelfMemory) CString(addr uint64) (s string, err error) {
	if addr == 0 {
		return "", errors.New("nil string address")
	}
	defer recoverFault(&err, addr)()
	for n := 0; n < MaxStringLen; n++ {
		if *(*byte)(unsafe.Pointer(uintptr(addr) + uintptr(n))) == 0 {
			return string(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)), nil
		}
	}
	return "", errors.Errorf("string at %#x is longer than %d bytes", addr, MaxStringLen)
}

// recoverFault turns a memory fault during a read into an error. Use as
// defer recoverFault(&err, addr)().
func recoverFault(err *error, addr uint64) func() {
	old := debug.SetPanicOnFault(true)
	return func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			*err = errors.Errorf("read at %#x faulted: %v", addr, r)
		}
	}
}
