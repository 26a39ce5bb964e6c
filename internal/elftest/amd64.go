package elftest

import (
	"debug/elf"
	"encoding/binary"
)

// Tiny x86-64 programs for test images. They use raw syscalls only, so
// the result depends on nothing but the initial process state.

const (
	sysWrite     = 1
	sysExitGroup = 231
)

func movEAX(v uint32) []byte { return le32(0xb8, v) }
func movEDI(v uint32) []byte { return le32(0xbf, v) }
func movEDX(v uint32) []byte { return le32(0xba, v) }

var syscallInsn = []byte{0x0f, 0x05}

func le32(op byte, v uint32) []byte {
	b := []byte{op, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[1:], v)
	return b
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// WriteExit writes msg to stdout and exits with code.
func WriteExit(msg string, code uint8) []byte {
	tail := cat(
		movEDX(uint32(len(msg))),
		syscallInsn,
		movEAX(sysExitGroup),
		movEDI(uint32(code)),
		syscallInsn,
	)
	// lea rsi, [rip+disp32]; the displacement counts from the end of the lea.
	lea := []byte{0x48, 0x8d, 0x35, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(lea[3:], uint32(len(tail)))
	return cat(movEAX(sysWrite), movEDI(1), lea, tail, []byte(msg))
}

// ExitArgc exits with the argc found at the initial stack pointer.
func ExitArgc() []byte {
	return cat(
		[]byte{0x48, 0x8b, 0x3c, 0x24}, // mov rdi, [rsp]
		movEAX(sysExitGroup),
		syscallInsn,
	)
}

// ExitLoad exits with the low byte of the quadword at addr, which must be
// below 2 GiB.
func ExitLoad(addr uint32) []byte {
	load := []byte{0x48, 0x8b, 0x3c, 0x25, 0, 0, 0, 0} // mov rdi, [disp32]
	binary.LittleEndian.PutUint32(load[4:], addr)
	return cat(load, movEAX(sysExitGroup), syscallInsn)
}

// ExitDirty exits with 0 when every general purpose register other than
// rsp was zero and the direction flag was clear at entry, 1 otherwise.
func ExitDirty() []byte {
	return cat(
		[]byte{
			0x48, 0x09, 0xd8,       // or rax, rbx
			0x48, 0x09, 0xc8,       // or rax, rcx
			0x48, 0x09, 0xd0,       // or rax, rdx
			0x48, 0x09, 0xf0,       // or rax, rsi
			0x48, 0x09, 0xf8,       // or rax, rdi
			0x48, 0x09, 0xe8,       // or rax, rbp
			0x4c, 0x09, 0xc0,       // or rax, r8
			0x4c, 0x09, 0xc8,       // or rax, r9
			0x4c, 0x09, 0xd0,       // or rax, r10
			0x4c, 0x09, 0xd8,       // or rax, r11
			0x4c, 0x09, 0xe0,       // or rax, r12
			0x4c, 0x09, 0xe8,       // or rax, r13
			0x4c, 0x09, 0xf0,       // or rax, r14
			0x4c, 0x09, 0xf8,       // or rax, r15
			0x9c,                   // pushfq
			0x59,                   // pop rcx
			0xc1, 0xe9, 0x0a,       // shr ecx, 10
			0x83, 0xe1, 0x01,       // and ecx, 1
			0x48, 0x09, 0xc8,       // or rax, rcx
			0x48, 0x85, 0xc0,       // test rax, rax
			0x40, 0x0f, 0x95, 0xc7, // setne dil
			0x40, 0x0f, 0xb6, 0xff, // movzx edi, dil
		},
		movEAX(sysExitGroup),
		syscallInsn,
	)
}

// Program is a single read-execute segment at vaddr holding code, with the
// entry point at its start.
func Program(vaddr uint64, code []byte) *Image {
	return &Image{
		Entry: vaddr,
		Segments: []Segment{
			{Vaddr: vaddr, Flags: elf.PF_R | elf.PF_X, Data: code},
		},
	}
}
