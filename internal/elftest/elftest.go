// Package elftest builds small ELF64 executables for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

const (
	ehdrSize = 64
	phdrSize = 56
	pageSize = 0x1000
)

// Segment is one PT_LOAD entry. Memsz defaults to len(Data).
type Segment struct {
	Vaddr uint64
	Flags elf.ProgFlag
	Data  []byte
	Memsz uint64
}

// Image describes an executable. Zero Type and Machine mean ET_EXEC and
// EM_X86_64. Other adds empty program headers of the given types after the
// loadable ones.
type Image struct {
	Entry    uint64
	Type     elf.Type
	Machine  elf.Machine
	Class    elf.Class
	Segments []Segment
	Other    []elf.ProgType
}

// Offsets returns the file offset of every segment's data. Each offset is
// congruent to its vaddr modulo the page size so the kernel can run the
// image too.
func (img *Image) Offsets() []uint64 {
	offsets := make([]uint64, len(img.Segments))
	cur := uint64(ehdrSize + phdrSize*(len(img.Segments)+len(img.Other)))
	for i, seg := range img.Segments {
		off := (cur+pageSize-1)&^(pageSize-1) + seg.Vaddr%pageSize
		offsets[i] = off
		cur = off + uint64(len(seg.Data))
	}
	return offsets
}

// Bytes encodes the image.
func (img *Image) Bytes() []byte {
	typ, machine, class := img.Type, img.Machine, img.Class
	if typ == 0 {
		typ = elf.ET_EXEC
	}
	if machine == 0 {
		machine = elf.EM_X86_64
	}
	if class == 0 {
		class = elf.ELFCLASS64
	}

	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(img.Segments) + len(img.Other)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(class)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	buf := new(bytes.Buffer)
	mustWrite(buf, &hdr)

	offsets := img.Offsets()
	for i, seg := range img.Segments {
		memsz := seg.Memsz
		if memsz == 0 {
			memsz = uint64(len(seg.Data))
		}
		mustWrite(buf, &elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(seg.Flags),
			Off:    offsets[i],
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Vaddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  memsz,
			Align:  pageSize,
		})
	}
	for _, typ := range img.Other {
		mustWrite(buf, &elf.Prog64{Type: uint32(typ), Align: 8})
	}

	for i, seg := range img.Segments {
		if pad := int(offsets[i]) - buf.Len(); pad > 0 {
			buf.Write(make([]byte, pad))
		}
		buf.Write(seg.Data)
	}
	return buf.Bytes()
}

// WriteFile writes the image to an executable file in a temporary
// directory and returns its path.
func (img *Image) WriteFile(t testing.TB) string {
	t.Helper()
	return WriteBytes(t, "image.elf", img.Bytes())
}

// WriteBytes writes data to an executable file in a temporary directory.
func WriteBytes(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func mustWrite(buf *bytes.Buffer, v interface{}) {
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}
