// Package loader maps a static ELF64 executable into the current process
// and starts it the way the kernel would.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	ehdrSize = 64
	phdrSize = 56
)

// Segment is one PT_LOAD entry of the executable.
type Segment struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Offset uint64
	Prot   int
}

// Span returns the page-aligned range [start, end) covering the segment.
func (s Segment) Span(pageSize uint64) (start, end uint64) {
	return pageFloor(s.Vaddr, pageSize), pageCeil(s.Vaddr+s.Memsz, pageSize)
}

func (s Segment) contains(addr uint64) bool {
	return addr >= s.Vaddr && addr-s.Vaddr < s.Memsz
}

// Image is an opened executable and its loadable segments, in program
// header table order. It owns the file until Close.
type Image struct {
	Path      string
	Entry     uint64
	Phoff     uint64
	Phnum     uint16
	Phentsize uint16
	// PhdrVaddr is the PT_PHDR address, zero when the entry is absent.
	PhdrVaddr uint64
	Segments  []Segment

	file *os.File
	size int64
}

// Parse opens path and reads its ELF header and program header table.
// Loads of more than maxSegments PT_LOAD entries are rejected outright.
func Parse(path string, maxSegments int) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault(KindIO, err, "open %s", path)
	}
	img, err := parse(f, maxSegments)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	img.Path = path
	return img, nil
}

func parse(f *os.File, maxSegments int) (*Image, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fault(KindIO, err, "stat")
	}
	size := st.Size()

	buf := make([]byte, ehdrSize)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, fault(KindIO, err, "read ELF header")
	}
	if n < len(elf.ELFMAG) || !bytes.Equal(buf[:len(elf.ELFMAG)], []byte(elf.ELFMAG)) {
		return nil, fault(KindFormat, errors.New("bad magic, not an ELF file"), "check ELF header")
	}
	if n < ehdrSize {
		return nil, fault(KindFormat, errors.Errorf("header truncated at %d bytes", n), "check ELF header")
	}

	var hdr elf.Header64
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return nil, fault(KindFormat, err, "decode ELF header")
	}
	if err := checkHeader(&hdr, size); err != nil {
		return nil, fault(KindFormat, err, "check ELF header")
	}

	img := &Image{
		Entry:     hdr.Entry,
		Phoff:     hdr.Phoff,
		Phnum:     hdr.Phnum,
		Phentsize: hdr.Phentsize,
		file:      f,
		size:      size,
	}

	table := make([]byte, int(hdr.Phnum)*phdrSize)
	if _, err := f.ReadAt(table, int64(hdr.Phoff)); err != nil {
		return nil, fault(KindIO, err, "read program headers")
	}
	rd := bytes.NewReader(table)
	for i := 0; i < int(hdr.Phnum); i++ {
		var ph elf.Prog64
		if err := binary.Read(rd, binary.LittleEndian, &ph); err != nil {
			return nil, fault(KindFormat, err, "decode program header %d", i)
		}
		switch elf.ProgType(ph.Type) {
		case elf.PT_PHDR:
			img.PhdrVaddr = ph.Vaddr
			continue
		case elf.PT_LOAD:
		default:
			continue
		}
		if len(img.Segments) >= maxSegments {
			return nil, fault(KindCapacity,
				errors.Errorf("more than %d loadable segments", maxSegments),
				"read program header %d", i)
		}
		seg := Segment{
			Vaddr:  ph.Vaddr,
			Memsz:  ph.Memsz,
			Filesz: ph.Filesz,
			Offset: ph.Off,
			Prot:   progProt(elf.ProgFlag(ph.Flags)),
		}
		if err := checkSegment(seg, size); err != nil {
			return nil, fault(KindFormat, err, "check program header %d", i)
		}
		img.Segments = append(img.Segments, seg)
	}
	return img, nil
}

func checkHeader(hdr *elf.Header64, size int64) error {
	switch {
	case elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64:
		return errors.Errorf("unsupported class %v", elf.Class(hdr.Ident[elf.EI_CLASS]))
	case elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB:
		return errors.Errorf("unsupported byte order %v", elf.Data(hdr.Ident[elf.EI_DATA]))
	case elf.Machine(hdr.Machine) != elf.EM_X86_64:
		return errors.Errorf("unsupported machine %v", elf.Machine(hdr.Machine))
	case elf.Type(hdr.Type) != elf.ET_EXEC:
		// ET_DYN would need a load base.
		return errors.Errorf("unsupported type %v", elf.Type(hdr.Type))
	case hdr.Phnum > 0 && hdr.Phentsize != phdrSize:
		return errors.Errorf("program header size %d, want %d", hdr.Phentsize, phdrSize)
	}
	end := hdr.Phoff + uint64(hdr.Phnum)*phdrSize
	if end < hdr.Phoff || end > uint64(size) {
		return errors.Errorf("program header table [%#x, %#x) outside file of %d bytes", hdr.Phoff, end, size)
	}
	return nil
}

func checkSegment(seg Segment, size int64) error {
	switch {
	case seg.Filesz > seg.Memsz:
		return errors.Errorf("file size %#x exceeds memory size %#x", seg.Filesz, seg.Memsz)
	case seg.Offset+seg.Filesz < seg.Offset || seg.Offset+seg.Filesz > uint64(size):
		return errors.Errorf("file range [%#x, +%#x) outside file of %d bytes", seg.Offset, seg.Filesz, size)
	case seg.Vaddr+seg.Memsz < seg.Vaddr:
		return errors.Errorf("address range %#x+%#x overflows", seg.Vaddr, seg.Memsz)
	}
	return nil
}

func progProt(flags elf.ProgFlag) int {
	prot := unix.PROT_NONE
	if flags&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// CheckEntry verifies the entry point lies in an executable segment.
func (img *Image) CheckEntry() error {
	for _, seg := range img.Segments {
		if seg.contains(img.Entry) && seg.Prot&unix.PROT_EXEC != 0 {
			return nil
		}
	}
	return fault(KindFormat, errors.Errorf("entry %#x is not inside an executable segment", img.Entry), "check entry point")
}

// PhdrAddr returns where the program header table lives once the image is
// mapped: the PT_PHDR address, or the address of the loaded bytes at Phoff.
func (img *Image) PhdrAddr() (uint64, bool) {
	if img.PhdrVaddr != 0 {
		return img.PhdrVaddr, true
	}
	end := img.Phoff + uint64(img.Phnum)*uint64(img.Phentsize)
	for _, seg := range img.Segments {
		if img.Phoff >= seg.Offset && end <= seg.Offset+seg.Filesz {
			return seg.Vaddr + (img.Phoff - seg.Offset), true
		}
	}
	return 0, false
}

// Close releases the file. It is safe to call more than once.
func (img *Image) Close() error {
	if img.file == nil {
		return nil
	}
	err := img.file.Close()
	img.file = nil
	return err
}
