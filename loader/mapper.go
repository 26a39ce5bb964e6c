//go:build linux

package loader

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Mapping is the page-aligned region created for one segment.
type Mapping struct {
	Start  uint64
	Length uint64
	Prot   int
}

func (m Mapping) End() uint64 { return m.Start + m.Length }

func (m Mapping) String() string {
	return fmt.Sprintf("%#x-%#x %s", m.Start, m.End(), ProtString(m.Prot))
}

// Map places every segment at its virtual address, in table order. The
// region is mapped read-write, filled from the file, then switched to the
// segment's own protection. Mappings made before a failure are left in
// place.
func (img *Image) Map(pageSize uint64) ([]Mapping, error) {
	mappings := make([]Mapping, 0, len(img.Segments))
	for i, seg := range img.Segments {
		m, err := img.mapSegment(i, seg, pageSize)
		if err != nil {
			return mappings, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

func (img *Image) mapSegment(i int, seg Segment, pageSize uint64) (Mapping, error) {
	start, end := seg.Span(pageSize)
	m := Mapping{Start: start, Length: end - start, Prot: seg.Prot}
	if m.Length == 0 {
		return m, nil
	}

	addr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(uintptr(start)), uintptr(m.Length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		return m, fault(KindMapping, err, "mmap segment %d at %#x", i, start)
	}
	if uint64(uintptr(addr)) != start {
		// Kernels before 4.17 treat MAP_FIXED_NOREPLACE as a hint.
		_ = unix.MunmapPtr(addr, uintptr(m.Length))
		return m, fault(KindMapping, unix.EEXIST, "mmap segment %d at %#x", i, start)
	}

	if seg.Filesz > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(seg.Vaddr))), seg.Filesz)
		if _, err := img.file.ReadAt(dst, int64(seg.Offset)); err != nil {
			return m, fault(KindIO, err, "copy segment %d from offset %#x", i, seg.Offset)
		}
	}

	if err := unix.Mprotect(unsafe.Slice((*byte)(addr), m.Length), seg.Prot); err != nil {
		return m, fault(KindMapping, err, "mprotect segment %d to %s", i, ProtString(seg.Prot))
	}
	return m, nil
}

// VerifyMappings checks /proc/self/maps: every mapping must be fully
// present with exactly its protection.
func VerifyMappings(mappings []Mapping) error {
	proc, err := procfs.Self()
	if err != nil {
		return fault(KindIO, err, "open /proc/self")
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return fault(KindIO, err, "read /proc/self/maps")
	}
	for i, m := range mappings {
		if m.Length == 0 {
			continue
		}
		if err := covered(maps, m); err != nil {
			return fault(KindMapping, err, "verify segment %d mapping %s", i, m)
		}
	}
	return nil
}

func covered(maps []*procfs.ProcMap, m Mapping) error {
	cur, end := uintptr(m.Start), uintptr(m.End())
	for cur < end {
		var pm *procfs.ProcMap
		for _, candidate := range maps {
			if candidate.StartAddr <= cur && cur < candidate.EndAddr {
				pm = candidate
				break
			}
		}
		if pm == nil {
			return errors.Errorf("%#x is not mapped", cur)
		}
		if got := permsProt(pm.Perms); got != m.Prot {
			return errors.Errorf("%#x-%#x is %s", pm.StartAddr, pm.EndAddr, ProtString(got))
		}
		cur = pm.EndAddr
	}
	return nil
}

func permsProt(p *procfs.ProcMapPermissions) int {
	prot := unix.PROT_NONE
	if p == nil {
		return prot
	}
	if p.Read {
		prot |= unix.PROT_READ
	}
	if p.Write {
		prot |= unix.PROT_WRITE
	}
	if p.Execute {
		prot |= unix.PROT_EXEC
	}
	return prot
}
