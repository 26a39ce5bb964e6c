package loader

import "golang.org/x/sys/unix"

func pageFloor(addr, pageSize uint64) uint64 { return addr &^ (pageSize - 1) }

func pageCeil(addr, pageSize uint64) uint64 { return (addr + pageSize - 1) &^ (pageSize - 1) }

// ProtString renders a protection like the permission column of
// /proc/self/maps, without the sharing flag.
func ProtString(prot int) string {
	b := []byte("---")
	if prot&unix.PROT_READ != 0 {
		b[0] = 'r'
	}
	if prot&unix.PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if prot&unix.PROT_EXEC != 0 {
		b[2] = 'x'
	}
	return string(b)
}
