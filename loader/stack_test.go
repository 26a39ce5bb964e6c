//go:build linux

package loader

import (
	"fmt"
	"os"
	"runtime"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cstrings copies strs into one NUL-separated buffer and returns the
// address of each string. Keep buf alive while the addresses are in use.
func cstrings(strs []string) (buf []byte, addrs []uint64) {
	for _, s := range strs {
		buf = append(buf, s...)
		buf = append(buf, 0)
	}
	if len(buf) == 0 {
		return nil, nil
	}
	base := uint64(uintptr(unsafe.Pointer(&buf[0])))
	off := uint64(0)
	for _, s := range strs {
		addrs = append(addrs, base+off)
		off += uint64(len(s)) + 1
	}
	return buf, addrs
}

func releaseOnCleanup(t *testing.T, s *Stack) {
	t.Cleanup(func() { _ = s.Release() })
}

func TestBuildStackLayout(t *testing.T) {
	args := []string{"./elfrun", "./hello", "--flag"}
	for argc := 1; argc <= len(args); argc++ {
		for envc := 0; envc <= 2; envc++ {
			t.Run(fmt.Sprintf("argc=%d envc=%d", argc, envc), func(t *testing.T) {
				env := []string{"HOME=/root", "PATH=/bin"}[:envc]
				abuf, argv := cstrings(args[:argc])
				ebuf, envp := cstrings(env)
				b := &Bootstrap{
					Argv: argv,
					Envp: envp,
					Auxv: []AuxEntry{{AT_PAGESZ, 4096}, {AT_ENTRY, 0x401000}, {AT_NULL, 0}},
				}

				s, err := BuildStack(DefaultStackSize, pageSize(), b)
				require.NoError(t, err)
				releaseOnCleanup(t, s)

				assert.Zero(t, s.SP()%16, "sp %#x", s.SP())
				words := uint64(b.words())
				assert.Equal(t, (words+words%2)*8, s.Top()-s.SP())

				got, err := Validate(SelfMemory{}, s.SP(), args[:argc])
				require.NoError(t, err)
				if diff := cmp.Diff(b, got, cmpopts.EquateEmpty()); diff != "" {
					t.Fatalf("bootstrap mismatch (-want +got):\n%s", diff)
				}
				runtime.KeepAlive(abuf)
				runtime.KeepAlive(ebuf)
			})
		}
	}
}

func TestBuildStackTerminatesAuxv(t *testing.T) {
	buf, argv := cstrings([]string{"prog"})
	b := &Bootstrap{Argv: argv, Auxv: []AuxEntry{{AT_PAGESZ, 4096}}}

	s, err := BuildStack(DefaultStackSize, pageSize(), b)
	require.NoError(t, err)
	releaseOnCleanup(t, s)

	got, err := Validate(SelfMemory{}, s.SP(), []string{"prog"})
	require.NoError(t, err)
	assert.Equal(t, []AuxEntry{{AT_PAGESZ, 4096}, {AT_NULL, 0}}, got.Auxv)
	// The caller's block is not modified.
	assert.Len(t, b.Auxv, 1)
	runtime.KeepAlive(buf)
}

func TestBuildStackExhausted(t *testing.T) {
	b := &Bootstrap{Argv: make([]uint64, 600), Auxv: []AuxEntry{{AT_NULL, 0}}}
	for i := range b.Argv {
		b.Argv[i] = 0x1000
	}
	s, err := BuildStack(pageSize(), pageSize(), b)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, IsKind(err, KindBootstrap), "got %v", err)
}

func TestNewStackRoundsToPages(t *testing.T) {
	s, err := NewStack(pageSize()+1, pageSize())
	require.NoError(t, err)
	releaseOnCleanup(t, s)
	assert.Equal(t, 2*pageSize(), s.Size())
	assert.Equal(t, s.Top(), s.SP())
	assert.Zero(t, s.Top()%pageSize())

	require.NoError(t, s.Release())
	assert.NoError(t, s.Release())
}

func TestInheritedStack(t *testing.T) {
	sp, err := InitialStackPointer()
	require.NoError(t, err)

	b, err := Validate(SelfMemory{}, sp, os.Args)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(os.Args)), b.Argc())

	pagesz, ok := b.Aux(AT_PAGESZ)
	assert.True(t, ok)
	assert.Equal(t, pageSize(), pagesz)
	_, ok = b.Aux(AT_RANDOM)
	assert.True(t, ok)
	assert.Equal(t, uint64(AT_NULL), b.Auxv[len(b.Auxv)-1].Type)
}

func TestRebuildInheritedStack(t *testing.T) {
	sp, err := InitialStackPointer()
	require.NoError(t, err)
	inherited, err := ReadBootstrap(SelfMemory{}, sp)
	require.NoError(t, err)

	boot := inherited.WithAuxv(map[uint64]uint64{AT_ENTRY: 0x10001000, AT_BASE: 0})
	s, err := BuildStack(DefaultStackSize, pageSize(), boot)
	require.NoError(t, err)
	releaseOnCleanup(t, s)

	got, err := Validate(SelfMemory{}, s.SP(), os.Args)
	require.NoError(t, err)
	if diff := cmp.Diff(boot, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("bootstrap mismatch (-want +got):\n%s", diff)
	}
	entry, ok := got.Aux(AT_ENTRY)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x10001000), entry)
	// Strings are shared with the inherited stack.
	assert.Equal(t, inherited.Argv, got.Argv)
	assert.Equal(t, inherited.Envp, got.Envp)
}
