package loader

import (
	"debug/elf"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"elfrun/internal/elftest"
)

func threeSegmentImage(base uint64) *elftest.Image {
	return &elftest.Image{
		Entry: base + 0x1000,
		Segments: []elftest.Segment{
			{Vaddr: base + 0x1000, Flags: elf.PF_R | elf.PF_X, Data: elftest.ExitArgc()},
			{Vaddr: base + 0x2000, Flags: elf.PF_R, Data: []byte("read only data")},
			{Vaddr: base + 0x3010, Flags: elf.PF_R | elf.PF_W, Data: []byte{1, 2, 3, 4}, Memsz: 0x2000},
		},
		Other: []elf.ProgType{elf.PT_NOTE, elf.PT_GNU_STACK},
	}
}

func parseFile(t *testing.T, path string, max int) (*Image, error) {
	t.Helper()
	img, err := Parse(path, max)
	if err == nil {
		t.Cleanup(func() { _ = img.Close() })
	}
	return img, err
}

func TestParseSegments(t *testing.T) {
	src := threeSegmentImage(0x10000000)
	img, err := parseFile(t, src.WriteFile(t), DefaultMaxSegments)
	require.NoError(t, err)

	off := src.Offsets()
	want := []Segment{
		{Vaddr: 0x10001000, Memsz: uint64(len(elftest.ExitArgc())), Filesz: uint64(len(elftest.ExitArgc())), Offset: off[0], Prot: unix.PROT_READ | unix.PROT_EXEC},
		{Vaddr: 0x10002000, Memsz: 14, Filesz: 14, Offset: off[1], Prot: unix.PROT_READ},
		{Vaddr: 0x10003010, Memsz: 0x2000, Filesz: 4, Offset: off[2], Prot: unix.PROT_READ | unix.PROT_WRITE},
	}
	if diff := cmp.Diff(want, img.Segments); diff != "" {
		t.Fatalf("segments mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(0x10001000), img.Entry)
	assert.Equal(t, uint16(5), img.Phnum)
	assert.Equal(t, uint64(ehdrSize), img.Phoff)
	assert.NoError(t, img.CheckEntry())
}

func TestParseIsIdempotent(t *testing.T) {
	path := threeSegmentImage(0x10000000).WriteFile(t)
	first, err := parseFile(t, path, DefaultMaxSegments)
	require.NoError(t, err)
	second, err := parseFile(t, path, DefaultMaxSegments)
	require.NoError(t, err)
	if diff := cmp.Diff(first.Segments, second.Segments); diff != "" {
		t.Fatalf("second parse differs (-first +second):\n%s", diff)
	}
}

func TestParseProtections(t *testing.T) {
	for _, tc := range []struct {
		flags elf.ProgFlag
		prot  int
	}{
		{0, unix.PROT_NONE},
		{elf.PF_R, unix.PROT_READ},
		{elf.PF_W, unix.PROT_WRITE},
		{elf.PF_X, unix.PROT_EXEC},
		{elf.PF_R | elf.PF_W, unix.PROT_READ | unix.PROT_WRITE},
		{elf.PF_R | elf.PF_X, unix.PROT_READ | unix.PROT_EXEC},
		{elf.PF_R | elf.PF_W | elf.PF_X, unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC},
	} {
		t.Run(tc.flags.String(), func(t *testing.T) {
			src := &elftest.Image{Segments: []elftest.Segment{{Vaddr: 0x10000000, Flags: tc.flags, Data: []byte{0xc3}}}}
			img, err := parseFile(t, src.WriteFile(t), DefaultMaxSegments)
			require.NoError(t, err)
			require.Len(t, img.Segments, 1)
			assert.Equal(t, tc.prot, img.Segments[0].Prot)
		})
	}
}

func TestParseRejectsNonELF(t *testing.T) {
	for name, data := range map[string][]byte{
		"text":  []byte("#!/bin/sh\necho this is not an executable\n"),
		"short": []byte("EL"),
		"empty": nil,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(elftest.WriteBytes(t, name, data), DefaultMaxSegments)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindFormat), "got %v", err)
		})
	}
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse("/nonexistent/elfrun/image", DefaultMaxSegments)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindIO), "got %v", err)
}

func segmentsImage(n int) *elftest.Image {
	img := &elftest.Image{Entry: 0x10000000}
	for i := 0; i < n; i++ {
		img.Segments = append(img.Segments, elftest.Segment{
			Vaddr: 0x10000000 + uint64(i)*0x1000,
			Flags: elf.PF_R | elf.PF_X,
			Data:  []byte{0xc3},
		})
	}
	return img
}

func TestParseCapacity(t *testing.T) {
	for n := 0; n <= DefaultMaxSegments+1; n++ {
		t.Run(fmt.Sprintf("%d segments", n), func(t *testing.T) {
			img, err := parseFile(t, segmentsImage(n).WriteFile(t), DefaultMaxSegments)
			if n > DefaultMaxSegments {
				require.Error(t, err)
				assert.True(t, IsKind(err, KindCapacity), "got %v", err)
				assert.Nil(t, img)
				return
			}
			require.NoError(t, err)
			assert.Len(t, img.Segments, n)
		})
	}
}

func TestParseCapacityIsConfigurable(t *testing.T) {
	_, err := Parse(segmentsImage(3).WriteFile(t), 2)
	assert.True(t, IsKind(err, KindCapacity), "got %v", err)
}

func TestParseHeaderChecks(t *testing.T) {
	for name, src := range map[string]*elftest.Image{
		"shared object": {Type: elf.ET_DYN},
		"32-bit":        {Class: elf.ELFCLASS32},
		"arm64":         {Machine: elf.EM_AARCH64},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(src.WriteFile(t), DefaultMaxSegments)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindFormat), "got %v", err)
		})
	}
}

func TestParseSegmentChecks(t *testing.T) {
	t.Run("file size exceeds memory size", func(t *testing.T) {
		src := &elftest.Image{Segments: []elftest.Segment{{Vaddr: 0x10000000, Data: []byte{1, 2, 3, 4}, Memsz: 2}}}
		_, err := Parse(src.WriteFile(t), DefaultMaxSegments)
		assert.True(t, IsKind(err, KindFormat), "got %v", err)
	})
	t.Run("truncated data", func(t *testing.T) {
		data := threeSegmentImage(0x10000000).Bytes()
		_, err := Parse(elftest.WriteBytes(t, "truncated", data[:len(data)-2]), DefaultMaxSegments)
		assert.True(t, IsKind(err, KindFormat), "got %v", err)
	})
	t.Run("truncated program headers", func(t *testing.T) {
		data := segmentsImage(4).Bytes()
		_, err := Parse(elftest.WriteBytes(t, "truncated", data[:ehdrSize+phdrSize]), DefaultMaxSegments)
		assert.True(t, IsKind(err, KindFormat), "got %v", err)
	})
}

func TestCheckEntry(t *testing.T) {
	src := threeSegmentImage(0x10000000)
	src.Entry = 0x10002000 // read-only data
	img, err := parseFile(t, src.WriteFile(t), DefaultMaxSegments)
	require.NoError(t, err)
	assert.True(t, IsKind(img.CheckEntry(), KindFormat))
}

func TestPhdrAddr(t *testing.T) {
	img := &Image{
		Phoff:     64,
		Phnum:     3,
		Phentsize: phdrSize,
		Segments: []Segment{
			{Vaddr: 0x400000, Offset: 0, Filesz: 0x1000, Memsz: 0x1000},
		},
	}
	addr, ok := img.PhdrAddr()
	require.True(t, ok)
	assert.Equal(t, uint64(0x400040), addr)

	img.PhdrVaddr = 0x400040
	img.Segments = nil
	addr, ok = img.PhdrAddr()
	require.True(t, ok)
	assert.Equal(t, uint64(0x400040), addr)

	img.PhdrVaddr = 0
	_, ok = img.PhdrAddr()
	assert.False(t, ok)
}

func TestSegmentSpan(t *testing.T) {
	seg := Segment{Vaddr: 0x403010, Memsz: 0x2000}
	start, end := seg.Span(0x1000)
	assert.Equal(t, uint64(0x403000), start)
	assert.Equal(t, uint64(0x406000), end)

	seg = Segment{Vaddr: 0x400000, Memsz: 0x1000}
	start, end = seg.Span(0x1000)
	assert.Equal(t, uint64(0x400000), start)
	assert.Equal(t, uint64(0x401000), end)
}
