//go:build linux

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"elfrun/loader"
)

func inspect(w io.Writer, path string, cfg loader.Config) error {
	img, err := loader.Parse(path, cfg.MaxSegments)
	if err != nil {
		return err
	}
	defer img.Close()

	pageSize := uint64(os.Getpagesize())
	fmt.Fprintf(w, "%s: entry %#x, %d loadable segments\n", path, img.Entry, len(img.Segments))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Vaddr", "Memsz", "Filesz", "Offset", "Prot", "Mapped"})
	for i, seg := range img.Segments {
		start, end := seg.Span(pageSize)
		table.Append([]string{
			strconv.Itoa(i),
			fmt.Sprintf("%#x", seg.Vaddr),
			humanize.IBytes(seg.Memsz),
			humanize.IBytes(seg.Filesz),
			fmt.Sprintf("%#x", seg.Offset),
			loader.ProtString(seg.Prot),
			fmt.Sprintf("%#x-%#x", start, end),
		})
	}
	table.Render()
	return nil
}
