//go:build linux

// Command elfrun loads a static ELF64 executable into its own process and
// starts it in place of itself.
//
// The loader binary must not overlap the addresses its target uses; build
// it with `make build`, which moves its text segment out of the way of
// executables linked at the conventional 0x400000.
package main

import (
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"elfrun/loader"
)

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

// byteSize is a kingpin value accepting human sizes such as 8MiB.
type byteSize uint64

func (b *byteSize) Set(s string) error {
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return err
	}
	*b = byteSize(v)
	return nil
}

func (b *byteSize) String() string { return humanize.IBytes(uint64(*b)) }

type loadParams struct {
	path           string
	stackSize      byteSize
	maxSegments    int
	rewriteAuxv    bool
	verifyMappings bool
	inspect        bool
	verbose        bool
}

func addLoadParams(app *kingpin.Application) *loadParams {
	params := &loadParams{}
	app.Flag("verbose", "Enable debug logging of every load step.").Short('v').BoolVar(&params.verbose)
	app.Flag("stack-size", "Size of the stack given to the program.").
		Envar("ELFRUN_STACK_SIZE").Default("8MiB").SetValue(&params.stackSize)
	app.Flag("max-segments", "Reject executables with more loadable segments than this.").
		Envar("ELFRUN_MAX_SEGMENTS").Default("16").IntVar(&params.maxSegments)
	app.Flag("rewrite-auxv", "Describe the loaded executable in AT_PHDR, AT_PHENT, AT_PHNUM, AT_ENTRY and AT_BASE.").
		Envar("ELFRUN_REWRITE_AUXV").Default("true").BoolVar(&params.rewriteAuxv)
	app.Flag("verify-mappings", "Check /proc/self/maps after mapping the segments.").
		Envar("ELFRUN_VERIFY_MAPPINGS").Default("true").BoolVar(&params.verifyMappings)
	app.Flag("inspect", "Print the loadable segments and exit without loading.").BoolVar(&params.inspect)
	app.Arg("path", "ELF executable to run.").Required().StringVar(&params.path)
	return params
}

func (p *loadParams) config() loader.Config {
	return loader.Config{
		StackSize:      uint64(p.stackSize),
		MaxSegments:    p.maxSegments,
		RewriteAuxv:    p.rewriteAuxv,
		VerifyMappings: p.verifyMappings,
	}
}

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Load a static ELF64 executable into this process and run it.").
		UsageWriter(os.Stderr)
	app.HelpFlag.Short('h')
	params := addLoadParams(app)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	if !params.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg := params.config()
	if err := cfg.Validate(); err != nil {
		app.Fatalf("%v", err)
	}

	if params.inspect {
		os.Exit(checkError(inspect(os.Stdout, params.path, cfg)))
	}

	// Returns only on failure.
	err := loader.New(cfg, logger).Run(params.path, os.Args)
	os.Exit(checkError(err))
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	var f *loader.Fault
	if errors.As(err, &f) {
		level.Error(logger).Log("msg", "load failed", "kind", f.Kind, "op", f.Op, "state", f.State, "err", f.Err)
	} else {
		level.Error(logger).Log("msg", "load failed", "err", err)
	}
	return 1
}
