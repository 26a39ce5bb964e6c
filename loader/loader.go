//go:build linux

package loader

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Loader runs the load pipeline for one executable. It is single use.
type Loader struct {
	cfg      Config
	logger   log.Logger
	mem      Memory
	pageSize uint64
	state    State

	// handoff performs the final transfer; swapped in tests.
	handoff func(entry, sp uint64) error
}

func New(cfg Config, logger log.Logger) *Loader {
	return &Loader{
		cfg:      cfg,
		logger:   logger,
		mem:      SelfMemory{},
		pageSize: uint64(os.Getpagesize()),
		state:    StateStart,
		handoff:  handoff,
	}
}

func (l *Loader) State() State { return l.state }

// Run loads the executable at path into this process and transfers control
// to its entry point. args must be this process's own argument vector; the
// loaded program receives the same argv, envp and auxv. Run only returns on
// failure, always with a *Fault.
func (l *Loader) Run(path string, args []string) error {
	err := l.run(path, args)
	var f *Fault
	if !errors.As(err, &f) {
		f = fault(KindBootstrap, err, "run")
	}
	f.State = l.state
	l.state = StateFailed
	return f
}

func (l *Loader) run(path string, args []string) error {
	if err := l.cfg.Validate(); err != nil {
		return fault(KindConfig, err, "check config")
	}

	img, err := Parse(path, l.cfg.MaxSegments)
	if err != nil {
		return err
	}
	defer img.Close()
	l.advance(StateParsed, "path", path, "segments", len(img.Segments), "entry", hex(img.Entry))

	mappings, err := img.Map(l.pageSize)
	for i, m := range mappings {
		level.Debug(l.logger).Log("msg", "mapped segment", "index", i, "region", m,
			"size", humanize.IBytes(m.Length))
	}
	if err != nil {
		return err
	}
	if l.cfg.VerifyMappings {
		if err := VerifyMappings(mappings); err != nil {
			return err
		}
	}
	if err := img.CheckEntry(); err != nil {
		return err
	}
	l.advance(StateMapped, "mappings", len(mappings))

	sp, err := InitialStackPointer()
	if err != nil {
		return err
	}
	inherited, err := Validate(l.mem, sp, args)
	if err != nil {
		return err
	}
	level.Debug(l.logger).Log("msg", "inherited stack ok", "sp", hex(sp),
		"argc", inherited.Argc(), "envc", len(inherited.Envp), "auxc", len(inherited.Auxv))

	boot := inherited
	if l.cfg.RewriteAuxv {
		boot = inherited.WithAuxv(img.AuxvValues())
	}
	stack, err := BuildStack(l.cfg.StackSize, l.pageSize, boot)
	if err != nil {
		return err
	}
	if stack.SP()%16 != 0 {
		return fault(KindBootstrap, errors.Errorf("stack pointer %#x is not 16-byte aligned", stack.SP()), "build stack")
	}
	l.advance(StateStackBuilt, "sp", hex(stack.SP()), "stack_size", humanize.IBytes(stack.Size()))

	if _, err := Validate(l.mem, stack.SP(), args); err != nil {
		_ = stack.Release()
		return err
	}
	l.advance(StateValidated)

	if err := img.Close(); err != nil {
		return fault(KindIO, err, "close %s", path)
	}

	l.advance(StateTransferred, "entry", hex(img.Entry))
	if err := l.handoff(img.Entry, stack.SP()); err != nil {
		l.state = StateValidated
		return fault(KindBootstrap, err, "transfer control")
	}
	panic("elfrun: control transfer returned")
}

func (l *Loader) advance(s State, keyvals ...interface{}) {
	l.state = s
	level.Debug(l.logger).Log(append([]interface{}{"msg", "load step", "state", s}, keyvals...)...)
}

func hex(v uint64) string { return fmt.Sprintf("%#x", v) }
