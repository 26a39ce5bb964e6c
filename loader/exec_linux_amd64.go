package loader

import (
	"runtime"
	"runtime/debug"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// jump stores entry just below sp, switches to that slot, zeroes every general purpose register,
// clears the direction flag and returns into entry. Implemented in
// exec_linux_amd64.s.
func jump(entry, sp uintptr)

// handoff is the production transfer: reset the process the way execve
// would, then jump. It only returns on failure.
func handoff(entry, sp uint64) error {
	if err := prepareExec(); err != nil {
		return err
	}
	jump(uintptr(entry), uintptr(sp))
	panic("elfrun: loaded program returned to the loader")
}

// kernel struct sigaction for x86-64.
type sigactiont struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

type stackt struct {
	sp    uintptr
	flags int32
	_     int32
	size  uintptr
}

const (
	sigDfl    = 0
	sigIgn    = 1
	ssDisable = 2
	numSig    = 64
)

// prepareExec pins the goroutine to this thread, stops the collector and
// drops the runtime's signal handlers so nothing of the Go runtime runs on
// the thread once it belongs to the loaded program.
func prepareExec() error {
	runtime.LockOSThread()
	debug.SetGCPercent(-1)
	if err := resetSignals(); err != nil {
		return err
	}
	ss := stackt{flags: ssDisable}
	if _, _, errno := unix.RawSyscall(unix.SYS_SIGALTSTACK, uintptr(unsafe.Pointer(&ss)), 0, 0); errno != 0 {
		return errors.Wrap(errno, "sigaltstack")
	}
	return nil
}

// resetSignals sets every caught signal back to SIG_DFL. Ignored signals
// stay ignored, as across execve.
func resetSignals() error {
	for sig := 1; sig <= numSig; sig++ {
		if sig == int(unix.SIGKILL) || sig == int(unix.SIGSTOP) {
			continue
		}
		var old sigactiont
		if _, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), 0,
			uintptr(unsafe.Pointer(&old)), unsafe.Sizeof(old.mask), 0, 0); errno != 0 {
			return errors.Wrapf(errno, "rt_sigaction(%d) query", sig)
		}
		if old.handler == sigDfl || old.handler == sigIgn {
			continue
		}
		act := sigactiont{handler: sigDfl}
		if _, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig),
			uintptr(unsafe.Pointer(&act)), 0, unsafe.Sizeof(act.mask), 0, 0); errno != 0 {
			return errors.Wrapf(errno, "rt_sigaction(%d) reset", sig)
		}
	}
	return nil
}
