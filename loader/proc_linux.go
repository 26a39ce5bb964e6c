package loader

import (
	"bytes"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// startstack is field 28 of /proc/<pid>/stat, counted from 1.
const statStartStackField = 28

// InitialStackPointer returns the stack pointer the kernel handed to this
// process, which is where its own argc sits.
func InitialStackPointer() (uint64, error) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, fault(KindIO, err, "read /proc/self/stat")
	}
	sp, err := parseStartStack(data)
	if err != nil {
		return 0, fault(KindBootstrap, err, "parse /proc/self/stat")
	}
	return sp, nil
}

func parseStartStack(stat []byte) (uint64, error) {
	// comm may contain spaces and parentheses; fields resume after the
	// last ')'.
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 {
		return 0, errors.New("no command name")
	}
	fields := bytes.Fields(stat[i+1:])
	// fields[0] is field 3 (state).
	idx := statStartStackField - 3
	if len(fields) <= idx {
		return 0, errors.Errorf("%d fields after the command name, want more than %d", len(fields), idx)
	}
	sp, err := strconv.ParseUint(string(fields[idx]), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "startstack")
	}
	if sp == 0 {
		return 0, errors.New("startstack is hidden")
	}
	return sp, nil
}
