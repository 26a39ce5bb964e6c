//go:build linux && !amd64

package loader

import (
	"runtime"

	"github.com/pkg/errors"
)

func handoff(entry, sp uint64) error {
	return errors.Errorf("control transfer is not implemented on %s", runtime.GOARCH)
}
