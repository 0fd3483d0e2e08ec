//go:build !linux && !darwin

package ioready

import (
	"fmt"
	"runtime"

	"github.com/nursery-run/nursery/kernel"
)

// New reports that no native readiness backend is available on this OS. The
// kernel's built-in pure-Go default still works for timer-only programs.
func New() (kernel.ReadinessBackend, error) {
	return nil, fmt.Errorf("ioready: no backend implemented for GOOS=%s", runtime.GOOS)
}
