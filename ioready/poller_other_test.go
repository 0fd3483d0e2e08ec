//go:build !linux && !darwin

package ioready

import "testing"

func TestNewReportsUnsupportedGOOS(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatal("expected an error on a GOOS with no native backend")
	}
}
