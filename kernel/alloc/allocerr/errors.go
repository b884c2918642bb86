// Package allocerr holds the allocator's sentinel errors and the thin
// fmt.Errorf-based wrapping helpers the teacher's kernel/utils/errors.go
// used, extended with the security-violation sentinels of §7.
package allocerr

import (
	"errors"
	"fmt"
)

// Sentinel errors, compared with errors.Is by callers.
var (
	ErrOOM             = errors.New("malloc: out of memory")
	ErrInvalidFree     = errors.New("malloc: pointer does not belong to this allocator")
	ErrDoubleFree      = errors.New("malloc: double free detected")
	ErrCanaryViolation = errors.New("malloc: canary overwrite detected")
	ErrMisalignedFree  = errors.New("malloc: free() called with a misaligned pointer")
	ErrUnknownPointer  = errors.New("malloc: unknown pointer")
)

// New creates a plain error with the given message.
func New(msg string) error {
	return fmt.Errorf("%s", msg)
}

// Wrap annotates err with msg, preserving errors.Is/As via %w.
func Wrap(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
