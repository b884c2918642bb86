// Package osmem is the allocator's OS memory facade: anonymous mmap,
// mprotect-based guard pages, and munmap, grounded on the teacher's
// kernel/threads/sab/hal_native.go syscall.Mmap/Munmap pattern but
// rewritten against golang.org/x/sys/unix for MADV_NOHUGEPAGE, which the
// stdlib syscall package does not expose.
package osmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapAnonymous reserves size bytes of anonymous, private, read-write memory.
// It does not apply any madvise advice itself; callers that want transparent
// huge pages disabled over the region call AdviseNoHugePage on it afterwards
// (huge pages would make guard-page granularity coarser than a single 4KB
// page).
func MapAnonymous(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("osmem: size must be > 0, got %d", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("osmem: mmap %d bytes: %w", size, err)
	}
	return b, nil
}

// AdviseNoHugePage best-effort disables transparent huge pages over region.
// Returns the raw error so the caller decides whether it is worth logging.
func AdviseNoHugePage(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	return unix.Madvise(region, unix.MADV_NOHUGEPAGE)
}

// ProtectNone marks region inaccessible. Used for guard pages (§4.4): any
// read, write, or execute to the region raises SIGSEGV.
func ProtectNone(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
		return fmt.Errorf("osmem: mprotect(PROT_NONE) %d bytes at %p: %w", len(region), unsafe.Pointer(&region[0]), err)
	}
	return nil
}

// ProtectRW restores read-write access to a region previously guarded by
// ProtectNone. Not used on the hot path today (guard pages are permanent
// for the arena's lifetime) but kept symmetric for test teardown and for a
// future re-randomization pass.
func ProtectRW(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("osmem: mprotect(PROT_READ|PROT_WRITE) %d bytes: %w", len(region), err)
	}
	return nil
}

// Unmap releases region back to the OS.
func Unmap(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	if err := unix.Munmap(region); err != nil {
		return fmt.Errorf("osmem: munmap %d bytes: %w", len(region), err)
	}
	return nil
}
