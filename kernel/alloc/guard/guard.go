// Package guard declares and enforces the allocator's guard-page and
// canary policy at a bag boundary. Grounded on the teacher's
// kernel/threads/sab/guard.go RegionPolicy/PolicyFor shape — a declarative
// policy struct resolved once, not re-derived per call — generalized from
// "which owner may read/write a named SAB region" to "which guard
// behavior applies at this bag boundary."
package guard

import (
	"fmt"

	"github.com/nmxmxh/hardguard/kernel/alloc/osmem"
	"github.com/nmxmxh/hardguard/kernel/alloc/prng"
)

// canarySentinel is the trailer byte stamped at the end of every small
// object, matching FreeGuard's xdefines.hh CANARY_SENTINEL.
const canarySentinel = 0x7B

// Policy declares the guard behavior for one heap arena. Resolved once at
// Engine construction from geometry.Config flags, mirroring PolicyFor's
// resolve-once-from-enum style.
type Policy struct {
	// Trailing installs a guard page after every bag replica.
	Trailing bool
	// TailBagGuard is carried in the policy, but no engine in this module
	// reads it: no guard is installed over the unused bags after the
	// highest size class of a sub-heap.
	TailBagGuard bool
	// RandomGuard occasionally plants a guard page mid-bag instead of only
	// at its end, raising the cost of predicting a safe overrun target.
	RandomGuard bool
	// RandomGuardProp is the probability (FreeGuard's RANDOM_GUARD_PROP,
	// default 0.1) that a given bump-pointer advance installs a random
	// guard instead of just returning the object.
	RandomGuardProp float64
	// CanaryByte stamps and checks a trailer sentinel byte on every small
	// object.
	CanaryByte bool
}

// Default mirrors FreeGuard's shipped configuration: all four defenses on,
// a 10% random-guard probability.
func Default() Policy {
	return Policy{
		Trailing:        true,
		TailBagGuard:    true,
		RandomGuard:     true,
		RandomGuardProp: 0.1,
		CanaryByte:      true,
	}
}

// InstallTrailing marks region PROT_NONE, the guard page placed
// immediately after a bag replica or after the tail bag of a sub-heap. A
// no-op when the policy doesn't call for it.
func (p Policy) InstallTrailing(region []byte, want bool) error {
	if !want || len(region) == 0 {
		return nil
	}
	if err := osmem.ProtectNone(region); err != nil {
		return fmt.Errorf("guard: install trailing guard: %w", err)
	}
	return nil
}

// MaybeInstallRandom flips a weighted coin using rng and, on a hit, marks
// region PROT_NONE in the middle of a bag's usable span. Returns whether a
// guard was installed so the caller can account for the bytes it steals
// from the bump-pointer budget.
func (p Policy) MaybeInstallRandom(region []byte, rng *prng.Source) (installed bool, err error) {
	if !p.RandomGuard || len(region) == 0 {
		return false, nil
	}
	if rng.Float64() >= p.RandomGuardProp {
		return false, nil
	}
	if err := osmem.ProtectNone(region); err != nil {
		return false, fmt.Errorf("guard: install random guard: %w", err)
	}
	return true, nil
}

// StampCanary writes the sentinel byte at the last byte of classSize's
// usable span within obj. obj must be at least classSize bytes.
func (p Policy) StampCanary(obj []byte, classSize uint32) {
	if !p.CanaryByte || classSize == 0 {
		return
	}
	obj[classSize-1] = canarySentinel
}

// CheckCanary reports whether the trailer byte is intact.
func (p Policy) CheckCanary(obj []byte, classSize uint32) bool {
	if !p.CanaryByte || classSize == 0 {
		return true
	}
	return obj[classSize-1] == canarySentinel
}
