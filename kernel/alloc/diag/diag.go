// Package diag reports heap-corruption incidents: canary overwrites,
// double frees, frees of unknown pointers. Grounded on FreeGuard's
// errmsg.hh printCallStack() (backtrace + addr2line subprocess);
// re-expressed with runtime/debug.Stack() since Go has no addr2line
// equivalent worth shelling out to, plus a short random incident tag so
// concurrent goroutines' reports can be told apart in logs.
package diag

import (
	"fmt"
	"runtime/debug"

	"github.com/nmxmxh/hardguard/kernel/alloc/obslog"
)

// Report logs a corruption incident of the given kind at the address
// addr, with a caller-supplied detail string, and returns a short incident
// tag for correlation. Callers decide fatality: a canary violation or
// double free on a still-live bag is typically escalated via
// logger.Abort after Report returns, while a best-effort diagnostic
// (§7 "reported but not fatal") just logs and continues.
func Report(logger *obslog.Logger, kind string, addr uintptr, detail string) string {
	tag := incidentID()
	logger.Error("heap corruption detected",
		obslog.String("incident", tag),
		obslog.String("kind", kind),
		obslog.String("addr", fmt.Sprintf("0x%x", addr)),
		obslog.String("detail", detail),
	)
	logger.Error("stack trace", obslog.String("incident", tag), obslog.String("stack", string(debug.Stack())))
	return tag
}
