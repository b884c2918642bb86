package diag

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// incidentID generates a short random hex tag for a corruption report, so
// multiple reports from the same run can be told apart in logs.
func incidentID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// Fallback to a low-entropy id if the OS random source fails (should not happen)
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
