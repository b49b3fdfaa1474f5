package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// renderReport builds the plain-text diagnostic dropped next to a failed
// file. It is written for the operator who finds the file in the errors
// folder: what failed, with which handler, and every attempt in the order
// it happened.
func renderReport(file FileInfo, state RetryState, handlerDesc string, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Processing failed: %s\n", file.Name)
	fmt.Fprintf(&b, "Time:     %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "File:     %s (%s)\n", file.Path, humanize.IBytes(uint64(file.Size)))
	fmt.Fprintf(&b, "Handler:  %s\n", handlerDesc)
	fmt.Fprintf(&b, "Attempts: %d of %d\n", state.Attempt, state.MaxRetries)
	if len(state.History) > 0 {
		fmt.Fprintf(&b, "Error:    %v\n", state.History[0].Err)
	}
	b.WriteString("\nAttempt history:\n")
	for i := len(state.History) - 1; i >= 0; i-- {
		a := state.History[i]
		fmt.Fprintf(&b, "  %d. [%s] %v\n", a.Attempt, a.At.Format(time.RFC3339), a.Err)
	}
	return []byte(b.String())
}
