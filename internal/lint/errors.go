package lint

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrLint     = errors.New("lint failed")
	ErrFindings = errors.New("lint findings remain")
)

// Returned when formatting drift or analysis findings remain.
type FindingsError struct {
	Check       string // Check that failed, "format" or "clippy".
	Output      string // Captured tool output.
	Remediation string // How to resolve the findings.
}

func (e *FindingsError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s check failed", ErrFindings, e.Check)
	if out := strings.TrimSpace(e.Output); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	if e.Remediation != "" {
		b.WriteString("\n")
		b.WriteString(e.Remediation)
	}
	return b.String()
}

// Matches [ErrFindings].
func (e *FindingsError) Is(target error) bool {
	return target == ErrFindings
}
