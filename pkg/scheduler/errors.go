package scheduler

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrStartupDeadline marks a service that never reached the readiness
// its dependents require within its startup window.
var ErrStartupDeadline = errors.New("startup deadline exceeded")

// ErrRetryBudgetExhausted marks a service whose health check went
// unhealthy before ever passing.
var ErrRetryBudgetExhausted = errors.New("health check retry budget exhausted")

// CascadeError marks a service that was never launched because a
// prerequisite failed. Root names the originating failure so callers
// can tell root causes from cascades.
type CascadeError struct {
	Service      string
	Prerequisite string
	Root         string
}

func (e *CascadeError) Error() string {
	if e.Root != "" && e.Root != e.Prerequisite {
		return fmt.Sprintf("prerequisite %s failed (root cause: %s)", e.Prerequisite, e.Root)
	}
	return fmt.Sprintf("prerequisite %s failed", e.Prerequisite)
}
