// Package launch is the external collaborator boundary: the scheduler
// starts and stops services only through the Launcher interface. The
// exec implementation runs stack services as local processes.
package launch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-go-golems/stackctl/pkg/compose"
)

// Handle identifies one launched service.
type Handle struct {
	Service   string
	PID       int
	StdoutLog string
	StderrLog string
	StartedAt time.Time
}

// Launcher starts and stops service processes. Launch blocks until the
// process is running (the Started lifecycle point), not until it is
// healthy. Stop is cooperative: SIGTERM, a bounded grace period, then
// SIGKILL.
type Launcher interface {
	Launch(ctx context.Context, name string, svc compose.Service) (Handle, error)
	Stop(ctx context.Context, h Handle) error
}

// Error is a failed launch attempt for one service.
type Error struct {
	Service string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Service, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
