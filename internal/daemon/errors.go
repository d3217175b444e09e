package daemon

import (
	"fmt"

	"github.com/hatlabs/halpid/internal/power"
)

// ValidationError reports bad command input, rejected before any register
// write is attempted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ScheduleViolationError reports a command that conflicts with an in-progress
// power-down sequence. The command is refused, never queued.
type ScheduleViolationError struct {
	Op    string
	State power.State
}

func (e *ScheduleViolationError) Error() string {
	return fmt.Sprintf("%s refused: power state is %s", e.Op, e.State)
}
