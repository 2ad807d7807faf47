package actuation

import (
	"fmt"
	"time"

	"github.com/trimitri/jokarus/internal/domain/model"
)

// TimeoutError reports a command whose acknowledgement never arrived
// within its deadline. A send failure is reported the same way: a frame
// that never left the host will never be acknowledged either.
type TimeoutError struct {
	Command  model.Command
	Deadline time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s (%s on %s) missed its acknowledgement deadline",
		e.Command.ID, e.Command.Action, e.Command.Target)
}
