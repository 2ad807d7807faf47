package runlevel

import (
	"fmt"

	"github.com/trimitri/jokarus/internal/domain/model"
)

// InvalidTransitionError reports an operator request that violates the
// ladder's invariants. Controller state is unchanged when it is returned.
type InvalidTransitionError struct {
	From   model.Level
	To     model.Level
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}
