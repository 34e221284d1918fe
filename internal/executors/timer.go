package executors

import (
	"context"
	"time"

	"github.com/fluxbpm/orchestrator/internal/model"
)

// ExecuteTimer sleeps until the element's timer is due, observing
// cancellation. Deadlines are absolute, measured from activation, so host
// pauses never stretch the wait. The completion instant is recorded as
// "<elementId>_completed_at".
func ExecuteTimer(ctx context.Context, env *Env, el *model.Element) (interface{}, error) {
	spec, err := ParseTimer(el.Properties)
	if err != nil {
		return nil, &TaskError{ElementID: el.ID, Code: CodeExpressionError, Message: err.Error(), Cause: err}
	}
	due := spec.Due(time.Now().UTC())
	if err := SleepUntil(ctx, due); err != nil {
		return nil, err
	}
	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	env.Vars.Set(el.ID+"_completed_at", completedAt)
	return completedAt, nil
}
