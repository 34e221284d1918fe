package executors

import (
	"context"
	"errors"
	"time"

	"github.com/fluxbpm/orchestrator/internal/bus"
	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/expr"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// ExecuteReceive suspends on the message bus until a message matching
// (messageRef, correlationKey) arrives. The payload is merged into the
// context under keys prefixed with the element id.
func ExecuteReceive(ctx context.Context, env *Env, el *model.Element) (interface{}, error) {
	ref := el.Properties.GetString("messageRef", el.ID)
	key := expr.Interpolate(el.Properties.GetString("correlationKey", ""), env.Vars.Expr())

	timeout := env.ReceiveTimeout
	if ms := el.Properties.GetInt("timeoutMs", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	msg, err := env.Bus.Await(ctx, el.ID, ref, key, timeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return nil, &TaskError{ElementID: el.ID, Code: CodeTimeout,
				Message: "no message for " + ref + "/" + key, Cause: err}
		}
		return nil, err
	}

	for k, v := range msg.Payload {
		env.Vars.Set(el.ID+"_"+k, v)
	}
	env.Emit(env.event(events.MessageDelivered, el, map[string]interface{}{
		"messageRef":     msg.MessageRef,
		"correlationKey": msg.CorrelationKey,
	}))
	return msg.Payload, nil
}
