package executors

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/expr"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// ExecuteThrowEvent handles throw events (intermediate and end): message
// publish, signal broadcast, escalation routing, compensation triggering
// and error raising, depending on which property the element carries.
func ExecuteThrowEvent(ctx context.Context, env *Env, el *model.Element) (interface{}, error) {
	ns := env.Vars.Expr()
	payload := throwPayload(el, ns)

	switch {
	case el.Properties.GetString("errorCode", "") != "":
		code := el.Properties.GetString("errorCode", "")
		return nil, &TaskError{ElementID: el.ID, Code: code,
			Message: expr.Interpolate(el.Properties.GetString("errorMessage", ""), ns)}

	case el.Properties.GetString("messageRef", "") != "":
		ref := el.Properties.GetString("messageRef", "")
		key := expr.Interpolate(el.Properties.GetString("correlationKey", ""), ns)
		env.Bus.Publish(ref, key, payload)
		return nil, ctx.Err()

	case el.Properties.GetString("signalRef", "") != "":
		n := env.Bus.PublishSignal(el.Properties.GetString("signalRef", ""), payload)
		return n, ctx.Err()

	case el.Properties.GetString("escalationCode", "") != "":
		code := el.Properties.GetString("escalationCode", "")
		if !env.Escalate(code, payload) {
			env.Logger.Warn("escalation not caught by any scope",
				zap.String("element_id", el.ID), zap.String("escalation_code", code))
		}
		return nil, ctx.Err()

	case el.Properties.GetBool("compensate", false) || el.Properties.GetBool("isCompensation", false):
		return nil, env.Compensate(ctx)
	}
	return nil, ctx.Err()
}

// ExecuteCatchEvent handles intermediate catch events: message, signal or
// timer, depending on the element's properties.
func ExecuteCatchEvent(ctx context.Context, env *Env, el *model.Element) (interface{}, error) {
	switch {
	case el.Properties.GetString("messageRef", "") != "":
		return ExecuteReceive(ctx, env, el)

	case el.Properties.GetString("signalRef", "") != "":
		ref := el.Properties.GetString("signalRef", "")
		var timeout time.Duration
		if ms := el.Properties.GetInt("timeoutMs", 0); ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		msg, err := env.Bus.Await(ctx, el.ID, ref, "", timeout)
		if err != nil {
			return nil, err
		}
		env.Emit(env.event(events.MessageDelivered, el, map[string]interface{}{
			"messageRef":     msg.MessageRef,
			"correlationKey": msg.CorrelationKey,
		}))
		return msg.Payload, nil

	default:
		return ExecuteTimer(ctx, env, el)
	}
}

// throwPayload builds the outbound payload: the element's custom property
// with every string value interpolated against the context.
func throwPayload(el *model.Element, ns expr.Context) map[string]interface{} {
	custom, _ := el.Properties["custom"].(map[string]interface{})
	if custom == nil {
		return nil
	}
	out := make(map[string]interface{}, len(custom))
	for k, v := range custom {
		if s, ok := v.(string); ok {
			out[k] = expr.Interpolate(s, ns)
		} else {
			out[k] = v
		}
	}
	return out
}
