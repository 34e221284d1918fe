package executors

import (
	"context"

	"go.uber.org/zap"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/expr"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// ExecuteService invokes the handler named by the element's implementation
// (falling back to its topic, then the generic "service" handler). An
// unregistered handler is a no-op so diagrams run without external wiring.
func ExecuteService(ctx context.Context, env *Env, el *model.Element) (interface{}, error) {
	name := el.Properties.GetString("implementation", "")
	if name == "" {
		name = el.Properties.GetString("topic", "")
	}
	h := env.Services.Get(name)
	if h == nil {
		h = env.Services.Get("service")
	}
	if h == nil {
		env.Logger.Debug("no service handler registered, skipping",
			zap.String("element_id", el.ID), zap.String("implementation", name))
		return nil, ctx.Err()
	}
	result, err := h(ctx, el, env.Vars.Snapshot(), env.Emit)
	if err != nil {
		return nil, wrapHandlerErr(el, err)
	}
	return result, nil
}

// ExecuteSend interpolates the message fields against the context and
// delegates delivery to the "send" handler. Success is the handler
// returning without error.
func ExecuteSend(ctx context.Context, env *Env, el *model.Element) (interface{}, error) {
	ns := env.Vars.Expr()
	payload := map[string]interface{}{
		"to":      expr.Interpolate(el.Properties.GetString("to", ""), ns),
		"subject": expr.Interpolate(el.Properties.GetString("subject", ""), ns),
		"body":    expr.Interpolate(el.Properties.GetString("messageBody", ""), ns),
	}
	if from := el.Properties.GetString("fromEmail", ""); from != "" {
		payload["from"] = expr.Interpolate(from, ns)
	}

	h := env.Services.Get("send")
	if h == nil {
		env.Logger.Debug("no send handler registered, skipping", zap.String("element_id", el.ID))
		return payload, ctx.Err()
	}
	vars := env.Vars.Snapshot()
	for k, v := range payload {
		vars["_send_"+k] = v
	}
	if _, err := h(ctx, el, vars, env.Emit); err != nil {
		return nil, wrapHandlerErr(el, err)
	}
	return payload, nil
}

// ExecuteAgentic delegates to the "agentic" handler, which drives an LLM or
// agent loop and is free to be non-deterministic. Thinking and tool events
// pass through untouched; raw text deltas are re-chunked at sentence
// boundaries before they reach the stream, so stored replay reads the way
// the live run did.
func ExecuteAgentic(ctx context.Context, env *Env, el *model.Element) (interface{}, error) {
	h := env.Services.Get("agentic")
	if h == nil {
		env.Logger.Warn("no agentic handler registered, skipping",
			zap.String("element_id", el.ID), zap.String("agent_type", el.Properties.GetString("agentType", "")))
		return nil, ctx.Err()
	}

	streamer := NewTextStreamer(env, el.ID)
	emit := func(ev events.Event) {
		switch ev.Type {
		case events.TextMessageChunk:
			if content, ok := ev.Payload["content"].(string); ok {
				streamer.Write(content)
				return
			}
		case events.TextMessageStart, events.TextMessageEnd:
			// The streamer frames its own message lifecycle.
			return
		}
		env.Emit(ev)
	}

	result, err := h(ctx, el, env.Vars.Snapshot(), emit)
	streamer.Close()
	if err != nil {
		return nil, wrapHandlerErr(el, err)
	}
	return result, nil
}

// wrapHandlerErr keeps TaskErrors (and their codes) intact so error
// boundaries can match them, and wraps everything else generically.
func wrapHandlerErr(el *model.Element, err error) error {
	if te, ok := err.(*TaskError); ok {
		if te.ElementID == "" {
			te.ElementID = el.ID
		}
		return te
	}
	return &TaskError{ElementID: el.ID, Code: err.Error(), Message: err.Error(), Cause: err}
}
