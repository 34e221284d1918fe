package executors

import (
	"context"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/expr"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// ExecuteScript runs the element's embedded script in the expression
// sandbox. The scope context is the only namespace; assignments flow back
// into it and the last expression's value is the task result.
func ExecuteScript(ctx context.Context, env *Env, el *model.Element) (interface{}, error) {
	src := el.Properties.GetString("script", "")
	if src == "" {
		return nil, nil
	}
	ns := env.Vars.Expr()
	result, err := expr.RunScript(src, ns)
	if err != nil {
		env.Emit(env.event(events.ExpressionError, el, map[string]interface{}{
			"script": src,
			"error":  err.Error(),
		}))
		return nil, &TaskError{ElementID: el.ID, Code: CodeScriptError, Message: err.Error(), Cause: err}
	}
	env.Vars.SetAll(ns)
	return result, ctx.Err()
}
