package executors

import (
	"context"

	"github.com/fluxbpm/orchestrator/internal/expr"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// ExecuteCallActivity resolves the called subprocess definition and runs it
// against a child context. Declared inputMappings filter what the child
// sees (no mappings: full copy); on success, only declared outputMappings
// merge back into the parent.
func ExecuteCallActivity(ctx context.Context, env *Env, el *model.Element) (interface{}, error) {
	name := el.Properties.GetString("calledElement", "")
	def := env.Scope.Subprocess(name)
	if def == nil {
		return nil, Failf(el.ID, CodeUnknownSubprocess, "no subprocess definition %q", name)
	}

	ns := env.Vars.Expr()
	var child *Vars
	if in, ok := el.Properties["inputMappings"].(map[string]interface{}); ok && len(in) > 0 {
		child = NewVars(nil)
		for childKey, src := range in {
			child.Set(childKey, resolveMapping(src, ns))
		}
	} else {
		child = env.Vars.Clone()
	}

	if err := env.RunScope(ctx, def, child); err != nil {
		return nil, err
	}

	if out, ok := el.Properties["outputMappings"].(map[string]interface{}); ok {
		childNS := child.Expr()
		for parentKey, src := range out {
			env.Vars.Set(parentKey, resolveMapping(src, childNS))
		}
	}
	return nil, ctx.Err()
}

// resolveMapping evaluates a mapping source: a string is treated as a
// dotted path first, then as an expression; anything else passes through.
func resolveMapping(src interface{}, ns expr.Context) interface{} {
	s, ok := src.(string)
	if !ok {
		return src
	}
	if v, ok := expr.Resolve(s, ns); ok {
		return v
	}
	if v, err := expr.Eval(s, ns); err == nil {
		return v
	}
	return expr.Interpolate(s, ns)
}
