package executors

import (
	"context"
	"strings"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/expr"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// ExecuteUser announces a pending user task and suspends until the first
// external decision arrives. The decision lands in the context as
// "<elementId>_decision"; a rejection raises a UserRejected failure that
// error-handling paths may catch.
func ExecuteUser(ctx context.Context, env *Env, el *model.Element) (interface{}, error) {
	ns := env.Vars.Expr()
	payload := map[string]interface{}{
		"name": el.Name,
	}
	if form := el.Properties["form"]; form != nil {
		payload["form"] = form
	} else if custom, ok := el.Properties["custom"].(map[string]interface{}); ok && custom["formFields"] != nil {
		payload["form"] = custom["formFields"]
	} else {
		// No declared fields: surface the results accumulated so far so the
		// reviewer sees what they are deciding on.
		results := map[string]interface{}{}
		for k, v := range ns {
			if strings.HasSuffix(k, "_result") {
				results[k] = v
			}
		}
		if len(results) > 0 {
			payload["form"] = results
		}
	}
	if assignee := el.Properties.GetString("assignee", ""); assignee != "" {
		payload["assignee"] = expr.Interpolate(assignee, ns)
	}
	if priority := el.Properties.GetString("priority", ""); priority != "" {
		payload["priority"] = priority
	}
	if due := el.Properties.GetString("due", ""); due != "" {
		payload["due"] = due
	}
	if corr := el.Properties.GetString("correlationKey", ""); corr != "" {
		payload["correlation"] = expr.Interpolate(corr, ns)
	}
	env.Emit(env.event(events.TaskUserPending, el, payload))

	decision, err := env.AwaitUser(ctx, el)
	if err != nil {
		return nil, err
	}

	env.Vars.Set(el.ID+"_decision", decision.Decision)
	if decision.Comments != "" {
		env.Vars.Set(el.ID+"_comments", decision.Comments)
	}
	for k, v := range decision.Payload {
		env.Vars.Set(el.ID+"_"+k, v)
	}

	if decision.Decision == "rejected" {
		return nil, &TaskError{ElementID: el.ID, Code: CodeUserRejected,
			Message: "user rejected " + el.ID}
	}
	return decision.Decision, nil
}
