package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/executors"
	"github.com/fluxbpm/orchestrator/internal/expr"
	"github.com/fluxbpm/orchestrator/internal/metrics"
	"github.com/fluxbpm/orchestrator/internal/model"
	"github.com/fluxbpm/orchestrator/internal/tracing"
)

// scopeRun binds one (sub)process scope to its context mapping and
// executor environment. Parallel paths spawned by non-interrupting
// boundaries register on parallel; the scope waits for them before
// completing.
type scopeRun struct {
	def      *model.WorkflowDefinition
	vars     *executors.Vars
	env      *executors.Env
	scopeID  string
	depth    int
	ctx      context.Context
	parallel *sync.WaitGroup
}

// newScopeRun wires the executor environment for a scope, closing over the
// instance for event emission, user waits, escalation and nested scopes.
func (in *Instance) newScopeRun(def *model.WorkflowDefinition, vars *executors.Vars, scopeID string, depth int) *scopeRun {
	sr := &scopeRun{
		def:      def,
		vars:     vars,
		scopeID:  scopeID,
		depth:    depth,
		parallel: &sync.WaitGroup{},
	}
	sr.env = &executors.Env{
		InstanceID:     in.ID,
		Scope:          def,
		Vars:           vars,
		Bus:            in.eng.bus,
		Services:       in.eng.services,
		Logger:         in.eng.logger,
		ReceiveTimeout: in.eng.receiveTimeout,
		Emit: func(e events.Event) {
			e.InstanceID = in.ID
			in.eng.stream.Emit(context.Background(), e)
		},
		AwaitUser: in.awaitUser,
		Escalate:  in.escalate,
		RunScope: func(ctx context.Context, def *model.WorkflowDefinition, vars *executors.Vars) error {
			child := in.newScopeRun(def, vars, scopeID+"/"+def.ID, depth+1)
			return in.runScope(ctx, child)
		},
		Compensate: func(ctx context.Context) error {
			return in.compensate(ctx, sr)
		},
	}
	return sr
}

// runFrom walks the graph from el, executing each element and following
// sequence flows. Multiple outgoing flows of a non-gateway element fork
// implicitly.
func (in *Instance) runFrom(ctx context.Context, sr *scopeRun, el *model.Element, via *model.Connection) error {
	for el != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		if el.IsGateway() {
			return in.runGateway(ctx, sr, el, via)
		}
		if el.Type == model.TypeEventSubProcess || el.IsBoundaryEvent() {
			// Never targets of normal sequence flow.
			return nil
		}
		if via != nil && el.IsEventSubProcessStart() {
			// Event starts only fire through their supervisors; a timer
			// start reached at scope entry still runs as the first element.
			return nil
		}

		redirect, err := in.runNode(ctx, sr, el)
		if err != nil {
			if err == errBranchCancelled {
				return nil
			}
			return err
		}

		fromID := el.ID
		if redirect != nil {
			in.emit(events.ElementEntered, redirect.ID, map[string]interface{}{
				"type": string(redirect.Type),
				"name": redirect.Name,
			})
			in.emit(events.ElementCompleted, redirect.ID, nil)
			fromID = redirect.ID
		}

		conns := sequenceConns(sr.def.Outgoing(fromID))
		switch len(conns) {
		case 0:
			return nil
		case 1:
			via = conns[0]
			el = sr.def.ElementByID(conns[0].To)
		default:
			g, gctx := errgroup.WithContext(ctx)
			for _, c := range conns {
				c := c
				target := sr.def.ElementByID(c.To)
				g.Go(func() error { return in.runFrom(gctx, sr, target, c) })
			}
			return g.Wait()
		}
	}
	return nil
}

// runNode executes one non-gateway element under boundary supervision and
// emits its lifecycle events. A returned element redirects execution to a
// boundary event's outgoing flow.
func (in *Instance) runNode(ctx context.Context, sr *scopeRun, el *model.Element) (*model.Element, error) {
	elCtx, cancelEl := context.WithCancel(ctx)
	defer cancelEl()
	elCtx, span := tracing.StartElementSpan(elCtx, in.ID, el.ID, string(el.Type))
	defer span.End()
	in.trackRunning(el.ID, cancelEl)
	defer in.untrackRunning(el.ID)

	in.emit(events.ElementEntered, el.ID, map[string]interface{}{
		"type": string(el.Type),
		"name": el.Name,
	})
	started := time.Now()

	out := in.runWithBoundaries(elCtx, sr, el)
	metrics.ElementDuration.WithLabelValues(string(el.Type)).Observe(time.Since(started).Seconds())

	if out.interrupted {
		metrics.TasksCancelled.WithLabelValues("boundary").Inc()
		metrics.ElementsExecuted.WithLabelValues(string(el.Type), "cancelled").Inc()
		in.emit(events.TaskCancelled, el.ID, map[string]interface{}{
			"reason": "boundary:" + out.boundary.ID,
		})
		return out.boundary, nil
	}

	if out.err != nil {
		if isCancellation(out.err) {
			reason := "competing path won"
			if in.ctx.Err() != nil {
				reason = "workflow cancelled"
			}
			metrics.TasksCancelled.WithLabelValues("cooperative").Inc()
			metrics.ElementsExecuted.WithLabelValues(string(el.Type), "cancelled").Inc()
			in.emit(events.TaskCancelled, el.ID, map[string]interface{}{"reason": reason})
			if ctx.Err() != nil {
				return nil, out.err
			}
			return nil, errBranchCancelled
		}
		span.RecordError(out.err)
		metrics.ElementsExecuted.WithLabelValues(string(el.Type), "failed").Inc()
		in.emit(events.ElementFailed, el.ID, map[string]interface{}{
			"errorCode": executors.ErrorCode(out.err),
			"message":   executors.ErrorMessage(out.err),
		})
		return nil, out.err
	}

	if out.boundary != nil {
		// Failure caught by an error boundary: terminated via catch.
		metrics.ElementsExecuted.WithLabelValues(string(el.Type), "caught").Inc()
		return out.boundary, nil
	}

	for _, b := range sr.def.BoundaryEvents(el.ID) {
		if b.Type != model.TypeBoundaryCompensationEvent {
			continue
		}
		if handler := compensationHandler(sr.def, b); handler != nil {
			in.comp.register(sr.scopeID, el.ID, handler, sr.vars.Snapshot())
		}
	}

	if out.result != nil {
		name := el.Properties.GetString("resultVariable", el.ID+"_result")
		sr.vars.Set(name, out.result)
	}
	metrics.ElementsExecuted.WithLabelValues(string(el.Type), "completed").Inc()
	in.emit(events.ElementCompleted, el.ID, nil)
	return nil, nil
}

// runBody dispatches the activity body: multi-instance expansion, standard
// loop, or a single execution.
func (in *Instance) runBody(ctx context.Context, sr *scopeRun, el *model.Element) (interface{}, error) {
	if el.Properties.GetBool("isMultiInstance", false) {
		return in.runMultiInstance(ctx, sr, el)
	}
	if el.Properties.GetString("loopCondition", "") != "" {
		return in.runStandardLoop(ctx, sr, el)
	}
	return in.runSingle(ctx, sr, el, sr.vars)
}

// runSingle executes the element once against the given context: expanded
// subprocesses recurse into a nested scope, everything else dispatches to
// the executor registry.
func (in *Instance) runSingle(ctx context.Context, sr *scopeRun, el *model.Element, vars *executors.Vars) (interface{}, error) {
	if el.Type == model.TypeSubProcess {
		child := in.newScopeRun(model.ScopeDefinition(sr.def, el), vars, el.ID, sr.depth+1)
		return nil, in.runScope(ctx, child)
	}
	env := sr.env
	if vars != sr.vars {
		env = env.WithVars(vars)
	}
	return in.eng.registry.Execute(ctx, env, el)
}

// runMultiInstance expands the activity over its input collection. Parallel
// iterations run on isolated context copies; a failing iteration stores an
// error slot in the result collection and the rest continue. Sequential
// iterations share the scope context in order.
func (in *Instance) runMultiInstance(ctx context.Context, sr *scopeRun, el *model.Element) (interface{}, error) {
	items, err := in.resolveCollection(sr, el)
	if err != nil {
		return nil, err
	}
	n := len(items)
	inputElement := el.Properties.GetString("inputElement", "item")
	sequential := el.Properties.GetBool("isSequential", false)

	limit := in.eng.limits().MultiInstanceLimit
	if !sequential && n > limit {
		return nil, executors.Failf(el.ID, executors.CodeMultiInstanceOverflow,
			"%d iterations exceed the configured cap of %d", n, limit)
	}

	results := make([]interface{}, n)
	if sequential {
		completed := 0
		for i, item := range items {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			sr.vars.SetAll(map[string]interface{}{
				inputElement:             item,
				"loopCounter":            i,
				"nrOfInstances":          n,
				"nrOfCompletedInstances": completed,
			})
			res, iterErr := in.runSingle(ctx, sr, el, sr.vars)
			if iterErr != nil {
				if isCancellation(iterErr) {
					return nil, iterErr
				}
				results[i] = map[string]interface{}{"error": executors.ErrorMessage(iterErr)}
			} else {
				results[i] = res
			}
			completed++
		}
	} else {
		var wg sync.WaitGroup
		var active int32
		for i, item := range items {
			iter := sr.vars.Clone()
			iter.SetAll(map[string]interface{}{
				inputElement:          item,
				"loopCounter":         i,
				"nrOfInstances":       n,
				"nrOfActiveInstances": int(atomic.AddInt32(&active, 1)),
			})
			wg.Add(1)
			go func(i int, iter *executors.Vars) {
				defer wg.Done()
				defer atomic.AddInt32(&active, -1)
				res, iterErr := in.runSingle(ctx, sr, el, iter)
				if iterErr != nil {
					results[i] = map[string]interface{}{"error": executors.ErrorMessage(iterErr)}
				} else {
					results[i] = res
				}
			}(i, iter)
		}
		wg.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	sr.vars.Set("nrOfCompletedInstances", n)
	if out := el.Properties.GetString("outputCollection", ""); out != "" {
		sr.vars.Set(out, results)
	}
	return results, nil
}

// resolveCollection reads inputCollection: a literal list, a dotted path, a
// ${path} reference, or an expression yielding a list.
func (in *Instance) resolveCollection(sr *scopeRun, el *model.Element) ([]interface{}, error) {
	raw, ok := el.Properties["inputCollection"]
	if !ok {
		return nil, executors.Failf(el.ID, executors.CodeExpressionError, "multi-instance activity has no inputCollection")
	}
	if items, ok := raw.([]interface{}); ok {
		return items, nil
	}
	ref, ok := raw.(string)
	if !ok {
		return nil, executors.Failf(el.ID, executors.CodeExpressionError, "inputCollection must be a list or a reference")
	}
	if strings.HasPrefix(ref, "${") && strings.HasSuffix(ref, "}") {
		ref = strings.TrimSpace(ref[2 : len(ref)-1])
	}
	ns := sr.vars.Expr()
	var v interface{}
	if resolved, found := expr.Resolve(ref, ns); found {
		v = resolved
	} else if evaled, err := expr.Eval(ref, ns); err == nil {
		v = evaled
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, executors.Failf(el.ID, executors.CodeExpressionError,
			"inputCollection %q did not resolve to a list", ref)
	}
	return items, nil
}

// runStandardLoop re-executes the activity while loopCondition holds, up to
// loopMaximum iterations. loopCounter is visible to the loop body.
func (in *Instance) runStandardLoop(ctx context.Context, sr *scopeRun, el *model.Element) (interface{}, error) {
	cond := el.Properties.GetString("loopCondition", "")
	maximum := el.Properties.GetInt("loopMaximum", in.eng.limits().LoopMaximum)

	var last interface{}
	for counter := 0; ; counter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sr.vars.Set("loopCounter", counter)
		res, err := in.runSingle(ctx, sr, el, sr.vars)
		if err != nil {
			return nil, err
		}
		last = res
		if counter+1 >= maximum {
			break
		}
		again, evalErr := expr.Evaluate(cond, sr.vars.Expr())
		if evalErr != nil {
			in.emit(events.ExpressionError, el.ID, map[string]interface{}{
				"condition": cond,
				"error":     evalErr.Error(),
			})
			break
		}
		if !again {
			break
		}
	}
	return last, nil
}

// compensate fires the scope's registered compensation handlers in reverse
// registration order. Each handler runs sequentially against the context
// snapshot captured when its protected task completed; failures are logged
// and do not stop later handlers.
func (in *Instance) compensate(ctx context.Context, sr *scopeRun) error {
	entries := in.comp.take(sr.scopeID)
	metrics.CompensationsTriggered.Inc()
	in.emit(events.CompensationTriggered, "", map[string]interface{}{"scopeId": sr.scopeID})

	for _, e := range entries {
		handlerVars := executors.NewVars(e.snapshot)
		in.emit(events.ElementEntered, e.handler.ID, map[string]interface{}{
			"type":        string(e.handler.Type),
			"name":        e.handler.Name,
			"compensates": e.elementID,
		})
		if _, err := in.eng.registry.Execute(ctx, sr.env.WithVars(handlerVars), e.handler); err != nil {
			in.emit(events.ElementFailed, e.handler.ID, map[string]interface{}{
				"errorCode": executors.ErrorCode(err),
				"message":   executors.ErrorMessage(err),
			})
			continue
		}
		in.emit(events.ElementCompleted, e.handler.ID, nil)
	}
	return nil
}

// compensationHandler resolves the handler task of a compensation boundary:
// the target of its compensation flow (or first outgoing flow).
func compensationHandler(def *model.WorkflowDefinition, b *model.Element) *model.Element {
	conns := def.Outgoing(b.ID)
	for _, c := range conns {
		if c.IsCompensation() {
			return def.ElementByID(c.To)
		}
	}
	if len(conns) > 0 {
		return def.ElementByID(conns[0].To)
	}
	return nil
}
