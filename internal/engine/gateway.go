package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/executors"
	"github.com/fluxbpm/orchestrator/internal/expr"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// runGateway handles a gateway element: the merge (join) phase for multiple
// incoming flows, then the outgoing decision. Non-final join arrivals end
// their branch here; the completing arrival carries execution onward.
func (in *Instance) runGateway(ctx context.Context, sr *scopeRun, gw *model.Element, via *model.Connection) error {
	incoming := sr.def.Incoming(gw.ID)
	if len(incoming) > 1 {
		switch {
		case gw.Type == model.TypeExclusiveGateway:
			// Pass-through merge: every arrival continues independently.
		case isRaceJoin(gw):
			if !in.raceArrive(sr, gw) {
				return nil
			}
			in.cancelSiblingPaths(sr, gw, via)
		default:
			fire, _ := in.arrive(sr, gw, via, false)
			if !fire {
				return nil
			}
		}
	}
	return in.fireGateway(ctx, sr, gw)
}

// fireGateway emits the decision events and runs the chosen outgoing flows.
func (in *Instance) fireGateway(ctx context.Context, sr *scopeRun, gw *model.Element) error {
	in.emit(events.GatewayEvaluating, gw.ID, map[string]interface{}{"kind": string(gw.Type)})

	if gw.Type == model.TypeEventBasedGateway {
		return in.runEventRace(ctx, sr, gw)
	}

	taken, skipped, err := in.decideFlows(sr, gw)
	if err != nil {
		in.emit(events.ElementFailed, gw.ID, map[string]interface{}{
			"errorCode": executors.ErrorCode(err),
			"message":   executors.ErrorMessage(err),
		})
		return err
	}

	for _, c := range taken {
		in.emit(events.GatewayPathTaken, gw.ID, map[string]interface{}{"flowId": connKey(c)})
	}
	for _, c := range skipped {
		in.emit(events.GatewayPathNotTaken, gw.ID, map[string]interface{}{"flowId": connKey(c)})
	}

	if len(taken) == 1 && len(skipped) == 0 {
		return in.runFrom(ctx, sr, sr.def.ElementByID(taken[0].To), taken[0])
	}

	var walk *skipWalk
	if len(skipped) > 0 {
		walk = newSkipWalk(sr.def, taken)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range taken {
		c := c
		target := sr.def.ElementByID(c.To)
		g.Go(func() error { return in.runFrom(gctx, sr, target, c) })
	}
	for _, c := range skipped {
		c := c
		g.Go(func() error { return in.propagateSkip(gctx, sr, c, walk) })
	}
	return g.Wait()
}

// decideFlows applies the per-kind outgoing semantics. A failing condition
// counts as false and logs an expression.error event.
func (in *Instance) decideFlows(sr *scopeRun, gw *model.Element) (taken, skipped []*model.Connection, err error) {
	outs := sequenceConns(sr.def.Outgoing(gw.ID))
	ns := sr.vars.Expr()

	evaluate := func(c *model.Connection) bool {
		cond := c.Condition()
		if cond == "" {
			return true
		}
		ok, evalErr := expr.Evaluate(cond, ns)
		if evalErr != nil {
			in.emit(events.ExpressionError, gw.ID, map[string]interface{}{
				"condition": cond,
				"flowId":    connKey(c),
				"error":     evalErr.Error(),
			})
			return false
		}
		return ok
	}

	switch gw.Type {
	case model.TypeParallelGateway:
		return outs, nil, nil

	case model.TypeExclusiveGateway:
		var deflt *model.Connection
		for _, c := range outs {
			if c.IsDefault() {
				if deflt == nil {
					deflt = c
				}
				continue
			}
			if taken == nil && evaluate(c) {
				taken = []*model.Connection{c}
			}
		}
		if taken == nil && deflt != nil {
			taken = []*model.Connection{deflt}
		}
		if taken == nil {
			return nil, nil, executors.Failf(gw.ID, executors.CodeNoPathMatched,
				"no outgoing condition matched and no default flow")
		}
		for _, c := range outs {
			if c != taken[0] {
				skipped = append(skipped, c)
			}
		}
		return taken, skipped, nil

	case model.TypeInclusiveGateway:
		var deflt *model.Connection
		for _, c := range outs {
			if c.IsDefault() {
				if deflt == nil {
					deflt = c
				}
				continue
			}
			if evaluate(c) {
				taken = append(taken, c)
			} else {
				skipped = append(skipped, c)
			}
		}
		if len(taken) == 0 && deflt != nil {
			return []*model.Connection{deflt}, skipped, nil
		}
		if deflt != nil {
			skipped = append(skipped, deflt)
		}
		if len(taken) == 0 {
			return nil, nil, executors.Failf(gw.ID, executors.CodeNoPathMatched,
				"no outgoing condition matched and no default flow")
		}
		return taken, skipped, nil

	default:
		return outs, nil, nil
	}
}

// runEventRace implements the event-based gateway: every successor catch
// event arms concurrently, the first to trigger wins and the rest are
// cancelled.
func (in *Instance) runEventRace(ctx context.Context, sr *scopeRun, gw *model.Element) error {
	outs := sequenceConns(sr.def.Outgoing(gw.ID))
	if len(outs) == 0 {
		return nil
	}

	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	type armed struct {
		conn *model.Connection
		el   *model.Element
		err  error
	}
	results := make(chan armed, len(outs))
	for _, c := range outs {
		c := c
		target := sr.def.ElementByID(c.To)
		go func() {
			_, err := in.runNode(raceCtx, sr, target)
			results <- armed{conn: c, el: target, err: err}
		}()
	}

	var winner *armed
	var firstErr error
	for i := 0; i < len(outs); i++ {
		r := <-results
		if r.err == nil && winner == nil {
			w := r
			winner = &w
			cancelRace()
			continue
		}
		if r.err != nil && firstErr == nil && !isCancellation(r.err) && r.err != errBranchCancelled {
			firstErr = r.err
		}
	}

	if winner == nil {
		if firstErr != nil {
			return firstErr
		}
		return ctx.Err()
	}

	for _, c := range outs {
		if c == winner.conn {
			in.emit(events.GatewayPathTaken, gw.ID, map[string]interface{}{"flowId": connKey(c)})
		} else {
			in.emit(events.GatewayPathNotTaken, gw.ID, map[string]interface{}{"flowId": connKey(c)})
		}
	}

	next := sequenceConns(sr.def.Outgoing(winner.el.ID))
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range next {
		c := c
		target := sr.def.ElementByID(c.To)
		g.Go(func() error { return in.runFrom(gctx, sr, target, c) })
	}
	return g.Wait()
}

// skipWalk is the shared state of one skip propagation: the connections
// already traversed, so loop regions terminate on revisit, and the elements
// reachable from the fork's taken flows, where the walk stops because a live
// path executes them.
type skipWalk struct {
	mu      sync.Mutex
	visited map[string]bool
	taken   map[string]bool
}

func newSkipWalk(def *model.WorkflowDefinition, taken []*model.Connection) *skipWalk {
	w := &skipWalk{visited: make(map[string]bool), taken: make(map[string]bool)}
	queue := make([]string, 0, len(taken))
	for _, c := range taken {
		queue = append(queue, c.To)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if w.taken[id] {
			continue
		}
		w.taken[id] = true
		for _, c := range def.Outgoing(id) {
			queue = append(queue, c.To)
		}
	}
	return w
}

// enter claims the connection for this walk; false means it was already
// traversed (a back edge closing a loop).
func (w *skipWalk) enter(c *model.Connection) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := connKey(c)
	if w.visited[k] {
		return false
	}
	w.visited[k] = true
	return true
}

func (w *skipWalk) onTakenPath(id string) bool { return w.taken[id] }

// propagateSkip walks a not-taken fork branch, marking its elements skipped
// and registering skip arrivals at downstream joins so they never over-wait.
// When a skip arrival is the last one at a join that has real arrivals, the
// walker fires the gateway on their behalf. The walk stops at elements a
// taken path also reaches: those run for real.
func (in *Instance) propagateSkip(ctx context.Context, sr *scopeRun, conn *model.Connection, walk *skipWalk) error {
	el := sr.def.ElementByID(conn.To)
	for el != nil {
		if ctx.Err() != nil {
			return nil
		}
		if !walk.enter(conn) {
			return nil
		}
		if el.IsGateway() && len(sr.def.Incoming(el.ID)) > 1 {
			if el.Type == model.TypeExclusiveGateway {
				// Pass-through merge: another branch continues it for real.
				return nil
			}
			fire, allSkipped := in.arrive(sr, el, conn, true)
			if !fire {
				return nil
			}
			if !allSkipped {
				return in.fireGateway(ctx, sr, el)
			}
			// Entirely skipped join: the skip flows onward.
			in.emit(events.ElementSkipped, el.ID, nil)
		} else if walk.onTakenPath(el.ID) {
			return nil
		} else {
			in.emit(events.ElementSkipped, el.ID, nil)
		}

		conns := sequenceConns(sr.def.Outgoing(el.ID))
		if len(conns) == 0 {
			return nil
		}
		if len(conns) == 1 {
			conn = conns[0]
			el = sr.def.ElementByID(conn.To)
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, c := range conns {
			c := c
			g.Go(func() error { return in.propagateSkip(gctx, sr, c, walk) })
		}
		return g.Wait()
	}
	return nil
}

// cancelSiblingPaths cancels every cooperative task on the incoming paths
// of a completed race join, other than the winner's. Cancellation is
// advisory: each sibling observes it at its next suspension point.
func (in *Instance) cancelSiblingPaths(sr *scopeRun, gw *model.Element, winner *model.Connection) {
	visited := map[string]bool{gw.ID: true}
	var queue []string
	for _, c := range sr.def.Incoming(gw.ID) {
		if c != winner {
			queue = append(queue, c.From)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		in.cancelRunning(id)
		for _, c := range sr.def.Incoming(id) {
			queue = append(queue, c.From)
		}
	}
}

// isRaceJoin reports whether the gateway completes on first arrival,
// cancelling sibling paths.
func isRaceJoin(gw *model.Element) bool {
	if gw.Type != model.TypeInclusiveGateway {
		return false
	}
	return gw.Properties.GetString("mergeBehavior", "") == "race" ||
		gw.Properties.GetBool("firstArrivalWins", false)
}

// sequenceConns filters out compensation flows, which never carry normal
// sequence execution.
func sequenceConns(conns []*model.Connection) []*model.Connection {
	out := make([]*model.Connection, 0, len(conns))
	for _, c := range conns {
		if !c.IsCompensation() {
			out = append(out, c)
		}
	}
	return out
}
