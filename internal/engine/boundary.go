package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/executors"
	"github.com/fluxbpm/orchestrator/internal/expr"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// nodeOutcome is the result of one activity invocation under boundary
// supervision. When boundary is set, execution continues from the boundary
// event's outgoing flow instead of the activity's.
type nodeOutcome struct {
	result      interface{}
	err         error
	boundary    *model.Element
	interrupted bool
}

// runWithBoundaries executes the activity body concurrently with watchers
// for its attached timer, message and escalation boundary events. The first
// of body-completion or an interrupting watcher wins; non-interrupting
// watchers spawn parallel paths and let the body continue.
func (in *Instance) runWithBoundaries(ctx context.Context, sr *scopeRun, el *model.Element) nodeOutcome {
	bounds := sr.def.BoundaryEvents(el.ID)

	needWatchers := false
	for _, b := range bounds {
		switch b.Type {
		case model.TypeBoundaryTimerEvent, model.TypeBoundaryMessageEvent, model.TypeBoundaryEscalationEvent:
			needWatchers = true
		}
	}
	if !needWatchers {
		result, err := in.runBody(ctx, sr, el)
		out := nodeOutcome{result: result, err: err}
		if err != nil && !isCancellation(err) {
			if b := matchFailureBoundary(bounds, err); b != nil {
				return nodeOutcome{boundary: b}
			}
		}
		return out
	}

	actCtx, cancelAct := context.WithCancel(ctx)
	defer cancelAct()
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	bodyCh := make(chan nodeOutcome, 1)
	go func() {
		result, err := in.runBody(actCtx, sr, el)
		bodyCh <- nodeOutcome{result: result, err: err}
	}()

	fired := make(chan *model.Element, 1)
	var claimed int32
	claim := func(b *model.Element) bool {
		if atomic.CompareAndSwapInt32(&claimed, 0, 1) {
			fired <- b
			return true
		}
		return false
	}

	for _, b := range bounds {
		b := b
		interrupting := b.Properties.GetBool("cancelActivity", true)
		switch b.Type {
		case model.TypeBoundaryTimerEvent:
			spec, err := executors.ParseTimer(b.Properties)
			if err != nil {
				in.eng.logger.Warn("boundary timer has no valid timer definition, ignoring",
					zap.String("element_id", b.ID), zap.Error(err))
				continue
			}
			go in.watchTimerBoundary(watchCtx, sr, b, spec, interrupting, claim)

		case model.TypeBoundaryMessageEvent:
			go in.watchMessageBoundary(watchCtx, sr, b, interrupting, claim)

		case model.TypeBoundaryEscalationEvent:
			code := b.Properties.GetString("escalationCode", "")
			unregister := in.registerEscalation(sr.depth+1, code, func(payload map[string]interface{}) bool {
				if watchCtx.Err() != nil {
					return false
				}
				for k, v := range payload {
					sr.vars.Set(b.ID+"_"+k, v)
				}
				if interrupting {
					return claim(b)
				}
				in.spawnBoundaryPath(sr, b)
				return true
			})
			defer unregister()
		}
	}

	select {
	case out := <-bodyCh:
		cancelWatch()
		if out.err != nil && !isCancellation(out.err) {
			if b := matchFailureBoundary(bounds, out.err); b != nil {
				return nodeOutcome{boundary: b}
			}
		}
		return out
	case b := <-fired:
		cancelAct()
		<-bodyCh
		cancelWatch()
		return nodeOutcome{boundary: b, interrupted: true}
	}
}

// watchTimerBoundary fires when the boundary timer is due, measured from
// activation of the guarded activity. Cycle timers re-fire non-interrupting
// paths up to their repeat count.
func (in *Instance) watchTimerBoundary(ctx context.Context, sr *scopeRun, b *model.Element,
	spec executors.TimerSpec, interrupting bool, claim func(*model.Element) bool) {
	count := 0
	for {
		if err := executors.SleepUntil(ctx, spec.Due(time.Now().UTC())); err != nil {
			return
		}
		if interrupting {
			claim(b)
			return
		}
		in.spawnBoundaryPath(sr, b)
		count++
		if !spec.Cycle || (spec.Repeats > 0 && count >= spec.Repeats) {
			return
		}
	}
}

// watchMessageBoundary arms a bus waiter for the boundary's message and
// fires on delivery. The payload lands in the context prefixed with the
// boundary's id.
func (in *Instance) watchMessageBoundary(ctx context.Context, sr *scopeRun, b *model.Element,
	interrupting bool, claim func(*model.Element) bool) {
	ref := b.Properties.GetString("messageRef", b.ID)
	key := expr.Interpolate(b.Properties.GetString("correlationKey", ""), sr.vars.Expr())
	msg, err := in.eng.bus.Await(ctx, b.ID, ref, key, 0)
	if err != nil {
		return
	}
	for k, v := range msg.Payload {
		sr.vars.Set(b.ID+"_"+k, v)
	}
	in.emit(events.MessageDelivered, b.ID, map[string]interface{}{
		"messageRef":     msg.MessageRef,
		"correlationKey": msg.CorrelationKey,
	})
	if interrupting {
		claim(b)
		return
	}
	in.spawnBoundaryPath(sr, b)
}

// spawnBoundaryPath starts the boundary's outgoing flow as a parallel path
// of the enclosing scope. The scope waits for it before completing.
func (in *Instance) spawnBoundaryPath(sr *scopeRun, b *model.Element) {
	sr.parallel.Add(1)
	go func() {
		defer sr.parallel.Done()
		in.runBoundaryPath(sr.ctx, sr, b)
	}()
}

// runBoundaryPath executes the flow downstream of a fired boundary event.
func (in *Instance) runBoundaryPath(ctx context.Context, sr *scopeRun, b *model.Element) {
	in.emit(events.ElementEntered, b.ID, map[string]interface{}{
		"type": string(b.Type),
		"name": b.Name,
	})
	in.emit(events.ElementCompleted, b.ID, nil)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range sequenceConns(sr.def.Outgoing(b.ID)) {
		c := c
		target := sr.def.ElementByID(c.To)
		g.Go(func() error { return in.runFrom(gctx, sr, target, c) })
	}
	if err := g.Wait(); err != nil && !isCancellation(err) && err != errBranchCancelled {
		in.eng.logger.Error("boundary path failed",
			zap.String("instance_id", in.ID),
			zap.String("boundary_id", b.ID),
			zap.Error(err))
	}
}

// matchFailureBoundary finds the boundary event that catches the failure:
// error boundaries in declaration order (errorCode substring, empty catches
// all), then a timer boundary for Timeout failures.
func matchFailureBoundary(bounds []*model.Element, err error) *model.Element {
	for _, b := range bounds {
		if b.Type == model.TypeBoundaryErrorEvent && errorCatches(b.Properties.GetString("errorCode", ""), err) {
			return b
		}
	}
	if executors.ErrorCode(err) == executors.CodeTimeout {
		for _, b := range bounds {
			if b.Type == model.TypeBoundaryTimerEvent {
				return b
			}
		}
	}
	return nil
}
