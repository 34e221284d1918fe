package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/executors"
	"github.com/fluxbpm/orchestrator/internal/expr"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// runScope executes one (sub)process scope: it arms the scope's
// event-sub-process supervisors, runs the main flow from the start event,
// then resolves any interrupting takeover or error catch.
func (in *Instance) runScope(ctx context.Context, sr *scopeRun) error {
	scopeCtx, cancelScope := context.WithCancel(ctx)
	defer cancelScope()
	sr.ctx = scopeCtx

	sup := in.superviseScope(ctx, cancelScope, sr)
	defer sup.shutdown()

	start := sr.def.StartEvent()
	if start == nil {
		return executors.Failf(sr.scopeID, "NoStartEvent", "scope %s has no start event", sr.scopeID)
	}

	mainErr := in.runFrom(scopeCtx, sr, start, nil)
	sr.parallel.Wait()
	sup.drainBodies()

	if sup.interruptFired() {
		// An interrupting event sub-process took over: its result is the
		// scope's result and the raw main-flow error is suppressed.
		return sup.waitTakeover()
	}

	if mainErr != nil {
		if in.ctx.Err() != nil || ctx.Err() != nil {
			return mainErr
		}
		if handled, res := sup.catchError(ctx, mainErr); handled {
			return res
		}
		return mainErr
	}

	in.comp.clear(sr.scopeID)
	return nil
}

// scopeSupervisor owns the long-lived watchers of a scope's event
// sub-processes: timer, message, signal and escalation starts fire
// asynchronously; error starts are consulted when the main flow fails.
type scopeSupervisor struct {
	in          *Instance
	sr          *scopeRun
	parentCtx   context.Context
	cancelScope context.CancelFunc
	watchCtx    context.Context
	cancelWatch context.CancelFunc

	watchers    sync.WaitGroup
	bodies      sync.WaitGroup
	unregisters []func()
	errorESPs   []*model.Element

	fired    int32
	takeover chan error
}

func (in *Instance) superviseScope(ctx context.Context, cancelScope context.CancelFunc, sr *scopeRun) *scopeSupervisor {
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	s := &scopeSupervisor{
		in:          in,
		sr:          sr,
		parentCtx:   ctx,
		cancelScope: cancelScope,
		watchCtx:    watchCtx,
		cancelWatch: cancelWatch,
		takeover:    make(chan error, 1),
	}

	for _, esp := range sr.def.EventSubProcesses() {
		esp := esp
		startEl := espStartEvent(esp)
		if startEl == nil {
			in.eng.logger.Warn("event sub-process has no start event, ignoring",
				zap.String("instance_id", in.ID), zap.String("element_id", esp.ID))
			continue
		}
		interrupting := startEl.Properties.GetBool("isInterrupting", true)

		switch startEl.Type {
		case model.TypeErrorStartEvent:
			s.errorESPs = append(s.errorESPs, esp)

		case model.TypeTimerStartEvent:
			spec, err := executors.ParseTimer(startEl.Properties)
			if err != nil {
				in.eng.logger.Warn("event sub-process timer start is invalid, ignoring",
					zap.String("element_id", startEl.ID), zap.Error(err))
				continue
			}
			s.watchers.Add(1)
			go s.watchTimerStart(esp, startEl, spec, interrupting)

		case model.TypeMessageStartEvent:
			s.watchers.Add(1)
			go s.watchBusStart(esp, startEl, interrupting,
				startEl.Properties.GetString("messageRef", startEl.ID),
				expr.Interpolate(startEl.Properties.GetString("correlationKey", ""), sr.vars.Expr()))

		case model.TypeSignalStartEvent:
			s.watchers.Add(1)
			go s.watchBusStart(esp, startEl, interrupting,
				startEl.Properties.GetString("signalRef", startEl.ID), "")

		case model.TypeEscalationStartEvent:
			code := startEl.Properties.GetString("escalationCode", "")
			unregister := in.registerEscalation(sr.depth, code, func(payload map[string]interface{}) bool {
				if s.watchCtx.Err() != nil {
					return false
				}
				for k, v := range payload {
					sr.vars.Set(startEl.ID+"_"+k, v)
				}
				s.watchers.Add(1)
				go func() {
					defer s.watchers.Done()
					s.activate(esp, startEl, interrupting)
				}()
				return true
			})
			s.unregisters = append(s.unregisters, unregister)
		}
	}
	return s
}

// watchTimerStart fires the event sub-process when its timer elapses,
// measured from scope activation. Non-interrupting cycle timers re-fire.
func (s *scopeSupervisor) watchTimerStart(esp, startEl *model.Element, spec executors.TimerSpec, interrupting bool) {
	defer s.watchers.Done()
	count := 0
	for {
		if err := executors.SleepUntil(s.watchCtx, spec.Due(time.Now().UTC())); err != nil {
			return
		}
		s.activate(esp, startEl, interrupting)
		count++
		if interrupting || !spec.Cycle || (spec.Repeats > 0 && count >= spec.Repeats) {
			return
		}
	}
}

// watchBusStart arms a bus waiter for a message or signal start event and
// activates the sub-process once on delivery.
func (s *scopeSupervisor) watchBusStart(esp, startEl *model.Element, interrupting bool, ref, key string) {
	defer s.watchers.Done()
	msg, err := s.in.eng.bus.Await(s.watchCtx, startEl.ID, ref, key, 0)
	if err != nil {
		return
	}
	for k, v := range msg.Payload {
		s.sr.vars.Set(startEl.ID+"_"+k, v)
	}
	s.in.emit(events.MessageDelivered, startEl.ID, map[string]interface{}{
		"messageRef":     msg.MessageRef,
		"correlationKey": msg.CorrelationKey,
	})
	s.activate(esp, startEl, interrupting)
}

// activate runs the sub-process body. Interrupting activations run the
// recovery to completion, publish its result and then cancel the sibling
// tasks of the scope; non-interrupting ones run alongside the main flow.
func (s *scopeSupervisor) activate(esp, startEl *model.Element, interrupting bool) {
	if interrupting {
		if !atomic.CompareAndSwapInt32(&s.fired, 0, 1) {
			return
		}
		err := s.in.runESPBody(s.parentCtx, s.sr, esp, startEl)
		s.takeover <- err
		s.cancelScope()
		return
	}
	s.bodies.Add(1)
	defer s.bodies.Done()
	if err := s.in.runESPBody(s.parentCtx, s.sr, esp, startEl); err != nil && !isCancellation(err) {
		s.in.eng.logger.Error("event sub-process failed",
			zap.String("instance_id", s.in.ID),
			zap.String("element_id", esp.ID),
			zap.Error(err))
	}
}

// catchError runs the first error event sub-process matching the failure.
// Nested scopes have already had their chance, so innermost wins by
// construction.
func (s *scopeSupervisor) catchError(ctx context.Context, err error) (bool, error) {
	for _, esp := range s.errorESPs {
		startEl := espStartEvent(esp)
		if !errorCatches(startEl.Properties.GetString("errorCode", ""), err) {
			continue
		}
		s.sr.vars.Set(startEl.ID+"_errorCode", executors.ErrorCode(err))
		s.sr.vars.Set(startEl.ID+"_errorMessage", executors.ErrorMessage(err))
		return true, s.in.runESPBody(ctx, s.sr, esp, startEl)
	}
	return false, nil
}

func (s *scopeSupervisor) interruptFired() bool { return atomic.LoadInt32(&s.fired) == 1 }

func (s *scopeSupervisor) waitTakeover() error { return <-s.takeover }

func (s *scopeSupervisor) drainBodies() { s.bodies.Wait() }

// shutdown unregisters escalation catches, cancels the watchers and waits
// for them to exit.
func (s *scopeSupervisor) shutdown() {
	for _, u := range s.unregisters {
		u()
	}
	s.cancelWatch()
	s.watchers.Wait()
}

// runESPBody executes an event sub-process body. The body shares the
// parent scope's context mapping so recovery logic can observe and patch
// the live state.
func (in *Instance) runESPBody(ctx context.Context, sr *scopeRun, esp, startEl *model.Element) error {
	body := model.ScopeDefinition(sr.def, esp)
	bodySr := in.newScopeRun(body, sr.vars, sr.scopeID+"/"+esp.ID, sr.depth+1)
	bodySr.ctx = ctx

	in.emit(events.ElementEntered, esp.ID, map[string]interface{}{
		"type": string(esp.Type),
		"name": esp.Name,
	})
	in.emit(events.ElementEntered, startEl.ID, map[string]interface{}{
		"type": string(startEl.Type),
		"name": startEl.Name,
	})
	in.emit(events.ElementCompleted, startEl.ID, nil)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range sequenceConns(body.Outgoing(startEl.ID)) {
		c := c
		target := body.ElementByID(c.To)
		g.Go(func() error { return in.runFrom(gctx, bodySr, target, c) })
	}
	err := g.Wait()
	bodySr.parallel.Wait()

	if err != nil && err != errBranchCancelled {
		in.emit(events.ElementFailed, esp.ID, map[string]interface{}{
			"errorCode": executors.ErrorCode(err),
			"message":   executors.ErrorMessage(err),
		})
		return err
	}
	in.emit(events.ElementCompleted, esp.ID, nil)
	return nil
}

// espStartEvent returns the event start element of an event sub-process.
func espStartEvent(esp *model.Element) *model.Element {
	for i := range esp.ChildElements {
		if esp.ChildElements[i].IsEventSubProcessStart() {
			return &esp.ChildElements[i]
		}
	}
	return nil
}
