// Package engine implements the workflow execution core: the cooperative
// scheduler that walks a parsed process graph, gateway evaluation with merge
// synchronization, boundary and event-sub-process supervision, multi-instance
// and loop expansion, correlation messaging and LIFO compensation.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxbpm/orchestrator/internal/bus"
	"github.com/fluxbpm/orchestrator/internal/config"
	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/executors"
	"github.com/fluxbpm/orchestrator/internal/metrics"
	"github.com/fluxbpm/orchestrator/internal/model"
	"github.com/fluxbpm/orchestrator/internal/tracing"
)

// EventReplayer reads stored events back in causal order. Implemented by
// the event store; nil disables durable replay.
type EventReplayer interface {
	Replay(ctx context.Context, instanceID, elementID string) ([]events.Event, error)
}

// Options configures an Engine. Zero-value fields get working defaults so
// tests can construct engines piecemeal.
type Options struct {
	Logger         *zap.Logger
	Stream         *events.Stream
	Bus            *bus.Bus
	Replayer       EventReplayer
	Services       *executors.ServiceRegistry
	Registry       *executors.Registry
	Limits         func() config.Limits
	ReceiveTimeout time.Duration
}

// Engine is the inbound control surface of the workflow core.
type Engine struct {
	logger         *zap.Logger
	stream         *events.Stream
	bus            *bus.Bus
	replayer       EventReplayer
	services       *executors.ServiceRegistry
	registry       *executors.Registry
	limits         func() config.Limits
	receiveTimeout time.Duration

	mu        sync.RWMutex
	instances map[string]*Instance
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New(0, opts.Logger)
	}
	if opts.Stream == nil {
		opts.Stream = events.NewStream(events.NewManager(1024), nil, nil, opts.Logger)
	}
	if opts.Services == nil {
		opts.Services = executors.NewServiceRegistry()
	}
	if opts.Registry == nil {
		opts.Registry = executors.NewRegistry()
	}
	if opts.Limits == nil {
		opts.Limits = func() config.Limits {
			return config.Limits{MultiInstanceLimit: 1024, LoopMaximum: 100}
		}
	}
	return &Engine{
		logger:         opts.Logger,
		stream:         opts.Stream,
		bus:            opts.Bus,
		replayer:       opts.Replayer,
		services:       opts.Services,
		registry:       opts.Registry,
		limits:         opts.Limits,
		receiveTimeout: opts.ReceiveTimeout,
		instances:      make(map[string]*Instance),
	}
}

// Services exposes the handler registry for host wiring.
func (e *Engine) Services() *executors.ServiceRegistry { return e.services }

// Bus exposes the message bus, used by webhook transports.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// StartWorkflow validates the definition, creates an instance and starts
// its scheduler. Definition errors surface synchronously.
func (e *Engine) StartWorkflow(def *model.WorkflowDefinition, initial map[string]interface{}) (string, error) {
	if err := model.Validate(def); err != nil {
		return "", err
	}
	in := newInstance(e, uuid.New().String(), def, initial)
	e.mu.Lock()
	e.instances[in.ID] = in
	e.mu.Unlock()

	go e.run(in)
	return in.ID, nil
}

func (e *Engine) run(in *Instance) {
	metrics.WorkflowsStarted.WithLabelValues(in.Def.ID).Inc()
	metrics.ActiveInstances.Inc()
	defer metrics.ActiveInstances.Dec()

	in.emit(events.WorkflowStarted, "", map[string]interface{}{
		"definitionId": in.Def.ID,
		"startTime":    in.StartTime.Format(time.RFC3339Nano),
	})

	runCtx, span := tracing.StartWorkflowSpan(in.ctx, in.ID, in.Def.ID)
	root := in.newScopeRun(in.Def, in.Vars, in.Def.ID, 0)
	err := in.runScope(runCtx, root)

	outcome := StatusSuccess
	switch {
	case err == nil:
		outcome = StatusSuccess
	case in.ctx.Err() != nil || isCancellation(err):
		outcome = StatusCancelled
	default:
		outcome = StatusFailure
		span.RecordError(err)
		e.logger.Warn("workflow failed",
			zap.String("instance_id", in.ID),
			zap.String("definition_id", in.Def.ID),
			zap.Error(err))
	}
	span.End()
	in.setStatus(outcome)

	duration := time.Since(in.StartTime)
	payload := map[string]interface{}{
		"outcome":  outcome,
		"duration": duration.Seconds(),
	}
	if outcome == StatusCancelled {
		in.mu.Lock()
		payload["reason"] = in.cancelReason
		in.mu.Unlock()
	}
	in.emit(events.WorkflowCompleted, "", payload)

	metrics.WorkflowsCompleted.WithLabelValues(in.Def.ID, outcome).Inc()
	metrics.WorkflowDuration.WithLabelValues(in.Def.ID).Observe(duration.Seconds())
	close(in.done)
}

// Instance returns the live or finished instance record.
func (e *Engine) Instance(id string) (*Instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	in, ok := e.instances[id]
	return in, ok
}

// CompleteUserTask delivers an external decision to a pending user task.
// The first decision wins; later ones are ignored.
func (e *Engine) CompleteUserTask(instanceID, elementID string, d executors.UserDecision) error {
	in, ok := e.Instance(instanceID)
	if !ok {
		return ErrInstanceNotFound
	}
	if in.Status() != StatusRunning {
		return ErrInstanceEnded
	}
	return in.completeUser(elementID, d)
}

// PublishMessage routes a correlation message onto the bus. Reports whether
// a waiter consumed it immediately.
func (e *Engine) PublishMessage(messageRef, correlationKey string, payload map[string]interface{}) bool {
	return e.bus.Publish(messageRef, correlationKey, payload)
}

// CancelWorkflow cancels a running instance. Every suspended task observes
// the signal and the instance finishes with outcome cancelled.
func (e *Engine) CancelWorkflow(instanceID, reason string) error {
	in, ok := e.Instance(instanceID)
	if !ok {
		return ErrInstanceNotFound
	}
	if in.Status() != StatusRunning {
		return ErrInstanceEnded
	}
	in.mu.Lock()
	in.cancelReason = reason
	in.mu.Unlock()
	in.cancel()
	return nil
}

// Subscribe attaches a live event channel for the instance.
func (e *Engine) Subscribe(instanceID string, buffer int) chan events.Event {
	return e.stream.Subscribe(instanceID, buffer)
}

// Unsubscribe releases a live event channel.
func (e *Engine) Unsubscribe(instanceID string, ch chan events.Event) {
	e.stream.Unsubscribe(instanceID, ch)
}

// ReplaySince returns the in-memory backlog past a sequence number.
func (e *Engine) ReplaySince(instanceID string, since uint64) []events.Event {
	return e.stream.ReplaySince(instanceID, since)
}

// Replay returns stored events in original causal order with original
// timestamps, optionally filtered by element.
func (e *Engine) Replay(ctx context.Context, instanceID, elementID string) ([]events.Event, error) {
	if e.replayer == nil {
		return e.stream.ReplaySince(instanceID, 0), nil
	}
	return e.replayer.Replay(ctx, instanceID, elementID)
}

// Release forgets a finished instance and its stream backlog. Stored
// events remain until purged from the event store.
func (e *Engine) Release(instanceID string) error {
	in, ok := e.Instance(instanceID)
	if !ok {
		return ErrInstanceNotFound
	}
	if in.Status() == StatusRunning {
		return ErrInstanceRunning
	}
	e.mu.Lock()
	delete(e.instances, instanceID)
	e.mu.Unlock()
	e.stream.Forget(instanceID)
	return nil
}
