// Package executors implements the per-element-type task executors of the
// engine. Each executor follows one contract: given the element, the scope
// context and a cancellation-aware context.Context, it produces progress
// events and a final result. The registry maps element types to executors
// with a no-op fallback.
package executors

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/orchestrator/internal/bus"
	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// UserDecision is the payload of a completed user task.
type UserDecision struct {
	Decision string                 `json:"decision"`
	Comments string                 `json:"comments,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// ServiceHandler performs an external side-effect (HTTP call, email, LLM
// invocation). It receives the element, a context snapshot and an emitter
// for streaming progress events.
type ServiceHandler func(ctx context.Context, el *model.Element, vars map[string]interface{}, emit func(events.Event)) (interface{}, error)

// ServiceRegistry maps implementation names to handlers. Safe for
// concurrent use; lookups miss to nil.
type ServiceRegistry struct {
	mu sync.RWMutex
	m  map[string]ServiceHandler
}

// NewServiceRegistry creates an empty handler registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{m: make(map[string]ServiceHandler)}
}

// Register binds a handler to an implementation name.
func (r *ServiceRegistry) Register(name string, h ServiceHandler) {
	r.mu.Lock()
	r.m[name] = h
	r.mu.Unlock()
}

// Get returns the handler for name, nil when absent.
func (r *ServiceRegistry) Get(name string) ServiceHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[name]
}

// Env is everything an executor may touch. The scheduler builds one per
// scope and swaps Vars for isolated multi-instance iterations.
type Env struct {
	InstanceID string
	Scope      *model.WorkflowDefinition
	Vars       *Vars
	Bus        *bus.Bus
	Services   *ServiceRegistry
	Logger     *zap.Logger

	// Emit pushes an execution event onto the instance stream.
	Emit func(events.Event)
	// AwaitUser suspends until an external decision arrives for the element.
	AwaitUser func(ctx context.Context, el *model.Element) (UserDecision, error)
	// RunScope executes a nested definition (call activity target) against
	// its own context, returning when the child completes.
	RunScope func(ctx context.Context, def *model.WorkflowDefinition, vars *Vars) error
	// Escalate routes an escalation to the innermost matching catch.
	// Reports whether anything caught it.
	Escalate func(code string, payload map[string]interface{}) bool
	// Compensate fires the registered compensation handlers of the scope.
	Compensate func(ctx context.Context) error

	// ReceiveTimeout applies to receive tasks without timeoutMs; 0 waits
	// until delivery or cancellation.
	ReceiveTimeout time.Duration
}

// WithVars returns a shallow copy of the env bound to different vars.
func (e *Env) WithVars(v *Vars) *Env {
	c := *e
	c.Vars = v
	return &c
}

// event builds a stream event for the element with the shared fields set.
func (e *Env) event(typ string, el *model.Element, payload map[string]interface{}) events.Event {
	return events.Event{Type: typ, InstanceID: e.InstanceID, ElementID: el.ID, Payload: payload}
}

// Executor runs one element to completion. The returned value is stored in
// the context under "<elementId>_result" (or the declared resultVariable).
type Executor func(ctx context.Context, env *Env, el *model.Element) (interface{}, error)

// Registry maps element types to executors.
type Registry struct {
	mu sync.RWMutex
	m  map[model.ElementType]Executor
}

// NewRegistry returns a registry preloaded with the built-in executors.
func NewRegistry() *Registry {
	r := &Registry{m: make(map[model.ElementType]Executor)}
	r.Register(model.TypeScriptTask, ExecuteScript)
	r.Register(model.TypeServiceTask, ExecuteService)
	r.Register(model.TypeSendTask, ExecuteSend)
	r.Register(model.TypeAgenticTask, ExecuteAgentic)
	r.Register(model.TypeReceiveTask, ExecuteReceive)
	r.Register(model.TypeUserTask, ExecuteUser)
	r.Register(model.TypeCallActivity, ExecuteCallActivity)
	r.Register(model.TypeIntermediateCatchEvent, ExecuteCatchEvent)
	r.Register(model.TypeIntermediateThrowEvent, ExecuteThrowEvent)
	r.Register(model.TypeEndEvent, ExecuteThrowEvent)
	r.Register(model.TypeTimerIntermediateCatchEvent, ExecuteTimer)
	r.Register(model.TypeTimerStartEvent, ExecuteTimer)
	return r
}

// Register binds an executor to an element type, replacing any default.
func (r *Registry) Register(t model.ElementType, ex Executor) {
	r.mu.Lock()
	r.m[t] = ex
	r.mu.Unlock()
}

// Execute dispatches to the executor for the element's type. Types without
// a dedicated executor (plain task, manual task, start/end events) run as
// no-ops so authored diagrams stay executable without wiring.
func (r *Registry) Execute(ctx context.Context, env *Env, el *model.Element) (interface{}, error) {
	r.mu.RLock()
	ex := r.m[el.Type]
	r.mu.RUnlock()
	if ex == nil {
		return nil, ctx.Err()
	}
	return ex(ctx, env, el)
}
