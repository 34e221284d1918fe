package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/executors"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// Instance status values.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusCancelled = "cancelled"
)

// Instance is the mutable run-state of one workflow execution, owned by its
// scheduler goroutine. Shared bookkeeping (running tasks, merge state,
// waits, escalation targets) is guarded by a single instance mutex.
type Instance struct {
	ID        string
	Def       *model.WorkflowDefinition
	Vars      *executors.Vars
	StartTime time.Time

	eng    *Engine
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	comp compensations

	mu                sync.Mutex
	status            string
	cancelReason      string
	running           map[string]context.CancelFunc
	merges            map[string]*mergeState
	completedGateways map[string]bool
	waits             map[string]*userWait
	escTargets        []*escTarget
	escSeq            int
}

// mergeState tracks arrivals at a join gateway, keyed by incoming
// connection. Skipped arrivals come from inclusive-fork skip propagation.
type mergeState struct {
	arrived map[string]bool
	skipped map[string]bool
}

type userWait struct {
	elementID string
	form      interface{}
	since     time.Time
	ch        chan executors.UserDecision
	completed bool
}

// escTarget is a registered escalation catch: deepest matching target wins.
type escTarget struct {
	id    int
	depth int
	code  string
	fire  func(payload map[string]interface{}) bool
}

func newInstance(eng *Engine, id string, def *model.WorkflowDefinition, init map[string]interface{}) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	vars := executors.NewVars(init)
	vars.Set("workflowInstanceId", id)
	return &Instance{
		ID:                id,
		Def:               def,
		Vars:              vars,
		StartTime:         time.Now().UTC(),
		eng:               eng,
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		status:            StatusRunning,
		running:           make(map[string]context.CancelFunc),
		merges:            make(map[string]*mergeState),
		completedGateways: make(map[string]bool),
		waits:             make(map[string]*userWait),
	}
}

// Status returns the current lifecycle status.
func (in *Instance) Status() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// Done is closed when the instance reaches a terminal status.
func (in *Instance) Done() <-chan struct{} { return in.done }

func (in *Instance) setStatus(s string) {
	in.mu.Lock()
	in.status = s
	in.mu.Unlock()
}

// emit pushes an execution event. The store write uses a background context
// so events survive instance cancellation.
func (in *Instance) emit(typ, elementID string, payload map[string]interface{}) {
	in.eng.stream.Emit(context.Background(), events.Event{
		Type:       typ,
		InstanceID: in.ID,
		ElementID:  elementID,
		Payload:    payload,
	})
}

// trackRunning registers the element's cancel func so race-join losers can
// be cancelled by element id.
func (in *Instance) trackRunning(elementID string, cancel context.CancelFunc) {
	in.mu.Lock()
	in.running[elementID] = cancel
	in.mu.Unlock()
}

func (in *Instance) untrackRunning(elementID string) {
	in.mu.Lock()
	delete(in.running, elementID)
	in.mu.Unlock()
}

// cancelRunning cancels the cooperative task currently executing the
// element, if any.
func (in *Instance) cancelRunning(elementID string) {
	in.mu.Lock()
	cancel := in.running[elementID]
	in.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// arrive records an arrival at a join gateway. Reports whether this arrival
// completes the join (fires at most once per instance) and whether every
// contributing branch was skipped.
func (in *Instance) arrive(sr *scopeRun, gw *model.Element, via *model.Connection, skipped bool) (fire, allSkipped bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	gid := sr.scopeID + "/" + gw.ID
	if in.completedGateways[gid] {
		return false, false
	}
	ms := in.merges[gid]
	if ms == nil {
		ms = &mergeState{arrived: make(map[string]bool), skipped: make(map[string]bool)}
		in.merges[gid] = ms
	}
	ck := connKey(via)
	if skipped {
		ms.skipped[ck] = true
	} else {
		ms.arrived[ck] = true
		delete(ms.skipped, ck)
	}

	expected := len(sr.def.Incoming(gw.ID))
	if len(ms.arrived)+len(ms.skipped) >= expected {
		in.completedGateways[gid] = true
		return true, len(ms.arrived) == 0
	}
	return false, false
}

// raceArrive marks a first-arrival race join complete. Only the first real
// arrival wins.
func (in *Instance) raceArrive(sr *scopeRun, gw *model.Element) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	gid := sr.scopeID + "/" + gw.ID
	if in.completedGateways[gid] {
		return false
	}
	in.completedGateways[gid] = true
	return true
}

func connKey(c *model.Connection) string {
	if c == nil {
		return ""
	}
	if c.ID != "" {
		return c.ID
	}
	return c.From + "->" + c.To
}

// registerWait installs a user-task wait handle; completeUser resolves it.
func (in *Instance) registerWait(el *model.Element) *userWait {
	w := &userWait{
		elementID: el.ID,
		form:      el.Properties["form"],
		since:     time.Now().UTC(),
		ch:        make(chan executors.UserDecision, 1),
	}
	in.mu.Lock()
	in.waits[el.ID] = w
	in.mu.Unlock()
	return w
}

func (in *Instance) dropWait(elementID string) {
	in.mu.Lock()
	delete(in.waits, elementID)
	in.mu.Unlock()
}

// completeUser delivers an external decision. The first decision wins;
// later ones are ignored per the at-most-one completion rule.
func (in *Instance) completeUser(elementID string, d executors.UserDecision) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	w := in.waits[elementID]
	if w == nil {
		return ErrNoPendingTask
	}
	if w.completed {
		return nil
	}
	w.completed = true
	w.ch <- d
	return nil
}

// awaitUser suspends the executor until a decision arrives or the task is
// cancelled.
func (in *Instance) awaitUser(ctx context.Context, el *model.Element) (executors.UserDecision, error) {
	w := in.registerWait(el)
	defer in.dropWait(el.ID)
	select {
	case d := <-w.ch:
		return d, nil
	case <-ctx.Done():
		return executors.UserDecision{}, ctx.Err()
	}
}

// PendingUserTasks lists the element ids currently waiting on a decision.
func (in *Instance) PendingUserTasks() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, 0, len(in.waits))
	for id, w := range in.waits {
		if !w.completed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// registerEscalation installs an escalation catch at the given scope depth
// and returns an unregister func.
func (in *Instance) registerEscalation(depth int, code string, fire func(map[string]interface{}) bool) func() {
	in.mu.Lock()
	in.escSeq++
	t := &escTarget{id: in.escSeq, depth: depth, code: code, fire: fire}
	in.escTargets = append(in.escTargets, t)
	in.mu.Unlock()
	return func() {
		in.mu.Lock()
		for i, cand := range in.escTargets {
			if cand.id == t.id {
				in.escTargets = append(in.escTargets[:i], in.escTargets[i+1:]...)
				break
			}
		}
		in.mu.Unlock()
	}
}

// escalate routes an escalation to the innermost matching catch; catches
// that decline (already consumed) fall through to the next. Reports
// whether anything caught it.
func (in *Instance) escalate(code string, payload map[string]interface{}) bool {
	in.mu.Lock()
	candidates := make([]*escTarget, 0, len(in.escTargets))
	for _, t := range in.escTargets {
		if t.code == "" || strings.Contains(code, t.code) {
			candidates = append(candidates, t)
		}
	}
	in.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].depth != candidates[j].depth {
			return candidates[i].depth > candidates[j].depth
		}
		return candidates[i].id > candidates[j].id
	})
	for _, t := range candidates {
		if t.fire(payload) {
			return true
		}
	}
	return false
}
