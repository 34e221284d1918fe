package model

// ElementType is the canonical BPMN element kind.
type ElementType string

const (
	TypeStartEvent                  ElementType = "startEvent"
	TypeEndEvent                    ElementType = "endEvent"
	TypeTask                        ElementType = "task"
	TypeScriptTask                  ElementType = "scriptTask"
	TypeServiceTask                 ElementType = "serviceTask"
	TypeSendTask                    ElementType = "sendTask"
	TypeReceiveTask                 ElementType = "receiveTask"
	TypeUserTask                    ElementType = "userTask"
	TypeAgenticTask                 ElementType = "agenticTask"
	TypeManualTask                  ElementType = "manualTask"
	TypeCallActivity                ElementType = "callActivity"
	TypeSubProcess                  ElementType = "subProcess"
	TypeEventSubProcess             ElementType = "eventSubProcess"
	TypeExclusiveGateway            ElementType = "exclusiveGateway"
	TypeInclusiveGateway            ElementType = "inclusiveGateway"
	TypeParallelGateway             ElementType = "parallelGateway"
	TypeEventBasedGateway           ElementType = "eventBasedGateway"
	TypeIntermediateCatchEvent      ElementType = "intermediateCatchEvent"
	TypeIntermediateThrowEvent      ElementType = "intermediateThrowEvent"
	TypeTimerStartEvent             ElementType = "timerStartEvent"
	TypeTimerIntermediateCatchEvent ElementType = "timerIntermediateCatchEvent"
	TypeBoundaryTimerEvent          ElementType = "boundaryTimerEvent"
	TypeBoundaryErrorEvent          ElementType = "boundaryErrorEvent"
	TypeBoundaryMessageEvent        ElementType = "boundaryMessageEvent"
	TypeBoundaryEscalationEvent     ElementType = "boundaryEscalationEvent"
	TypeBoundaryCompensationEvent   ElementType = "boundaryCompensationEvent"
	TypeErrorStartEvent             ElementType = "errorStartEvent"
	TypeMessageStartEvent           ElementType = "messageStartEvent"
	TypeSignalStartEvent            ElementType = "signalStartEvent"
	TypeEscalationStartEvent        ElementType = "escalationStartEvent"
)

// Properties is the free-form property bag attached to elements and connections.
type Properties map[string]interface{}

// GetString returns the property as a string, or def when absent.
func (p Properties) GetString(key, def string) string {
	if p == nil {
		return def
	}
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// GetBool returns the property as a bool. Accepts bool or the strings
// "true"/"false" since YAML authors mix both.
func (p Properties) GetBool(key string, def bool) bool {
	if p == nil {
		return def
	}
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		switch v {
		case "true", "True", "yes", "1":
			return true
		case "false", "False", "no", "0":
			return false
		}
	}
	return def
}

// GetInt returns the property as an int, or def when absent or unparseable.
func (p Properties) GetInt(key string, def int) int {
	if p == nil {
		return def
	}
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Element is a single node of the workflow graph.
type Element struct {
	ID            string       `yaml:"id" json:"id"`
	Type          ElementType  `yaml:"type" json:"type"`
	Name          string       `yaml:"name" json:"name"`
	PoolID        string       `yaml:"poolId,omitempty" json:"poolId,omitempty"`
	LaneID        string       `yaml:"laneId,omitempty" json:"laneId,omitempty"`
	AttachedToRef string       `yaml:"attachedToRef,omitempty" json:"attachedToRef,omitempty"`
	Properties    Properties   `yaml:"properties,omitempty" json:"properties,omitempty"`
	ChildElements []Element    `yaml:"childElements,omitempty" json:"childElements,omitempty"`
	ChildFlows    []Connection `yaml:"childConnections,omitempty" json:"childConnections,omitempty"`
}

// IsActivity reports whether the element is an executable activity
// (task, subprocess or call activity).
func (e *Element) IsActivity() bool {
	switch e.Type {
	case TypeTask, TypeScriptTask, TypeServiceTask, TypeSendTask, TypeReceiveTask,
		TypeUserTask, TypeAgenticTask, TypeManualTask, TypeCallActivity, TypeSubProcess:
		return true
	}
	return false
}

// IsGateway reports whether the element is a gateway.
func (e *Element) IsGateway() bool {
	switch e.Type {
	case TypeExclusiveGateway, TypeInclusiveGateway, TypeParallelGateway, TypeEventBasedGateway:
		return true
	}
	return false
}

// IsBoundaryEvent reports whether the element attaches to a host activity.
func (e *Element) IsBoundaryEvent() bool {
	switch e.Type {
	case TypeBoundaryTimerEvent, TypeBoundaryErrorEvent, TypeBoundaryMessageEvent,
		TypeBoundaryEscalationEvent, TypeBoundaryCompensationEvent:
		return true
	}
	return false
}

// IsEventSubProcessStart reports whether the element can start an
// event sub-process.
func (e *Element) IsEventSubProcessStart() bool {
	switch e.Type {
	case TypeTimerStartEvent, TypeErrorStartEvent, TypeMessageStartEvent,
		TypeSignalStartEvent, TypeEscalationStartEvent:
		return true
	}
	return false
}

// Connection is a sequence flow between two elements.
type Connection struct {
	ID         string     `yaml:"id" json:"id"`
	Name       string     `yaml:"name,omitempty" json:"name,omitempty"`
	From       string     `yaml:"from" json:"from"`
	To         string     `yaml:"to" json:"to"`
	Properties Properties `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Condition returns the flow condition expression, empty when unconditional.
func (c *Connection) Condition() string { return c.Properties.GetString("condition", "") }

// IsDefault reports whether the flow is the declared default of its gateway.
func (c *Connection) IsDefault() bool { return c.Properties.GetBool("isDefault", false) }

// IsCompensation reports whether the flow carries compensation (boundary
// compensation event to its handler task).
func (c *Connection) IsCompensation() bool { return c.Properties.GetBool("isCompensation", false) }

// Lane is a swimlane inside a pool. Layout only; the engine ignores it.
type Lane struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Pool is a process participant.
type Pool struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Lanes []Lane `yaml:"lanes,omitempty" json:"lanes,omitempty"`
}

// WorkflowDefinition is the immutable parsed workflow graph.
type WorkflowDefinition struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Pools       []Pool       `yaml:"pools,omitempty" json:"pools,omitempty"`
	Elements    []Element    `yaml:"elements" json:"elements"`
	Connections []Connection `yaml:"connections" json:"connections"`
	Subprocs    map[string]*WorkflowDefinition `yaml:"-" json:"-"`

	byID     map[string]*Element
	outgoing map[string][]*Connection
	incoming map[string][]*Connection
	boundary map[string][]*Element
}

// index builds the adjacency and lookup maps. Connections live in central
// maps so the cyclic graph never forms ownership cycles between nodes.
func (d *WorkflowDefinition) index() {
	d.byID = make(map[string]*Element, len(d.Elements))
	d.outgoing = make(map[string][]*Connection, len(d.Elements))
	d.incoming = make(map[string][]*Connection, len(d.Elements))
	d.boundary = make(map[string][]*Element)
	for i := range d.Elements {
		el := &d.Elements[i]
		d.byID[el.ID] = el
		if el.IsBoundaryEvent() && el.AttachedToRef != "" {
			d.boundary[el.AttachedToRef] = append(d.boundary[el.AttachedToRef], el)
		}
	}
	for i := range d.Connections {
		c := &d.Connections[i]
		d.outgoing[c.From] = append(d.outgoing[c.From], c)
		d.incoming[c.To] = append(d.incoming[c.To], c)
	}
}

// ElementByID returns the element with the given id, nil when absent.
func (d *WorkflowDefinition) ElementByID(id string) *Element { return d.byID[id] }

// StartEvent returns the plain start event of the process, nil when absent.
func (d *WorkflowDefinition) StartEvent() *Element {
	for i := range d.Elements {
		if d.Elements[i].Type == TypeStartEvent || d.Elements[i].Type == TypeTimerStartEvent {
			return &d.Elements[i]
		}
	}
	return nil
}

// Outgoing returns outgoing connections in declaration order.
func (d *WorkflowDefinition) Outgoing(id string) []*Connection { return d.outgoing[id] }

// Incoming returns incoming connections in declaration order.
func (d *WorkflowDefinition) Incoming(id string) []*Connection { return d.incoming[id] }

// BoundaryEvents returns the boundary events attached to the given activity.
func (d *WorkflowDefinition) BoundaryEvents(activityID string) []*Element {
	return d.boundary[activityID]
}

// EventSubProcesses returns the event sub-processes declared in this scope.
func (d *WorkflowDefinition) EventSubProcesses() []*Element {
	var out []*Element
	for i := range d.Elements {
		if d.Elements[i].Type == TypeEventSubProcess {
			out = append(out, &d.Elements[i])
		}
	}
	return out
}

// SequenceTargets returns elements reachable by the non-compensation outgoing
// flows of the given element, skipping boundary events and event sub-processes
// which are never targets of normal sequence flow.
func (d *WorkflowDefinition) SequenceTargets(id string) []*Element {
	var out []*Element
	for _, c := range d.outgoing[id] {
		if c.IsCompensation() {
			continue
		}
		if t := d.byID[c.To]; t != nil {
			out = append(out, t)
		}
	}
	return out
}

// Subprocess resolves a subprocess definition by name. The child definition
// is indexed lazily on first load.
func (d *WorkflowDefinition) Subprocess(name string) *WorkflowDefinition {
	return d.Subprocs[name]
}

// ScopeDefinition builds a WorkflowDefinition view over the child elements of
// an expanded subprocess or event sub-process element.
func ScopeDefinition(parent *WorkflowDefinition, el *Element) *WorkflowDefinition {
	scope := &WorkflowDefinition{
		ID:          parent.ID + "/" + el.ID,
		Name:        el.Name,
		Elements:    el.ChildElements,
		Connections: el.ChildFlows,
		Subprocs:    parent.Subprocs,
	}
	scope.index()
	return scope
}
