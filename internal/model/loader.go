package model

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// canonicalTypes maps lowercased type names to their canonical spelling.
var canonicalTypes = map[string]ElementType{}

func init() {
	for _, t := range []ElementType{
		TypeStartEvent, TypeEndEvent, TypeTask, TypeScriptTask, TypeServiceTask,
		TypeSendTask, TypeReceiveTask, TypeUserTask, TypeAgenticTask, TypeManualTask,
		TypeCallActivity, TypeSubProcess, TypeEventSubProcess,
		TypeExclusiveGateway, TypeInclusiveGateway, TypeParallelGateway, TypeEventBasedGateway,
		TypeIntermediateCatchEvent, TypeIntermediateThrowEvent,
		TypeTimerStartEvent, TypeTimerIntermediateCatchEvent,
		TypeBoundaryTimerEvent, TypeBoundaryErrorEvent, TypeBoundaryMessageEvent,
		TypeBoundaryEscalationEvent, TypeBoundaryCompensationEvent,
		TypeErrorStartEvent, TypeMessageStartEvent, TypeSignalStartEvent, TypeEscalationStartEvent,
	} {
		canonicalTypes[strings.ToLower(string(t))] = t
	}
	// Legacy spellings from older workflow documents.
	canonicalTypes["timerboundaryevent"] = TypeBoundaryTimerEvent
	canonicalTypes["errorboundaryevent"] = TypeBoundaryErrorEvent
	canonicalTypes["escalationboundaryevent"] = TypeBoundaryEscalationEvent
	canonicalTypes["intermediateevent"] = TypeIntermediateCatchEvent
}

// CanonicalType resolves a case-insensitive element type name.
func CanonicalType(s string) (ElementType, bool) {
	t, ok := canonicalTypes[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// document is the YAML shape of a workflow file: a top-level process block
// with optional reusable subprocess definitions.
type document struct {
	Process struct {
		ID           string       `yaml:"id"`
		Name         string       `yaml:"name"`
		Pools        []Pool       `yaml:"pools"`
		Elements     []Element    `yaml:"elements"`
		Connections  []Connection `yaml:"connections"`
		SubprocessDefs []struct {
			Name        string       `yaml:"name"`
			ID          string       `yaml:"id"`
			Elements    []Element    `yaml:"elements"`
			Connections []Connection `yaml:"connections"`
		} `yaml:"subProcessDefinitions"`
	} `yaml:"process"`
}

// Load parses a YAML workflow document, canonicalises element types and
// validates the graph. Definition errors surface here, synchronously.
func Load(data []byte) (*WorkflowDefinition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if doc.Process.ID == "" && doc.Process.Name == "" {
		return nil, fmt.Errorf("parse workflow: missing process block")
	}

	def := &WorkflowDefinition{
		ID:          doc.Process.ID,
		Name:        doc.Process.Name,
		Pools:       doc.Process.Pools,
		Elements:    doc.Process.Elements,
		Connections: doc.Process.Connections,
		Subprocs:    make(map[string]*WorkflowDefinition),
	}
	// Register every subprocess before validating so call activities may
	// reference siblings in either direction.
	for _, sp := range doc.Process.SubprocessDefs {
		def.Subprocs[sp.Name] = &WorkflowDefinition{
			ID:          sp.ID,
			Name:        sp.Name,
			Elements:    sp.Elements,
			Connections: sp.Connections,
			Subprocs:    def.Subprocs,
		}
	}
	for name, child := range def.Subprocs {
		if err := finalize(child); err != nil {
			return nil, fmt.Errorf("subprocess %q: %w", name, err)
		}
	}
	if err := finalize(def); err != nil {
		return nil, err
	}
	return def, nil
}

// finalize canonicalises types recursively, indexes and validates.
func finalize(def *WorkflowDefinition) error {
	if err := canonicalise(def.Elements); err != nil {
		return err
	}
	def.index()
	return Validate(def)
}

func canonicalise(elements []Element) error {
	for i := range elements {
		el := &elements[i]
		t, ok := CanonicalType(string(el.Type))
		if !ok {
			return fmt.Errorf("element %q: unknown type %q", el.ID, el.Type)
		}
		el.Type = t
		if err := canonicalise(el.ChildElements); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks structural invariants of a definition: unique ids, no
// dangling connection endpoints, boundary attachment targets, at most one
// default flow per gateway, resolvable calledElement names.
func Validate(def *WorkflowDefinition) error {
	seen := make(map[string]bool, len(def.Elements))
	for i := range def.Elements {
		el := &def.Elements[i]
		if el.ID == "" {
			return fmt.Errorf("element %d: empty id", i)
		}
		if seen[el.ID] {
			return fmt.Errorf("duplicate element id %q", el.ID)
		}
		seen[el.ID] = true
	}

	for i := range def.Connections {
		c := &def.Connections[i]
		if def.byID[c.From] == nil {
			return fmt.Errorf("connection %q: unknown source %q", c.ID, c.From)
		}
		if def.byID[c.To] == nil {
			return fmt.Errorf("connection %q: unknown target %q", c.ID, c.To)
		}
	}

	for i := range def.Elements {
		el := &def.Elements[i]
		switch {
		case el.IsBoundaryEvent():
			host := def.byID[el.AttachedToRef]
			if host == nil {
				return fmt.Errorf("boundary event %q: unresolved attachedToRef %q", el.ID, el.AttachedToRef)
			}
			if !host.IsActivity() {
				return fmt.Errorf("boundary event %q: attachedToRef %q is not an activity", el.ID, el.AttachedToRef)
			}
		case el.Type == TypeCallActivity:
			name := el.Properties.GetString("calledElement", "")
			if name == "" {
				return fmt.Errorf("call activity %q: missing calledElement", el.ID)
			}
			if def.Subprocs[name] == nil {
				return fmt.Errorf("call activity %q: unresolved subprocess %q", el.ID, name)
			}
		case el.Type == TypeExclusiveGateway, el.Type == TypeInclusiveGateway, el.Type == TypeEventBasedGateway:
			defaults := 0
			for _, c := range def.outgoing[el.ID] {
				if c.IsDefault() {
					defaults++
				}
			}
			if defaults > 1 {
				return fmt.Errorf("gateway %q: multiple default flows", el.ID)
			}
		case el.Type == TypeSubProcess, el.Type == TypeEventSubProcess:
			if len(el.ChildElements) > 0 {
				scope := ScopeDefinition(def, el)
				if err := Validate(scope); err != nil {
					return fmt.Errorf("subprocess %q: %w", el.ID, err)
				}
			}
		}
	}
	return nil
}
