package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCanonicalisesTypes(t *testing.T) {
	def, err := Load([]byte(`
process:
  id: p1
  elements:
    - {id: start, type: STARTEVENT}
    - {id: work, type: scripttask}
    - id: guard
      type: timerBoundaryEvent
      attachedToRef: work
      properties: {timerDuration: PT1S}
    - {id: done, type: endevent}
  connections:
    - {id: f1, from: start, to: work}
    - {id: f2, from: work, to: done}
    - {id: f3, from: guard, to: done}
`))
	require.NoError(t, err)

	assert.Equal(t, TypeStartEvent, def.ElementByID("start").Type)
	assert.Equal(t, TypeScriptTask, def.ElementByID("work").Type)
	// Legacy spelling maps onto the canonical boundary type.
	assert.Equal(t, TypeBoundaryTimerEvent, def.ElementByID("guard").Type)

	bounds := def.BoundaryEvents("work")
	require.Len(t, bounds, 1)
	assert.Equal(t, "guard", bounds[0].ID)
}

func TestLoadRejectsUnknownType(t *testing.T) {
	_, err := Load([]byte(`
process:
  id: p1
  elements:
    - {id: x, type: quantumTask}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestLoadRejectsMissingProcessBlock(t *testing.T) {
	_, err := Load([]byte(`elements: []`))
	require.Error(t, err)
}

func TestValidateDuplicateIDs(t *testing.T) {
	_, err := Load([]byte(`
process:
  id: p1
  elements:
    - {id: a, type: task}
    - {id: a, type: task}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate element id")
}

func TestValidateDanglingConnection(t *testing.T) {
	_, err := Load([]byte(`
process:
  id: p1
  elements:
    - {id: start, type: startEvent}
  connections:
    - {id: f1, from: start, to: ghost}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")
}

func TestValidateBoundaryAttachment(t *testing.T) {
	_, err := Load([]byte(`
process:
  id: p1
  elements:
    - {id: start, type: startEvent}
    - id: guard
      type: boundaryTimerEvent
      attachedToRef: start
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an activity")

	_, err = Load([]byte(`
process:
  id: p1
  elements:
    - id: guard
      type: boundaryTimerEvent
      attachedToRef: ghost
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolved attachedToRef")
}

func TestValidateMultipleDefaultFlows(t *testing.T) {
	_, err := Load([]byte(`
process:
  id: p1
  elements:
    - {id: gw, type: exclusiveGateway}
    - {id: a, type: task}
    - {id: b, type: task}
  connections:
    - {id: f1, from: gw, to: a, properties: {isDefault: true}}
    - {id: f2, from: gw, to: b, properties: {isDefault: true}}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple default flows")
}

func TestSubprocessDefinitionsResolve(t *testing.T) {
	def, err := Load([]byte(`
process:
  id: parent
  elements:
    - {id: start, type: startEvent}
    - id: call
      type: callActivity
      properties: {calledElement: billing}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: call}
    - {id: f2, from: call, to: done}
  subProcessDefinitions:
    - name: billing
      id: billing-v1
      elements:
        - {id: bstart, type: startEvent}
        - {id: bend, type: endEvent}
      connections:
        - {id: b1, from: bstart, to: bend}
`))
	require.NoError(t, err)

	child := def.Subprocess("billing")
	require.NotNil(t, child)
	assert.Equal(t, "billing-v1", child.ID)
	require.NotNil(t, child.StartEvent())
	assert.Equal(t, "bstart", child.StartEvent().ID)
}

func TestValidateUnresolvedCallActivity(t *testing.T) {
	_, err := Load([]byte(`
process:
  id: p1
  elements:
    - id: call
      type: callActivity
      properties: {calledElement: nowhere}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolved subprocess")
}

func TestValidateRecursesIntoExpandedSubprocess(t *testing.T) {
	_, err := Load([]byte(`
process:
  id: p1
  elements:
    - id: stage
      type: subProcess
      childElements:
        - {id: dup, type: task}
        - {id: dup, type: task}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate element id")
}

func TestScopeDefinitionIndexesChildren(t *testing.T) {
	def, err := Load([]byte(`
process:
  id: p1
  elements:
    - id: stage
      type: subProcess
      childElements:
        - {id: sstart, type: startEvent}
        - {id: work, type: task}
        - {id: send, type: endEvent}
      childConnections:
        - {id: s1, from: sstart, to: work}
        - {id: s2, from: work, to: send}
`))
	require.NoError(t, err)

	scope := ScopeDefinition(def, def.ElementByID("stage"))
	require.NotNil(t, scope.StartEvent())
	out := scope.Outgoing("sstart")
	require.Len(t, out, 1)
	assert.Equal(t, "work", out[0].To)
	in := scope.Incoming("send")
	require.Len(t, in, 1)
	assert.Equal(t, "work", in[0].From)
}

func TestPropertiesAccessors(t *testing.T) {
	p := Properties{
		"s":       "hello",
		"bTrue":   true,
		"bStr":    "yes",
		"nInt":    3,
		"nFloat":  2.0,
		"ignored": []interface{}{1},
	}
	assert.Equal(t, "hello", p.GetString("s", ""))
	assert.Equal(t, "dflt", p.GetString("missing", "dflt"))
	assert.True(t, p.GetBool("bTrue", false))
	assert.True(t, p.GetBool("bStr", false))
	assert.False(t, p.GetBool("missing", false))
	assert.Equal(t, 3, p.GetInt("nInt", 0))
	assert.Equal(t, 2, p.GetInt("nFloat", 0))
	assert.Equal(t, 7, p.GetInt("missing", 7))

	var nilProps Properties
	assert.Equal(t, "x", nilProps.GetString("k", "x"))
	assert.True(t, nilProps.GetBool("k", true))
	assert.Equal(t, 1, nilProps.GetInt("k", 1))
}
