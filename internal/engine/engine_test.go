package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/executors"
	"github.com/fluxbpm/orchestrator/internal/model"
	"github.com/fluxbpm/orchestrator/internal/tracing"
)

func loadDef(t *testing.T, doc string) *model.WorkflowDefinition {
	t.Helper()
	def, err := model.Load([]byte(doc))
	require.NoError(t, err)
	return def
}

func startInstance(t *testing.T, eng *Engine, def *model.WorkflowDefinition, init map[string]interface{}) *Instance {
	t.Helper()
	id, err := eng.StartWorkflow(def, init)
	require.NoError(t, err)
	in, ok := eng.Instance(id)
	require.True(t, ok)
	return in
}

func waitDone(t *testing.T, in *Instance) {
	t.Helper()
	select {
	case <-in.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not finish in time")
	}
}

func runToEnd(t *testing.T, eng *Engine, def *model.WorkflowDefinition, init map[string]interface{}) (*Instance, []events.Event) {
	t.Helper()
	in := startInstance(t, eng, def, init)
	waitDone(t, in)
	return in, eng.ReplaySince(in.ID, 0)
}

func eventsOf(evts []events.Event, typ string) []events.Event {
	var out []events.Event
	for _, e := range evts {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func hasEvent(evts []events.Event, typ, elementID string) bool {
	for _, e := range evts {
		if e.Type == typ && e.ElementID == elementID {
			return true
		}
	}
	return false
}

func varOf(t *testing.T, in *Instance, key string) interface{} {
	t.Helper()
	v, ok := in.Vars.Get(key)
	require.True(t, ok, "variable %q not set", key)
	return v
}

func TestExclusiveGatewayConditionalPath(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: order-routing
  elements:
    - {id: start, type: startEvent}
    - id: computeSum
      type: scriptTask
      properties: {script: "sum = a + b"}
    - {id: route, type: exclusiveGateway}
    - id: bigOrder
      type: scriptTask
      properties: {script: "tier = 'big'"}
    - id: smallOrder
      type: scriptTask
      properties: {script: "tier = 'small'"}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: computeSum}
    - {id: f2, from: computeSum, to: route}
    - id: toBig
      from: route
      to: bigOrder
      properties: {condition: "sum > 10"}
    - id: toSmall
      from: route
      to: smallOrder
      properties: {isDefault: true}
    - {id: f3, from: bigOrder, to: done}
    - {id: f4, from: smallOrder, to: done}
`)

	in, evts := runToEnd(t, eng, def, map[string]interface{}{"a": 5, "b": 7})
	assert.Equal(t, StatusSuccess, in.Status())

	assert.EqualValues(t, 12, varOf(t, in, "sum"))
	assert.Equal(t, "big", varOf(t, in, "tier"))

	taken := eventsOf(evts, events.GatewayPathTaken)
	require.Len(t, taken, 1)
	assert.Equal(t, "toBig", taken[0].Payload["flowId"])
	notTaken := eventsOf(evts, events.GatewayPathNotTaken)
	require.Len(t, notTaken, 1)
	assert.Equal(t, "toSmall", notTaken[0].Payload["flowId"])
	assert.True(t, hasEvent(evts, events.ElementSkipped, "smallOrder"))
	assert.True(t, hasEvent(evts, events.ElementCompleted, "bigOrder"))

	first, last := evts[0], evts[len(evts)-1]
	assert.Equal(t, events.WorkflowStarted, first.Type)
	assert.Equal(t, events.WorkflowCompleted, last.Type)
	assert.Equal(t, StatusSuccess, last.Payload["outcome"])
}

func TestExclusiveGatewayNoPathMatched(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: no-path
  elements:
    - {id: start, type: startEvent}
    - {id: route, type: exclusiveGateway}
    - {id: a, type: task}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: route}
    - id: toA
      from: route
      to: a
      properties: {condition: "amount > 100"}
    - {id: f2, from: a, to: done}
`)

	in, evts := runToEnd(t, eng, def, map[string]interface{}{"amount": 1})
	assert.Equal(t, StatusFailure, in.Status())

	failed := eventsOf(evts, events.ElementFailed)
	require.NotEmpty(t, failed)
	assert.Equal(t, "route", failed[0].ElementID)
	assert.Equal(t, executors.CodeNoPathMatched, failed[0].Payload["errorCode"])
}

func TestParallelForkAndJoin(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: fork-join
  elements:
    - {id: start, type: startEvent}
    - {id: fork, type: parallelGateway}
    - id: left
      type: scriptTask
      properties: {script: "x = 1"}
    - id: right
      type: scriptTask
      properties: {script: "y = 2"}
    - {id: join, type: parallelGateway}
    - id: afterJoin
      type: scriptTask
      properties: {script: "joined = x + y"}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: fork}
    - {id: f2, from: fork, to: left}
    - {id: f3, from: fork, to: right}
    - {id: f4, from: left, to: join}
    - {id: f5, from: right, to: join}
    - {id: f6, from: join, to: afterJoin}
    - {id: f7, from: afterJoin, to: done}
`)

	in, evts := runToEnd(t, eng, def, nil)
	assert.Equal(t, StatusSuccess, in.Status())
	assert.EqualValues(t, 3, varOf(t, in, "joined"))

	// The join completes exactly once, so the downstream task runs once.
	entered := 0
	for _, e := range eventsOf(evts, events.ElementEntered) {
		if e.ElementID == "afterJoin" {
			entered++
		}
	}
	assert.Equal(t, 1, entered)
}

func TestRaceJoinFirstApprovalWins(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: dual-approval
  elements:
    - {id: start, type: startEvent}
    - {id: fork, type: parallelGateway}
    - {id: approve, type: userTask, name: Manual approval}
    - id: waitPayment
      type: receiveTask
      properties: {messageRef: payment, correlationKey: "${orderId}"}
    - id: joinAny
      type: inclusiveGateway
      properties: {mergeBehavior: race}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: fork}
    - {id: f2, from: fork, to: approve}
    - {id: f3, from: fork, to: waitPayment}
    - {id: f4, from: approve, to: joinAny}
    - {id: f5, from: waitPayment, to: joinAny}
    - {id: f6, from: joinAny, to: done}
`)

	in := startInstance(t, eng, def, map[string]interface{}{"orderId": "ord-1"})
	require.Eventually(t, func() bool {
		return len(in.PendingUserTasks()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, eng.CompleteUserTask(in.ID, "approve", executors.UserDecision{Decision: "approved"}))
	waitDone(t, in)
	assert.Equal(t, StatusSuccess, in.Status())

	evts := eng.ReplaySince(in.ID, 0)
	assert.True(t, hasEvent(evts, events.TaskCancelled, "waitPayment"))
	assert.Equal(t, "approved", varOf(t, in, "approve_decision"))

	// The losing branch's message arrives too late: nothing consumes it.
	assert.False(t, eng.PublishMessage("payment", "ord-1", map[string]interface{}{"paid": true}))

	// A second decision for the same task has no waiter anymore.
	err := eng.CompleteUserTask(in.ID, "approve", executors.UserDecision{Decision: "rejected"})
	assert.ErrorIs(t, err, ErrInstanceEnded)
}

func TestReceiveTaskMessageDelivery(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: wait-payment
  elements:
    - {id: start, type: startEvent}
    - id: waitPayment
      type: receiveTask
      properties: {messageRef: payment, correlationKey: "${orderId}"}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: waitPayment}
    - {id: f2, from: waitPayment, to: done}
`)

	// Publish before anyone waits: the message queues and the receive task
	// consumes it on arrival.
	assert.False(t, eng.PublishMessage("payment", "ord-9", map[string]interface{}{"amount": 42}))

	in, evts := runToEnd(t, eng, def, map[string]interface{}{"orderId": "ord-9"})
	assert.Equal(t, StatusSuccess, in.Status())
	assert.True(t, hasEvent(evts, events.MessageDelivered, "waitPayment"))
	assert.EqualValues(t, 42, varOf(t, in, "waitPayment_amount"))
}

func TestParallelMultiInstanceIsolatesFailures(t *testing.T) {
	eng := New(Options{})
	eng.Services().Register("provision", func(ctx context.Context, el *model.Element, vars map[string]interface{}, emit func(events.Event)) (interface{}, error) {
		item, _ := vars["item"].(string)
		if item == "B" {
			return nil, errors.New("boom")
		}
		return "res-" + item, nil
	})

	def := loadDef(t, `
process:
  id: fan-out
  elements:
    - {id: start, type: startEvent}
    - id: provisionAll
      type: serviceTask
      properties:
        implementation: provision
        isMultiInstance: true
        inputCollection: [A, B, C]
        outputCollection: provisioned
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: provisionAll}
    - {id: f2, from: provisionAll, to: done}
`)

	in, _ := runToEnd(t, eng, def, nil)
	assert.Equal(t, StatusSuccess, in.Status())

	results, ok := varOf(t, in, "provisioned").([]interface{})
	require.True(t, ok)
	require.Len(t, results, 3)
	assert.Equal(t, "res-A", results[0])
	assert.Equal(t, map[string]interface{}{"error": "boom"}, results[1])
	assert.Equal(t, "res-C", results[2])
	assert.EqualValues(t, 3, varOf(t, in, "nrOfCompletedInstances"))
}

func TestSequentialMultiInstanceSharesContext(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: fold
  elements:
    - {id: start, type: startEvent}
    - id: accumulate
      type: scriptTask
      properties:
        script: "total = total + item"
        isMultiInstance: true
        isSequential: true
        inputCollection: [1, 2, 3]
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: accumulate}
    - {id: f2, from: accumulate, to: done}
`)

	in, _ := runToEnd(t, eng, def, map[string]interface{}{"total": 0})
	assert.Equal(t, StatusSuccess, in.Status())
	assert.EqualValues(t, 6, varOf(t, in, "total"))
	assert.EqualValues(t, 3, varOf(t, in, "nrOfInstances"))
}

func TestMultiInstanceOverflowFailsWorkflow(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: overflow
  elements:
    - {id: start, type: startEvent}
    - id: burst
      type: scriptTask
      properties:
        script: "1"
        isMultiInstance: true
        inputCollection: items
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: burst}
    - {id: f2, from: burst, to: done}
`)

	items := make([]interface{}, 2048)
	for i := range items {
		items[i] = i
	}
	in, evts := runToEnd(t, eng, def, map[string]interface{}{"items": items})
	assert.Equal(t, StatusFailure, in.Status())

	failed := eventsOf(evts, events.ElementFailed)
	require.NotEmpty(t, failed)
	assert.Equal(t, executors.CodeMultiInstanceOverflow, failed[0].Payload["errorCode"])
}

func TestStandardLoopRunsUntilConditionFalse(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: retry-loop
  elements:
    - {id: start, type: startEvent}
    - id: bump
      type: scriptTask
      properties:
        script: "n = n + 1"
        loopCondition: "n < 3"
        loopMaximum: 10
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: bump}
    - {id: f2, from: bump, to: done}
`)

	in, _ := runToEnd(t, eng, def, map[string]interface{}{"n": 0})
	assert.Equal(t, StatusSuccess, in.Status())
	// Do-while: the body runs before the condition is checked.
	assert.EqualValues(t, 3, varOf(t, in, "n"))
	assert.EqualValues(t, 2, varOf(t, in, "loopCounter"))
}

func TestInterruptingTimerBoundaryRedirects(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: sla-escalation
  elements:
    - {id: start, type: startEvent}
    - {id: approve, type: userTask}
    - id: slaTimer
      type: boundaryTimerEvent
      attachedToRef: approve
      properties: {timerDuration: PT0.05S, cancelActivity: true}
    - id: escalate
      type: scriptTask
      properties: {script: "escalated = true"}
    - {id: done, type: endEvent}
    - {id: doneLate, type: endEvent}
  connections:
    - {id: f1, from: start, to: approve}
    - {id: f2, from: approve, to: done}
    - {id: f3, from: slaTimer, to: escalate}
    - {id: f4, from: escalate, to: doneLate}
`)

	in, evts := runToEnd(t, eng, def, nil)
	assert.Equal(t, StatusSuccess, in.Status())
	assert.Equal(t, true, varOf(t, in, "escalated"))

	cancelled := eventsOf(evts, events.TaskCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "approve", cancelled[0].ElementID)
	assert.Equal(t, "boundary:slaTimer", cancelled[0].Payload["reason"])
	assert.True(t, hasEvent(evts, events.ElementCompleted, "escalate"))
}

func TestNonInterruptingMessageBoundarySpawnsParallelPath(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: review-nudge
  elements:
    - {id: start, type: startEvent}
    - {id: review, type: userTask}
    - id: nudge
      type: boundaryMessageEvent
      attachedToRef: review
      properties: {messageRef: nudge, cancelActivity: false}
    - id: remind
      type: scriptTask
      properties: {script: "nudges = 1"}
    - {id: done, type: endEvent}
    - {id: remindEnd, type: endEvent}
  connections:
    - {id: f1, from: start, to: review}
    - {id: f2, from: review, to: done}
    - {id: f3, from: nudge, to: remind}
    - {id: f4, from: remind, to: remindEnd}
`)

	in := startInstance(t, eng, def, nil)
	require.Eventually(t, func() bool {
		return len(in.PendingUserTasks()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	eng.PublishMessage("nudge", "", map[string]interface{}{"channel": "email"})
	require.Eventually(t, func() bool {
		_, ok := in.Vars.Get("nudges")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// The reminder fires without cancelling the review.
	require.Len(t, in.PendingUserTasks(), 1)
	require.NoError(t, eng.CompleteUserTask(in.ID, "review", executors.UserDecision{Decision: "approved"}))
	waitDone(t, in)

	assert.Equal(t, StatusSuccess, in.Status())
	assert.EqualValues(t, 1, varOf(t, in, "nudges"))
	assert.Equal(t, "email", varOf(t, in, "nudge_channel"))
}

func TestErrorBoundaryCatchesByCodeSubstring(t *testing.T) {
	eng := New(Options{})
	eng.Services().Register("charge", func(ctx context.Context, el *model.Element, vars map[string]interface{}, emit func(events.Event)) (interface{}, error) {
		return nil, errors.New("PaymentLimitExceeded")
	})

	def := loadDef(t, `
process:
  id: charge-fallback
  elements:
    - {id: start, type: startEvent}
    - id: charge
      type: serviceTask
      properties: {implementation: charge}
    - id: onLimit
      type: boundaryErrorEvent
      attachedToRef: charge
      properties: {errorCode: PaymentLimit}
    - id: fallback
      type: scriptTask
      properties: {script: "fellBack = true"}
    - {id: done, type: endEvent}
    - {id: doneFallback, type: endEvent}
  connections:
    - {id: f1, from: start, to: charge}
    - {id: f2, from: charge, to: done}
    - {id: f3, from: onLimit, to: fallback}
    - {id: f4, from: fallback, to: doneFallback}
`)

	in, evts := runToEnd(t, eng, def, nil)
	assert.Equal(t, StatusSuccess, in.Status())
	assert.Equal(t, true, varOf(t, in, "fellBack"))
	assert.False(t, hasEvent(evts, events.ElementCompleted, "charge"))
	assert.True(t, hasEvent(evts, events.ElementCompleted, "fallback"))
}

func TestErrorEventSubProcessRecovers(t *testing.T) {
	eng := New(Options{})
	eng.Services().Register("charge", func(ctx context.Context, el *model.Element, vars map[string]interface{}, emit func(events.Event)) (interface{}, error) {
		return nil, errors.New("PaymentLimitExceeded")
	})

	def := loadDef(t, `
process:
  id: charge-recovery
  elements:
    - {id: start, type: startEvent}
    - id: charge
      type: serviceTask
      properties: {implementation: charge}
    - {id: done, type: endEvent}
    - id: recovery
      type: eventSubProcess
      childElements:
        - id: errStart
          type: errorStartEvent
          properties: {errorCode: PaymentLimit}
        - id: refund
          type: scriptTask
          properties: {script: "refunded = true"}
        - {id: recovered, type: endEvent}
      childConnections:
        - {id: r1, from: errStart, to: refund}
        - {id: r2, from: refund, to: recovered}
  connections:
    - {id: f1, from: start, to: charge}
    - {id: f2, from: charge, to: done}
`)

	in, evts := runToEnd(t, eng, def, nil)
	assert.Equal(t, StatusSuccess, in.Status())
	assert.Equal(t, true, varOf(t, in, "refunded"))
	assert.Equal(t, "PaymentLimitExceeded", varOf(t, in, "errStart_errorCode"))
	assert.True(t, hasEvent(evts, events.ElementCompleted, "recovery"))
	assert.True(t, hasEvent(evts, events.ElementFailed, "charge"))
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	record := func(name string) executors.ServiceHandler {
		return func(ctx context.Context, el *model.Element, vars map[string]interface{}, emit func(events.Event)) (interface{}, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return name + "-ok", nil
		}
	}

	eng := New(Options{})
	for _, name := range []string{"createVPC", "createStorage", "createVM", "terminateVM", "deleteStorage", "deleteVPC"} {
		eng.Services().Register(name, record(name))
	}

	def := loadDef(t, `
process:
  id: provision-rollback
  elements:
    - {id: start, type: startEvent}
    - {id: vpc, type: serviceTask, properties: {implementation: createVPC}}
    - {id: storage, type: serviceTask, properties: {implementation: createStorage}}
    - {id: vm, type: serviceTask, properties: {implementation: createVM}}
    - {id: compVPC, type: boundaryCompensationEvent, attachedToRef: vpc}
    - {id: compStorage, type: boundaryCompensationEvent, attachedToRef: storage}
    - {id: compVM, type: boundaryCompensationEvent, attachedToRef: vm}
    - {id: undoVPC, type: serviceTask, properties: {implementation: deleteVPC}}
    - {id: undoStorage, type: serviceTask, properties: {implementation: deleteStorage}}
    - {id: undoVM, type: serviceTask, properties: {implementation: terminateVM}}
    - id: rollback
      type: intermediateThrowEvent
      properties: {compensate: true}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: vpc}
    - {id: f2, from: vpc, to: storage}
    - {id: f3, from: storage, to: vm}
    - {id: f4, from: vm, to: rollback}
    - {id: f5, from: rollback, to: done}
    - {id: c1, from: compVPC, to: undoVPC, properties: {isCompensation: true}}
    - {id: c2, from: compStorage, to: undoStorage, properties: {isCompensation: true}}
    - {id: c3, from: compVM, to: undoVM, properties: {isCompensation: true}}
`)

	in, evts := runToEnd(t, eng, def, nil)
	assert.Equal(t, StatusSuccess, in.Status())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"createVPC", "createStorage", "createVM",
		"terminateVM", "deleteStorage", "deleteVPC",
	}, calls)
	require.Len(t, eventsOf(evts, events.CompensationTriggered), 1)
}

func TestCallActivityMapsInputsAndOutputs(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: order-with-billing
  elements:
    - {id: start, type: startEvent}
    - id: bill
      type: callActivity
      properties:
        calledElement: billing
        inputMappings: {amount: orderTotal}
        outputMappings: {billedFee: fee}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: bill}
    - {id: f2, from: bill, to: done}
  subProcessDefinitions:
    - name: billing
      id: billing-v1
      elements:
        - {id: bstart, type: startEvent}
        - id: computeFee
          type: scriptTask
          properties: {script: "fee = amount * 2; internal = 99"}
        - {id: bend, type: endEvent}
      connections:
        - {id: b1, from: bstart, to: computeFee}
        - {id: b2, from: computeFee, to: bend}
`)

	in, _ := runToEnd(t, eng, def, map[string]interface{}{"orderTotal": 21})
	assert.Equal(t, StatusSuccess, in.Status())
	assert.EqualValues(t, 42, varOf(t, in, "billedFee"))

	// Only declared outputs flow back to the parent.
	_, leaked := in.Vars.Get("internal")
	assert.False(t, leaked)
	_, leaked = in.Vars.Get("fee")
	assert.False(t, leaked)
}

func TestEventBasedGatewayFirstEventWins(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: wait-or-timeout
  elements:
    - {id: start, type: startEvent}
    - {id: race, type: eventBasedGateway}
    - id: onReply
      type: intermediateCatchEvent
      properties: {messageRef: reply, correlationKey: k1}
    - id: onTimeout
      type: timerIntermediateCatchEvent
      properties: {timerDuration: PT2S}
    - id: handleReply
      type: scriptTask
      properties: {script: "handled = 'reply'"}
    - id: handleTimeout
      type: scriptTask
      properties: {script: "handled = 'timeout'"}
    - {id: done, type: endEvent}
    - {id: doneLate, type: endEvent}
  connections:
    - {id: f1, from: start, to: race}
    - {id: toReply, from: race, to: onReply}
    - {id: toTimeout, from: race, to: onTimeout}
    - {id: f2, from: onReply, to: handleReply}
    - {id: f3, from: onTimeout, to: handleTimeout}
    - {id: f4, from: handleReply, to: done}
    - {id: f5, from: handleTimeout, to: doneLate}
`)

	eng.PublishMessage("reply", "k1", map[string]interface{}{"ok": true})
	in, evts := runToEnd(t, eng, def, nil)
	assert.Equal(t, StatusSuccess, in.Status())
	assert.Equal(t, "reply", varOf(t, in, "handled"))

	taken := eventsOf(evts, events.GatewayPathTaken)
	require.Len(t, taken, 1)
	assert.Equal(t, "toReply", taken[0].Payload["flowId"])
	assert.False(t, hasEvent(evts, events.ElementCompleted, "handleTimeout"))
}

func TestCancelWorkflow(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: cancellable
  elements:
    - {id: start, type: startEvent}
    - {id: approve, type: userTask}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: approve}
    - {id: f2, from: approve, to: done}
`)

	in := startInstance(t, eng, def, nil)
	require.Eventually(t, func() bool {
		return len(in.PendingUserTasks()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, eng.CancelWorkflow(in.ID, "operator request"))
	waitDone(t, in)
	assert.Equal(t, StatusCancelled, in.Status())

	evts := eng.ReplaySince(in.ID, 0)
	cancelled := eventsOf(evts, events.TaskCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "workflow cancelled", cancelled[0].Payload["reason"])
	last := evts[len(evts)-1]
	assert.Equal(t, events.WorkflowCompleted, last.Type)
	assert.Equal(t, "operator request", last.Payload["reason"])

	assert.ErrorIs(t, eng.CancelWorkflow(in.ID, "again"), ErrInstanceEnded)
}

func TestUserTaskRejectionFailsWorkflow(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: approval
  elements:
    - {id: start, type: startEvent}
    - {id: approve, type: userTask}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: approve}
    - {id: f2, from: approve, to: done}
`)

	in := startInstance(t, eng, def, nil)
	require.Eventually(t, func() bool {
		return len(in.PendingUserTasks()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, eng.CompleteUserTask(in.ID, "approve", executors.UserDecision{
		Decision: "rejected",
		Comments: "budget exceeded",
	}))
	waitDone(t, in)

	assert.Equal(t, StatusFailure, in.Status())
	assert.Equal(t, "rejected", varOf(t, in, "approve_decision"))
	assert.Equal(t, "budget exceeded", varOf(t, in, "approve_comments"))
}

func TestCompleteUserTaskUnknownInstance(t *testing.T) {
	eng := New(Options{})
	err := eng.CompleteUserTask("nope", "approve", executors.UserDecision{Decision: "approved"})
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestInclusiveGatewayTakesAllMatchingPaths(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: notify-channels
  elements:
    - {id: start, type: startEvent}
    - {id: split, type: inclusiveGateway}
    - id: email
      type: scriptTask
      properties: {script: "sentEmail = true"}
    - id: sms
      type: scriptTask
      properties: {script: "sentSms = true"}
    - id: fax
      type: scriptTask
      properties: {script: "sentFax = true"}
    - {id: join, type: inclusiveGateway}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: split}
    - id: toEmail
      from: split
      to: email
      properties: {condition: "wantEmail"}
    - id: toSms
      from: split
      to: sms
      properties: {condition: "wantSms"}
    - id: toFax
      from: split
      to: fax
      properties: {condition: "wantFax"}
    - {id: f2, from: email, to: join}
    - {id: f3, from: sms, to: join}
    - {id: f4, from: fax, to: join}
    - {id: f5, from: join, to: done}
`)

	in, evts := runToEnd(t, eng, def, map[string]interface{}{
		"wantEmail": true, "wantSms": true, "wantFax": false,
	})
	assert.Equal(t, StatusSuccess, in.Status())
	assert.Equal(t, true, varOf(t, in, "sentEmail"))
	assert.Equal(t, true, varOf(t, in, "sentSms"))
	_, faxed := in.Vars.Get("sentFax")
	assert.False(t, faxed)

	// The skipped branch registers at the join so it never over-waits, and
	// the path after the join runs exactly once.
	assert.True(t, hasEvent(evts, events.ElementSkipped, "fax"))
	completedDone := 0
	for _, e := range eventsOf(evts, events.ElementCompleted) {
		if e.ElementID == "done" {
			completedDone++
		}
	}
	assert.Equal(t, 1, completedDone)
}

func TestSubProcessScopeAndRelease(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: with-subprocess
  elements:
    - {id: start, type: startEvent}
    - id: stage
      type: subProcess
      childElements:
        - {id: sstart, type: startEvent}
        - id: work
          type: scriptTask
          properties: {script: "staged = true"}
        - {id: send, type: endEvent}
      childConnections:
        - {id: s1, from: sstart, to: work}
        - {id: s2, from: work, to: send}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: stage}
    - {id: f2, from: stage, to: done}
`)

	in, evts := runToEnd(t, eng, def, nil)
	assert.Equal(t, StatusSuccess, in.Status())
	assert.Equal(t, true, varOf(t, in, "staged"))
	assert.True(t, hasEvent(evts, events.ElementCompleted, "stage"))

	require.NoError(t, eng.Release(in.ID))
	_, ok := eng.Instance(in.ID)
	assert.False(t, ok)
	assert.Empty(t, eng.ReplaySince(in.ID, 0))
	assert.ErrorIs(t, eng.Release(in.ID), ErrInstanceNotFound)
}

func TestEscalationCaughtByEventSubProcess(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: escalating
  elements:
    - {id: start, type: startEvent}
    - id: raise
      type: intermediateThrowEvent
      properties:
        escalationCode: NeedsManager
        custom: {ticket: "${ticketId}"}
    - {id: done, type: endEvent}
    - id: managerLoop
      type: eventSubProcess
      childElements:
        - id: escStart
          type: escalationStartEvent
          properties: {escalationCode: NeedsManager, isInterrupting: false}
        - id: page
          type: scriptTask
          properties: {script: "paged = true"}
        - {id: pend, type: endEvent}
      childConnections:
        - {id: e1, from: escStart, to: page}
        - {id: e2, from: page, to: pend}
  connections:
    - {id: f1, from: start, to: raise}
    - {id: f2, from: raise, to: done}
`)

	in, _ := runToEnd(t, eng, def, map[string]interface{}{"ticketId": "T-7"})
	assert.Equal(t, StatusSuccess, in.Status())
	assert.Equal(t, true, varOf(t, in, "paged"))
	assert.Equal(t, "T-7", varOf(t, in, "escStart_ticket"))
}

func TestSkipPropagationTerminatesInLoopRegion(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: skip-loop
  elements:
    - {id: start, type: startEvent}
    - {id: fork, type: inclusiveGateway}
    - id: ship
      type: scriptTask
      properties: {script: "shipped = true"}
    - id: retryA
      type: scriptTask
      properties: {script: "a = 1"}
    - id: retryB
      type: scriptTask
      properties: {script: "b = 1"}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: fork}
    - id: toShip
      from: fork
      to: ship
      properties: {condition: "amount > 0"}
    - id: toRetry
      from: fork
      to: retryA
      properties: {condition: "amount < 0"}
    - {id: ab, from: retryA, to: retryB}
    - {id: ba, from: retryB, to: retryA}
    - {id: f2, from: ship, to: done}
`)

	in, evts := runToEnd(t, eng, def, map[string]interface{}{"amount": 5})
	assert.Equal(t, StatusSuccess, in.Status())
	assert.Equal(t, true, varOf(t, in, "shipped"))

	// The retry cycle is skipped once per connection, then the walk stops on
	// the back edge instead of circling.
	assert.True(t, hasEvent(evts, events.ElementSkipped, "retryA"))
	assert.True(t, hasEvent(evts, events.ElementSkipped, "retryB"))
	assert.LessOrEqual(t, len(eventsOf(evts, events.ElementSkipped)), 3)
}

func TestSkipStopsAtElementsOnTakenPath(t *testing.T) {
	eng := New(Options{})
	def := loadDef(t, `
process:
  id: skip-shared
  elements:
    - {id: start, type: startEvent}
    - {id: fork, type: inclusiveGateway}
    - id: notifyEmail
      type: scriptTask
      properties: {script: "emailed = true"}
    - id: notifySms
      type: scriptTask
      properties: {script: "texted = true"}
    - id: record
      type: scriptTask
      properties: {script: "recorded = true"}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: fork}
    - id: toEmail
      from: fork
      to: notifyEmail
      properties: {condition: "channel == 'email'"}
    - id: toSms
      from: fork
      to: notifySms
      properties: {condition: "channel == 'sms'"}
    - {id: f2, from: notifyEmail, to: record}
    - {id: f3, from: notifySms, to: record}
    - {id: f4, from: record, to: done}
`)

	in, evts := runToEnd(t, eng, def, map[string]interface{}{"channel": "email"})
	assert.Equal(t, StatusSuccess, in.Status())
	assert.Equal(t, true, varOf(t, in, "recorded"))

	assert.True(t, hasEvent(evts, events.ElementSkipped, "notifySms"))
	// Elements the live path executes never get a contradictory skip.
	assert.True(t, hasEvent(evts, events.ElementCompleted, "record"))
	assert.False(t, hasEvent(evts, events.ElementSkipped, "record"))
	assert.True(t, hasEvent(evts, events.ElementCompleted, "done"))
	assert.False(t, hasEvent(evts, events.ElementSkipped, "done"))
}

func TestExecutionRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	_, err := tracing.Initialize(tracing.Config{ServiceName: "engine-test"}, zap.NewNop())
	require.NoError(t, err)

	eng := New(Options{})
	def := loadDef(t, `
process:
  id: traced
  elements:
    - {id: start, type: startEvent}
    - id: calc
      type: scriptTask
      properties: {script: "n = 1"}
    - {id: done, type: endEvent}
  connections:
    - {id: f1, from: start, to: calc}
    - {id: f2, from: calc, to: done}
`)
	in, _ := runToEnd(t, eng, def, nil)
	require.Equal(t, StatusSuccess, in.Status())

	names := map[string]bool{}
	var calcSpan sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
		if s.Name() == "element.scriptTask" {
			calcSpan = s
		}
	}
	assert.True(t, names["workflow.run"], "missing instance span, got %v", names)
	require.NotNil(t, calcSpan, "missing element span, got %v", names)

	attrs := map[string]string{}
	for _, kv := range calcSpan.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, in.ID, attrs["workflow.instance_id"])
	assert.Equal(t, "calc", attrs["workflow.element_id"])
}
