// Package events defines the execution event model and the live stream
// fan-out used by UI transports and the durable store.
package events

import (
	"encoding/json"
	"time"
)

// Stable event type values pushed to subscribers.
const (
	WorkflowStarted   = "workflow.started"
	WorkflowCompleted = "workflow.completed"

	ElementEntered   = "element.entered"
	ElementCompleted = "element.completed"
	ElementSkipped   = "element.skipped"
	ElementFailed    = "element.failed"

	GatewayEvaluating   = "gateway.evaluating"
	GatewayPathTaken    = "gateway.path_taken"
	GatewayPathNotTaken = "gateway.path_not_taken"

	TaskUserPending = "task.user.pending"
	TaskCancelled   = "task.cancelled"
	TaskThinking    = "task.thinking"
	TaskToolStart   = "task.tool.start"
	TaskToolEnd     = "task.tool.end"
	TaskProgress    = "task.progress"

	TextMessageStart = "text.message.start"
	TextMessageChunk = "text.message.chunk"
	TextMessageEnd   = "text.message.end"

	MessageDelivered      = "message.delivered"
	CompensationTriggered = "compensation.triggered"
	ExpressionError       = "expression.error"
)

// Event is a single causal, per-instance execution event.
type Event struct {
	Type       string                 `json:"type"`
	InstanceID string                 `json:"instanceId"`
	ElementID  string                 `json:"elementId,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Seq        uint64                 `json:"seq,omitempty"`
}

// Marshal returns the JSON encoding for transports and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
