package executors

import (
	"time"

	"github.com/google/uuid"

	"github.com/fluxbpm/orchestrator/internal/events"
)

// TextStreamer turns raw streamed text deltas into sentence-sized
// text.message.* events, so replay reads the way the live stream did.
// Agentic handlers feed it from their token callbacks.
type TextStreamer struct {
	env       *Env
	elementID string
	messageID string
	role      string
	started   bool
	detector  *events.SentenceDetector
}

// NewTextStreamer creates a streamer for one assistant message on the
// given element.
func NewTextStreamer(env *Env, elementID string) *TextStreamer {
	return &TextStreamer{
		env:       env,
		elementID: elementID,
		messageID: uuid.New().String(),
		role:      "assistant",
		detector:  &events.SentenceDetector{},
	}
}

// Write appends a raw delta; completed sentences are emitted immediately.
func (t *TextStreamer) Write(delta string) {
	for _, sentence := range t.detector.Add(delta) {
		t.emitChunk(sentence)
	}
}

// Close flushes the trailing partial sentence and ends the message.
func (t *TextStreamer) Close() {
	if tail := t.detector.Flush(); tail != "" {
		t.emitChunk(tail)
	}
	if !t.started {
		return
	}
	t.env.Emit(events.Event{
		Type:       events.TextMessageEnd,
		InstanceID: t.env.InstanceID,
		ElementID:  t.elementID,
		Payload:    map[string]interface{}{"messageId": t.messageID},
	})
}

func (t *TextStreamer) emitChunk(content string) {
	if !t.started {
		t.started = true
		t.env.Emit(events.Event{
			Type:       events.TextMessageStart,
			InstanceID: t.env.InstanceID,
			ElementID:  t.elementID,
			Payload: map[string]interface{}{
				"messageId": t.messageID,
				"role":      t.role,
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
	}
	t.env.Emit(events.Event{
		Type:       events.TextMessageChunk,
		InstanceID: t.env.InstanceID,
		ElementID:  t.elementID,
		Payload: map[string]interface{}{
			"messageId": t.messageID,
			"content":   content,
			"role":      t.role,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}
