package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/metrics"
)

// handleSSE streams live execution events via Server-Sent Events.
// GET /stream/sse?instance_id=<id>&types=...&last_event_id=N
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	instanceID := instanceParam(r)
	if instanceID == "" {
		writeError(w, http.StatusBadRequest, "instance_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	filter := eventFilter(r)
	lastID := lastEventID(r)

	ch := s.eng.Subscribe(instanceID, 256)
	defer s.eng.Unsubscribe(instanceID, ch)
	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	write := func(ev events.Event) bool {
		if !wants(filter, ev) {
			return true
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, ev.Marshal()); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, ev := range s.eng.ReplaySince(instanceID, lastID) {
		if !write(ev) {
			return
		}
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if !write(ev) {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
