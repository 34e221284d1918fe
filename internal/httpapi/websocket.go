package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev-friendly, secure via proxy in prod.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventFilter parses the optional comma-separated ?types= filter.
func eventFilter(r *http.Request) map[string]struct{} {
	filter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter[t] = struct{}{}
			}
		}
	}
	return filter
}

func wants(filter map[string]struct{}, ev events.Event) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter[ev.Type]
	return ok
}

// lastEventID reads the replay position from the Last-Event-ID header or
// the ?last_event_id= query parameter.
func lastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// instanceParam reads the target instance, accepting the older workflow_id
// spelling for compatibility with existing dashboards.
func instanceParam(r *http.Request) string {
	if id := r.URL.Query().Get("instance_id"); id != "" {
		return id
	}
	return r.URL.Query().Get("workflow_id")
}

// handleWS streams live execution events over a WebSocket.
// GET /stream/ws?instance_id=<id>&types=...&last_event_id=N
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	instanceID := instanceParam(r)
	if instanceID == "" {
		writeError(w, http.StatusBadRequest, "instance_id required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	filter := eventFilter(r)
	lastID := lastEventID(r)

	ch := s.eng.Subscribe(instanceID, 256)
	defer s.eng.Unsubscribe(instanceID, ch)
	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	// Backlog first so reconnecting clients miss nothing.
	for _, ev := range s.eng.ReplaySince(instanceID, lastID) {
		if !wants(filter, ev) {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump, discards client messages.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if !wants(filter, ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
