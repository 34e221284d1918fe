package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fluxbpm/orchestrator/internal/metrics"
)

// webhookGate rate-limits inbound webhooks per messageRef so one noisy
// integration cannot starve the rest.
type webhookGate struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newWebhookGate(perSecond float64, burst int) *webhookGate {
	if burst <= 0 {
		burst = 1
	}
	return &webhookGate{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (g *webhookGate) allow(messageRef string) bool {
	if g.limit <= 0 {
		return true
	}
	g.mu.Lock()
	l := g.limiters[messageRef]
	if l == nil {
		l = rate.NewLimiter(g.limit, g.burst)
		g.limiters[messageRef] = l
	}
	g.mu.Unlock()
	return l.Allow()
}

// handleWebhook publishes the request body onto the message bus under the
// path's (messageRef, correlationKey). The response reports whether a
// waiting task consumed the message immediately.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("messageRef")
	key := r.PathValue("correlationKey")
	if !s.webhooks.allow(ref) {
		metrics.WebhooksReceived.WithLabelValues(ref, "throttled").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var payload map[string]interface{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	delivered := s.eng.PublishMessage(ref, key, payload)
	disposition := "queued"
	if delivered {
		disposition = "delivered"
	}
	metrics.WebhooksReceived.WithLabelValues(ref, disposition).Inc()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"delivered": delivered})
}

// handleWebhookDecision is the link-friendly variant for approval emails:
// GET /webhooks/{approve|deny}/{messageRef}/{correlationKey} publishes a
// decision payload.
func (s *Server) handleWebhookDecision(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("messageRef")
	key := r.PathValue("correlationKey")

	var decision string
	switch r.PathValue("decision") {
	case "approve":
		decision = "approved"
	case "deny":
		decision = "denied"
	default:
		writeError(w, http.StatusNotFound, "unknown decision")
		return
	}
	if !s.webhooks.allow(ref) {
		metrics.WebhooksReceived.WithLabelValues(ref, "throttled").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	delivered := s.eng.PublishMessage(ref, key, map[string]interface{}{"decision": decision})
	disposition := "queued"
	if delivered {
		disposition = "delivered"
	}
	metrics.WebhooksReceived.WithLabelValues(ref, disposition).Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision":  decision,
		"delivered": delivered,
	})
}
