// Package httpapi is the HTTP control surface of the engine: the REST API
// for starting, inspecting and completing workflows, inbound webhooks that
// feed the message bus, and the live event stream over WebSocket and SSE.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/orchestrator/internal/auth"
	"github.com/fluxbpm/orchestrator/internal/engine"
	"github.com/fluxbpm/orchestrator/internal/executors"
	"github.com/fluxbpm/orchestrator/internal/model"
)

// Config tunes the HTTP surface.
type Config struct {
	AuthEnabled  bool
	JWTSecret    string
	APIKeyHashes []string

	// Webhook rate limit, deliveries per second per messageRef; 0 disables.
	WebhookRateLimit float64
	WebhookBurst     int
}

// Server routes HTTP traffic to the engine.
type Server struct {
	eng      *engine.Engine
	logger   *zap.Logger
	mw       *auth.Middleware
	webhooks *webhookGate
}

// NewServer builds the server and its route table.
func NewServer(eng *engine.Engine, cfg Config, logger *zap.Logger) *Server {
	return &Server{
		eng:      eng,
		logger:   logger,
		mw:       auth.NewMiddleware(cfg.AuthEnabled, cfg.JWTSecret, cfg.APIKeyHashes, logger),
		webhooks: newWebhookGate(cfg.WebhookRateLimit, cfg.WebhookBurst),
	}
}

// Handler returns the full route table. Health stays unauthenticated so
// probes keep working when auth is on; everything else goes through the
// middleware.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/workflows", s.handleStart)
	api.HandleFunc("GET /api/v1/workflows/{id}", s.handleStatus)
	api.HandleFunc("POST /api/v1/workflows/{id}/cancel", s.handleCancel)
	api.HandleFunc("POST /api/v1/workflows/{id}/tasks/{taskId}/complete", s.handleCompleteTask)
	api.HandleFunc("GET /api/v1/workflows/{id}/events", s.handleEvents)
	api.HandleFunc("GET /api/v1/bus/stats", s.handleBusStats)
	api.HandleFunc("POST /webhooks/{messageRef}/{correlationKey}", s.handleWebhook)
	api.HandleFunc("GET /webhooks/{decision}/{messageRef}/{correlationKey}", s.handleWebhookDecision)
	api.HandleFunc("GET /stream/ws", s.handleWS)
	api.HandleFunc("GET /stream/sse", s.handleSSE)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("/", s.mw.Wrap(api))
	return root
}

type startRequest struct {
	// Definition is a full workflow document, YAML (or its JSON subset).
	Definition string `json:"definition"`
	// Context seeds the instance's execution context.
	Context map[string]interface{} `json:"context,omitempty"`
}

// handleStart parses the submitted definition and launches an instance.
// Definition errors come back as 400 with the validation message.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Definition == "" {
		writeError(w, http.StatusBadRequest, "definition required")
		return
	}
	def, err := model.Load([]byte(req.Definition))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.eng.StartWorkflow(def, req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("workflow started via api",
		zap.String("instance_id", id),
		zap.String("definition_id", def.ID),
		zap.String("subject", auth.Subject(r.Context())))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"instanceId":   id,
		"definitionId": def.ID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	in, ok := s.eng.Instance(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, engine.ErrInstanceNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instanceId":       in.ID,
		"definitionId":     in.Def.ID,
		"status":           in.Status(),
		"startTime":        in.StartTime.Format(time.RFC3339Nano),
		"pendingUserTasks": in.PendingUserTasks(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.eng.CancelWorkflow(r.PathValue("id"), body.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"cancelled": true})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var d executors.UserDecision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if d.Decision == "" {
		writeError(w, http.StatusBadRequest, "decision required")
		return
	}
	if err := s.eng.CompleteUserTask(r.PathValue("id"), r.PathValue("taskId"), d); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"completed": true})
}

// handleEvents replays stored events in causal order, optionally filtered
// to one element via ?element_id=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	elementID := r.URL.Query().Get("element_id")
	if elementID == "" {
		elementID = r.URL.Query().Get("elementId")
	}
	evts, err := s.eng.Replay(r.Context(), r.PathValue("id"), elementID)
	if err != nil {
		s.logger.Error("event replay failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "event replay failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evts})
}

func (s *Server) handleBusStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Bus().Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInstanceNotFound), errors.Is(err, engine.ErrNoPendingTask):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInstanceEnded), errors.Is(err, engine.ErrInstanceRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
