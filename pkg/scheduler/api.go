package scheduler

import (
	"encoding/json"
	"errors"
	"net/http"

	"k8s.io/klog/v2"
)

// Server exposes the decision-engine HTTP API over a session registry.
type Server struct {
	registry         *Registry
	defaultNamespace string
	defaultName      string
	mux              *http.ServeMux
}

// NewServer wires the API routes against the given registry.
func NewServer(registry *Registry, defaultNamespace, defaultName string) *Server {
	s := &Server{
		registry:         registry,
		defaultNamespace: defaultNamespace,
		defaultName:      defaultName,
		mux:              http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /schedule", s.handleDefaultSchedule)
	s.mux.HandleFunc("GET /schedule/{namespace}/{name}", s.handleSchedule)
	s.mux.HandleFunc("POST /setschedule", s.handleDefaultManual)
	s.mux.HandleFunc("POST /schedule/{namespace}/{name}/manual", s.handleManual)
	s.mux.HandleFunc("PUT /config/{namespace}/{name}", s.handleConfig)
	s.mux.HandleFunc("POST /feedback/{namespace}/{name}", s.handleFeedback)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleDefaultSchedule(w http.ResponseWriter, r *http.Request) {
	s.writeSchedule(w, s.defaultNamespace, s.defaultName)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	s.writeSchedule(w, r.PathValue("namespace"), r.PathValue("name"))
}

func (s *Server) writeSchedule(w http.ResponseWriter, namespace, name string) {
	session, ok := s.registry.Get(namespace, name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrUnknownSession.Error()})
		return
	}
	schedule, ready := session.Schedule()
	if !ready {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleDefaultManual(w http.ResponseWriter, r *http.Request) {
	s.pinManual(w, r, s.defaultNamespace, s.defaultName)
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	s.pinManual(w, r, r.PathValue("namespace"), r.PathValue("name"))
}

func (s *Server) pinManual(w http.ResponseWriter, r *http.Request, namespace, name string) {
	payload, err := decodeObject(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	session, err := s.registry.GetOrCreate(namespace, name)
	if err != nil {
		klog.ErrorS(err, "Session creation failed", "namespace", namespace, "schedule", name)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	session.SetManualOverride(payload)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	name := r.PathValue("name")

	payload, err := decodeObject(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	session, err := s.registry.GetOrCreate(namespace, name)
	if err != nil {
		klog.ErrorS(err, "Session creation failed", "namespace", namespace, "schedule", name)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := session.ApplyOverrides(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type feedbackRequest struct {
	FlavourCounts map[string]float64 `json:"flavourCounts"`
	WindowSeconds float64            `json:"windowSeconds"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	name := r.PathValue("name")

	session, ok := s.registry.Get(namespace, name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrUnknownSession.Error()})
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed feedback body"})
		return
	}
	if len(req.FlavourCounts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "flavourCounts is required"})
		return
	}

	session.Feedback(req.FlavourCounts, req.WindowSeconds)
	w.WriteHeader(http.StatusNoContent)
}

// decodeObject parses the request body as a JSON object, rejecting arrays
// and scalars.
func decodeObject(r *http.Request) (map[string]any, error) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, errNotAnObject
	}
	if payload == nil {
		return nil, errNotAnObject
	}
	return payload, nil
}

var errNotAnObject = errors.New("request body must be a JSON object")

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		klog.ErrorS(err, "Failed to encode response body")
	}
}
