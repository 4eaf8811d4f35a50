// ABOUTME: Read-only HTTP surface over a Runtime: executions, SLO status, health, and Prometheus metrics.
// ABOUTME: The server never mutates orchestration state; pipelines are started by the embedding program.
package runtime

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes runtime state over HTTP.
type Server struct {
	rt     *Runtime
	router chi.Router
}

// NewServer creates a Server with all routes configured.
func NewServer(rt *Runtime) *Server {
	s := &Server{rt: rt}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/executions", s.handleListExecutions)
	r.Get("/executions/{id}", s.handleGetExecution)
	r.Get("/slo/status", s.handleSLOStatus)
	r.Get("/slo/alert-rules", s.handleAlertRules)
	r.Get("/slo/dashboard", s.handleDashboard)
	r.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))

	s.router = r
	return s
}

// ServeHTTP implements http.Handler, delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": len(s.rt.Bus.RegisteredAgents()),
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	type summary struct {
		ExecutionID string `json:"executionId"`
		GraphID     string `json:"graphId"`
		Success     bool   `json:"success"`
		Duration    string `json:"duration"`
		Error       string `json:"error,omitempty"`
	}

	results := s.rt.Results()
	out := make([]summary, 0, len(results))
	for _, res := range results {
		out = append(out, summary{
			ExecutionID: res.ExecutionID,
			GraphID:     res.GraphID,
			Success:     res.Success,
			Duration:    res.Duration.String(),
			Error:       res.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, ok := s.rt.Result(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown execution"})
		return
	}

	payload := map[string]any{"result": result}
	if stats, ok := s.rt.Monitor.Stats(id); ok {
		payload["stats"] = stats
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSLOStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"statuses":   s.rt.SLO.Statuses(),
		"violations": len(s.rt.SLO.History()),
	})
}

func (s *Server) handleAlertRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rt.SLO.GenerateAlertRules()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rules)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dashboard, err := s.rt.SLO.GenerateDashboard()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dashboard)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("component=server action=encode_failed error=%q", err.Error())
	}
}
