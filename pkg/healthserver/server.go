// Package healthserver exposes the operational side surface: liveness,
// Prometheus metrics, recent log entries, and progress lookups. It
// never carries sync traffic; that stays on the websocket listener.
package healthserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"questsync/pkg/ledger"
	"questsync/pkg/logx"
	"questsync/pkg/metrics"
	"questsync/pkg/version"
)

// Server is the status HTTP server.
type Server struct {
	ledger  *ledger.Ledger
	logger  *logx.Logger
	queries *metrics.QueryService
}

func NewServer(l *ledger.Ledger) *Server {
	return &Server{
		ledger: l,
		logger: logx.NewLogger("status"),
	}
}

// SetQueryService enables the aggregate quest-metrics endpoint, backed
// by a Prometheus instance scraping this server.
func (s *Server) SetQueryService(qs *metrics.QueryService) {
	s.queries = qs
}

// RegisterRoutes attaches all status endpoints to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/progress", s.handleProgress)
	mux.HandleFunc("/api/quest-metrics", s.handleQuestMetrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]string{
		"status":  "ok",
		"version": version.Version,
	}
	s.writeJSON(w, response)
}

// handleLogs implements GET /api/logs?domain=...&since=RFC3339 against
// the in-memory log ring buffer.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	domain := query.Get("domain")

	var since time.Time
	if sinceStr := query.Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			http.Error(w, "Invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	entries := logx.RecentEntries(domain, since)
	s.writeJSON(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleProgress implements GET /api/progress?identity=...&quest=...,
// the read-only view teachers use to check a learner's quest state.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identityID := r.URL.Query().Get("identity")
	questID := r.URL.Query().Get("quest")
	if identityID == "" || questID == "" {
		http.Error(w, "identity and quest parameters required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	progress, err := s.ledger.QuestProgressFor(ctx, identityID, questID)
	if err != nil {
		s.logger.Error("progress lookup for %s/%s: %v", identityID, questID, err)
		http.Error(w, "progress lookup failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, progress)
}

// handleQuestMetrics implements GET /api/quest-metrics?quest=..., an
// aggregate view over the verification counters.
func (s *Server) handleQuestMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.queries == nil {
		http.Error(w, "metrics queries not configured", http.StatusServiceUnavailable)
		return
	}
	questID := r.URL.Query().Get("quest")
	if questID == "" {
		http.Error(w, "quest parameter required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	qm, err := s.queries.GetQuestMetrics(ctx, questID)
	if err != nil {
		s.logger.Error("quest metrics for %s: %v", questID, err)
		http.Error(w, "metrics query failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, qm)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}
