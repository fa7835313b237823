package server

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/attendant-ai/attendant/internal/config"
	"github.com/attendant-ai/attendant/internal/mcp"
)

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// requireMethod rejects requests with the wrong HTTP method.
func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return false
	}
	return true
}

// handleHealth reports process liveness and, when the gateway is wired,
// its connection state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}

	payload := map[string]any{
		"status":  "ok",
		"service": "attendant",
		"version": config.GetVersion(),
	}

	if s.manager != nil {
		stats := s.manager.GetStats()
		gateway := map[string]any{
			"initialized": stats.Initialized,
			"available":   s.manager.IsAvailable(),
			"tools":       stats.ToolsAvailable,
		}
		if !s.manager.IsAvailable() && stats.Initialized {
			payload["status"] = "degraded"
		}
		payload["gateway"] = gateway
	} else {
		payload["gateway"] = map[string]any{"initialized": false, "available": false}
	}

	s.writeJSON(w, http.StatusOK, payload)
}

// handleVersion reports build information.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version":    config.GetVersion(),
		"build":      config.Build,
		"commit":     config.GitCommit,
		"go_version": runtime.Version(),
	})
}

// handleStats reports tool manager and client session statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.manager == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gateway not configured"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.manager.GetStats())
}

// handleTools lists the categorized tool catalog. Supports ?category= and
// ?search= filters.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.manager == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gateway not configured"})
		return
	}

	category := mcp.Category(r.URL.Query().Get("category"))
	search := r.URL.Query().Get("search")

	tools, err := s.manager.Client().ListAvailableTools(r.Context(), category, search)
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.ToMap())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(out),
		"tools":      out,
		"categories": s.manager.Client().Categories(),
	})
}

// handleToolsRefresh forces a catalog re-discovery.
func (s *Server) handleToolsRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.manager == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gateway not configured"})
		return
	}

	tools, err := s.manager.Client().RefreshTools(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"refreshed": true, "count": len(tools)})
}

// handleCredentials reports credential status. Secrets never appear here:
// the payload carries only the masked server ID and the URL hash.
func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.security == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "security manager not wired"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.security.Status())
}

// handleCredentialsRotate reloads credentials from the environment.
func (s *Server) handleCredentialsRotate(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.security == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "security manager not wired"})
		return
	}

	ok := s.security.Rotate()
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]any{
		"rotated":     ok,
		"credentials": s.security.Status(),
	})
}
