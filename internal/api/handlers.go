package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/InsightPipe/internal/models"
)

// rootHandler handles GET /
func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "InsightPipe is running"})
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.cfg.ChannelName != "" {
		healthData["channel"] = s.cfg.ChannelName
	}
	if s.cfg.Credentials != nil {
		healthData["credentials"] = s.cfg.Credentials
	}

	if s.counter != nil {
		if counts, err := s.counter.CountSessions(ctx); err != nil {
			slog.Warn("Health check: failed to count sessions", "error", err)
			healthData["status"] = "degraded"
			healthData["error"] = "Failed to fetch session metrics"
		} else {
			byState := make(map[string]int, len(counts))
			for state, n := range counts {
				byState[string(state)] = n
			}
			healthData["sessions"] = byState
			healthData["active_sessions"] = counts[models.StateAwaitingConsent] + counts[models.StateInProgress]
		}
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

// getSessionHandler handles GET /sessions/{userID}
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	slog.Debug("getSessionHandler invoked", "user_id", userID)

	sess, err := s.sessions.Session(r.Context(), userID)
	if err != nil {
		slog.Error("getSessionHandler failed to load session", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// finishSessionHandler handles DELETE /sessions/{userID}
func (s *Server) finishSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	slog.Debug("finishSessionHandler invoked", "user_id", userID)

	existed, err := s.sessions.Finish(r.Context(), userID)
	if err != nil {
		slog.Error("finishSessionHandler failed to finish session", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to finish session")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	slog.Info("finishSessionHandler session finished", "user_id", userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session finished", map[string]string{"user_id": userID}))
}
