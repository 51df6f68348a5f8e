package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/iot-sensors/dashboard"
	"github.com/mjasion/balena-home/iot-sensors/sensor"
	"github.com/mjasion/balena-home/iot-sensors/settings"
)

const defaultStatsHours = 24

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps validation failures to 4xx and everything else to 502,
// since every other failure comes from the upstream sensor API
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *sensor.ValidationError
	switch {
	case errors.As(err, &ve) && ve.Field == "sensor":
		writeJSON(w, http.StatusNotFound, errorResponse{Error: ve.Reason, Field: ve.Field})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Reason, Field: ve.Field})
	case errors.Is(err, dashboard.ErrInvalidData):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "Données invalides"})
	case errors.Is(err, dashboard.ErrNoStore):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.logger.Warn("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if view, loaded := s.deps.Dashboard.Snapshot(); loaded {
		writeJSON(w, http.StatusOK, view)
		return
	}
	s.handleRefresh(w, r)
}

// handleRefresh answers with the view even when the API is unreachable;
// the view then carries the offline state and any cached cards
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Dashboard.LoadDashboard(r.Context())
	if errors.Is(err, dashboard.ErrInvalidData) {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil || limit < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer", Field: "limit"})
		return
	}

	view, err := s.deps.Dashboard.LoadHistory(r.Context(), mux.Vars(r)["sensor"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hours, err := intQuery(r, "hours", defaultStatsHours)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "hours must be an integer", Field: "hours"})
		return
	}

	view, err := s.deps.Dashboard.LoadStats(r.Context(), hours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSensors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sensor.Catalog)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Dashboard.CurrentSettings())
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req settings.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	if err := s.deps.Dashboard.SaveSettings(r.Context(), req); err != nil {
		if sensor.IsValidation(err) || errors.Is(err, dashboard.ErrNoStore) {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Erreur lors de la sauvegarde des paramètres"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Dashboard.CurrentSettings())
}

type testConnectionRequest struct {
	APIURL string `json:"apiUrl"`
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	result, err := s.deps.Dashboard.TestConnection(r.Context(), req.APIURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLifecycleState(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Lifecycle == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "polling disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Lifecycle.State())
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lifecycle == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "polling disabled"})
		return
	}
	event := mux.Vars(r)["event"]
	if !applyLifecycle(s.deps.Lifecycle, event) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown lifecycle event " + event})
		return
	}
	s.logger.Debug("lifecycle event", zap.String("event", event))
	writeJSON(w, http.StatusOK, s.deps.Lifecycle.State())
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Notifications == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	list := s.deps.Notifications.List()
	if list == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// applyLifecycle maps page events onto the poller; it reports false for unknown events
func applyLifecycle(l Lifecycle, event string) bool {
	switch event {
	case "pause":
		l.Pause()
	case "resume":
		l.Resume()
	case "hidden":
		l.SetVisible(false)
	case "visible":
		l.SetVisible(true)
	case "active":
		l.SetActiveView(true)
	case "inactive":
		l.SetActiveView(false)
	default:
		return false
	}
	return true
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
