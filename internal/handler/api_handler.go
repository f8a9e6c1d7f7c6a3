package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/voximind/voice-gateway/internal/domain"
	"github.com/voximind/voice-gateway/internal/repository"
	"github.com/voximind/voice-gateway/internal/session"
	"github.com/voximind/voice-gateway/pkg/logger"
	"github.com/voximind/voice-gateway/pkg/twilio"
)

// APIHandler serves the operator control surface: call history, live
// session introspection, and operator-initiated termination.
type APIHandler struct {
	registry *session.Registry
	calls    *repository.CallRepository // nil when persistence is disabled
	control  *twilio.CallControl
	monitor  *session.Monitor // nil when Redis is disabled
}

// NewAPIHandler creates the control API handler.
func NewAPIHandler(registry *session.Registry, calls *repository.CallRepository, control *twilio.CallControl, monitor *session.Monitor) *APIHandler {
	return &APIHandler{
		registry: registry,
		calls:    calls,
		control:  control,
		monitor:  monitor,
	}
}

// ListCalls returns persisted call logs, newest first.
func (h *APIHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	if h.calls == nil {
		http.Error(w, "call logging not configured", http.StatusNotImplemented)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	logs, total, err := h.calls.List(r.Context(), limit, offset)
	if err != nil {
		logger.Base().Error("failed to list calls", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"calls": logs,
		"total": total,
	})
}

// GetCall returns one persisted call with its full turn history.
func (h *APIHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	if h.calls == nil {
		http.Error(w, "call logging not configured", http.StatusNotImplemented)
		return
	}

	callID := mux.Vars(r)["id"]
	log, turns, err := h.calls.GetByID(r.Context(), callID)
	if err != nil {
		if errors.Is(err, repository.ErrCallNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		logger.Base().Error("failed to get call",
			zap.String("call_id", callID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"call":  log,
		"turns": turns,
	})
}

// ListLive returns a snapshot of every session currently on this instance.
func (h *APIHandler) ListLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.registry.Statuses(),
		"count":    h.registry.Len(),
	})
}

// GetLive returns the live status of one session. Sessions owned by another
// instance are served from their Redis mirror record.
func (h *APIHandler) GetLive(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["id"]
	if handle, ok := h.registry.Lookup(callID); ok {
		writeJSON(w, http.StatusOK, handle.Status())
		return
	}
	if h.monitor != nil {
		info, err := h.monitor.Lookup(r.Context(), callID)
		if err == nil {
			writeJSON(w, http.StatusOK, info)
			return
		}
		if !errors.Is(err, session.ErrSessionNotMirrored) {
			logger.Base().Warn("session mirror lookup failed",
				zap.String("call_id", callID), zap.Error(err))
		}
	}
	http.Error(w, "no live session for call", http.StatusNotFound)
}

// TerminateCall ends a live session on operator request. When the session is
// not on this instance the request is broadcast so the owning instance acts.
func (h *APIHandler) TerminateCall(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["id"]
	handle, ok := h.registry.Lookup(callID)
	if !ok {
		if h.monitor != nil {
			if err := h.monitor.NotifyTerminate(r.Context(), callID); err != nil {
				logger.Base().Error("terminate broadcast failed",
					zap.String("call_id", callID), zap.Error(err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{
				"call_id": callID,
				"status":  "terminate_requested",
			})
			return
		}
		http.Error(w, "no live session for call", http.StatusNotFound)
		return
	}

	logger.Base().Info("operator terminating call", zap.String("call_id", callID))
	handle.Terminate(domain.EndReasonOperatorTerminated)

	// Also hang up the phone leg so the caller is not left on a dead line.
	if h.control != nil {
		if err := h.control.Hangup(callID); err != nil {
			logger.Base().Warn("provider-side hangup failed",
				zap.String("call_id", callID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"call_id": callID,
		"status":  "terminating",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Base().Warn("failed to write response", zap.Error(err))
	}
}
