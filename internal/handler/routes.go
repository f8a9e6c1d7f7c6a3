package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/voximind/voice-gateway/internal/config"
	"github.com/voximind/voice-gateway/internal/repository"
	"github.com/voximind/voice-gateway/internal/session"
	"github.com/voximind/voice-gateway/pkg/twilio"
)

// NewRouter wires every endpoint of the gateway.
func NewRouter(cfg *config.Config, manager *session.Manager, calls *repository.CallRepository, monitor *session.Monitor) *mux.Router {
	voice := NewVoiceHandler(cfg, manager, calls)
	api := NewAPIHandler(manager.Registry(), calls, twilio.NewCallControl(cfg.TwilioAccountSID, cfg.TwilioAuthToken), monitor)

	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")

	// Provider-facing endpoints. The webhook carries its own signature
	// validation; the media stream is an upgraded websocket.
	r.HandleFunc("/voice/incoming", voice.IncomingCall).Methods("POST")
	r.HandleFunc("/voice/media", voice.MediaStream).Methods("GET")

	// Operator control surface.
	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(LoggingMiddleware)
	apiRouter.Use(JWTAuthMiddleware(cfg.ControlAPISecret))
	apiRouter.HandleFunc("/calls", api.ListCalls).Methods("GET")
	apiRouter.HandleFunc("/calls/live", api.ListLive).Methods("GET")
	apiRouter.HandleFunc("/calls/{id}", api.GetCall).Methods("GET")
	apiRouter.HandleFunc("/calls/{id}/live", api.GetLive).Methods("GET")
	apiRouter.HandleFunc("/calls/{id}", api.TerminateCall).Methods("DELETE")

	return r
}
