package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"github.com/voximind/voice-gateway/internal/channel"
	"github.com/voximind/voice-gateway/internal/config"
	"github.com/voximind/voice-gateway/internal/domain"
	"github.com/voximind/voice-gateway/internal/repository"
	"github.com/voximind/voice-gateway/internal/session"
	"github.com/voximind/voice-gateway/pkg/logger"
)

// VoiceHandler serves the two provider-facing endpoints: the incoming-call
// webhook that answers with stream instructions, and the media-stream
// websocket the provider then connects to.
type VoiceHandler struct {
	cfg       *config.Config
	manager   *session.Manager
	calls     *repository.CallRepository // nil when persistence is disabled
	validator *twilioclient.RequestValidator
	upgrader  websocket.Upgrader
}

// NewVoiceHandler creates the provider-facing handler.
func NewVoiceHandler(cfg *config.Config, manager *session.Manager, calls *repository.CallRepository) *VoiceHandler {
	validator := twilioclient.NewRequestValidator(cfg.TwilioAuthToken)
	return &VoiceHandler{
		cfg:       cfg,
		manager:   manager,
		calls:     calls,
		validator: &validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The provider connects server-to-server with no Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// IncomingCall answers the provider's call webhook with TwiML that connects
// the call's audio to our media-stream endpoint. The caller's number and any
// prior-call reference ride along as stream parameters so the websocket
// handshake alone carries everything the session needs.
func (h *VoiceHandler) IncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	if h.cfg.ValidateWebhooks && !h.validateSignature(r) {
		logger.Base().Warn("rejected webhook with bad signature",
			zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	callSid := r.PostFormValue("CallSid")
	from := r.PostFormValue("From")
	logger.Base().Info("incoming call",
		zap.String("call_sid", callSid), zap.String("from", from))

	params := []twiml.Element{
		&twiml.VoiceParameter{Name: "caller_number", Value: from},
	}
	if ref := h.priorContextRef(r, from); ref != "" {
		params = append(params, &twiml.VoiceParameter{Name: "context_ref", Value: ref})
	}

	stream := &twiml.VoiceStream{
		Url:           fmt.Sprintf("wss://%s/voice/media", h.cfg.PublicHost),
		InnerElements: params,
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		logger.Base().Error("failed to render call instructions", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, doc)
}

// MediaStream accepts the provider's media-stream websocket, builds the
// session, and holds the HTTP handler alive until the call ends.
func (h *VoiceHandler) MediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("websocket upgrade failed", zap.Error(err))
		return
	}

	hsCtx, cancel := context.WithTimeout(r.Context(), h.cfg.SetupTimeout)
	tel, start, err := channel.AcceptTwilioStream(hsCtx, conn, h.cfg)
	cancel()
	if err != nil {
		logger.Base().Error("media stream handshake failed", zap.Error(err))
		conn.Close()
		return
	}

	caller := domain.CallerInfo{
		Number:     start.CustomParameters["caller_number"],
		ContextRef: start.CustomParameters["context_ref"],
	}

	bridge, err := h.manager.CreateSession(r.Context(), start.CallSid, caller, tel)
	if err != nil {
		logger.Base().Error("failed to create session",
			zap.String("call_sid", start.CallSid), zap.Error(err))
		tel.Close(r.Context())
		return
	}

	// The websocket is owned by the channel now; keep this handler parked
	// until the bridge is fully torn down.
	<-bridge.Done()
}

func (h *VoiceHandler) validateSignature(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	url := fmt.Sprintf("https://%s%s", h.cfg.PublicHost, r.URL.RequestURI())
	params := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		params[key] = r.PostFormValue(key)
	}
	return h.validator.Validate(url, params, signature)
}

// priorContextRef looks up the caller's most recent finished call so the
// agent can greet returning callers with context. Lookup failures just mean
// no context.
func (h *VoiceHandler) priorContextRef(r *http.Request, from string) string {
	if h.calls == nil || from == "" {
		return ""
	}
	prior, err := h.calls.LastCallFrom(r.Context(), from)
	if err != nil {
		return ""
	}
	return prior.ID
}
