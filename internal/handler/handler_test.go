package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voximind/voice-gateway/internal/config"
	"github.com/voximind/voice-gateway/internal/domain"
	"github.com/voximind/voice-gateway/internal/session"
	redispkg "github.com/voximind/voice-gateway/pkg/redis"
)

type stubSession struct {
	id      string
	mu      sync.Mutex
	reasons []domain.EndReason
	done    chan struct{}
	once    sync.Once
}

func newStubSession(id string) *stubSession {
	return &stubSession{id: id, done: make(chan struct{})}
}

func (s *stubSession) ID() string { return s.id }

func (s *stubSession) Status() session.Status {
	return session.Status{CallID: s.id, State: "idle", StartedAt: time.Now()}
}

func (s *stubSession) Terminate(reason domain.EndReason) {
	s.mu.Lock()
	s.reasons = append(s.reasons, reason)
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *stubSession) Done() <-chan struct{} { return s.done }

func (s *stubSession) terminatedWith() []domain.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.EndReason(nil), s.reasons...)
}

func testRouterConfig() *config.Config {
	return &config.Config{
		Port:               "8082",
		PublicHost:         "gw.example.com",
		ProviderEncoding:   config.EncodingG711ULaw,
		ProviderSampleRate: 8000,
		ModelSampleRate:    24000,
		SendQueueDepth:     8,
		SetupTimeout:       time.Second,
		ControlAPISecret:   "test-secret",
		ValidateWebhooks:   false,
	}
}

func newTestRouter(t *testing.T, cfg *config.Config) (http.Handler, *session.Registry) {
	return newTestRouterWithMonitor(t, cfg, nil)
}

func newTestRouterWithMonitor(t *testing.T, cfg *config.Config, monitor *session.Monitor) (http.Handler, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(nil)
	manager, err := session.NewManager(cfg, registry, nil)
	require.NoError(t, err)
	return NewRouter(cfg, manager, nil, monitor), registry
}

// fakeRedis is an in-memory stand-in for the Redis service, enough for the
// session monitor's key and pub/sub usage.
type fakeRedis struct {
	mu        sync.Mutex
	values    map[string]string
	published map[string][]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		values:    make(map[string]string),
		published: make(map[string][]string),
	}
}

func (f *fakeRedis) GetValue(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", redispkg.ErrKeyNotExist
	}
	return v, nil
}

func (f *fakeRedis) SetValue(_ context.Context, key string, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeRedis) DelValue(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], string(data))
	return nil
}

func (f *fakeRedis) Subscribe(context.Context, string, func(string)) error { return nil }

func (f *fakeRedis) Close() error { return nil }

func (f *fakeRedis) publishedOn(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published[channel]...)
}

func bearerToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, testRouterConfig())

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestIncomingCallReturnsStreamInstructions(t *testing.T) {
	router, _ := newTestRouter(t, testRouterConfig())

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+15550100")
	req := httptest.NewRequest("POST", "/voice/incoming", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/xml", rr.Header().Get("Content-Type"))
	body := rr.Body.String()
	assert.Contains(t, body, "<Connect>")
	assert.Contains(t, body, "wss://gw.example.com/voice/media")
	assert.Contains(t, body, "caller_number")
	assert.Contains(t, body, "+15550100")
}

func TestIncomingCallRejectsUnsignedWebhook(t *testing.T) {
	cfg := testRouterConfig()
	cfg.ValidateWebhooks = true
	cfg.TwilioAuthToken = "token"
	router, _ := newTestRouter(t, cfg)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	req := httptest.NewRequest("POST", "/voice/incoming", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestControlAPIRequiresToken(t *testing.T) {
	cfg := testRouterConfig()
	router, _ := newTestRouter(t, cfg)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", bearerToken(t, "other-secret"), http.StatusUnauthorized},
		{"valid token", bearerToken(t, cfg.ControlAPISecret), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/calls/live", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestControlAPIDisabledWithoutSecret(t *testing.T) {
	cfg := testRouterConfig()
	cfg.ControlAPISecret = ""
	router, _ := newTestRouter(t, cfg)

	req := httptest.NewRequest("GET", "/api/calls/live", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestListLiveSessions(t *testing.T) {
	cfg := testRouterConfig()
	router, registry := newTestRouter(t, cfg)
	require.NoError(t, registry.Register(newStubSession("CA123")))

	req := httptest.NewRequest("GET", "/api/calls/live", nil)
	req.Header.Set("Authorization", bearerToken(t, cfg.ControlAPISecret))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "CA123")
}

func TestGetLiveSession(t *testing.T) {
	cfg := testRouterConfig()
	router, registry := newTestRouter(t, cfg)
	require.NoError(t, registry.Register(newStubSession("CA123")))

	req := httptest.NewRequest("GET", "/api/calls/CA123/live", nil)
	req.Header.Set("Authorization", bearerToken(t, cfg.ControlAPISecret))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest("GET", "/api/calls/CA999/live", nil)
	req.Header.Set("Authorization", bearerToken(t, cfg.ControlAPISecret))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTerminateCall(t *testing.T) {
	cfg := testRouterConfig()
	router, registry := newTestRouter(t, cfg)
	stub := newStubSession("CA123")
	require.NoError(t, registry.Register(stub))

	req := httptest.NewRequest("DELETE", "/api/calls/CA123", nil)
	req.Header.Set("Authorization", bearerToken(t, cfg.ControlAPISecret))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []domain.EndReason{domain.EndReasonOperatorTerminated}, stub.terminatedWith())

	req = httptest.NewRequest("DELETE", "/api/calls/CA999", nil)
	req.Header.Set("Authorization", bearerToken(t, cfg.ControlAPISecret))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTerminateCallBroadcastsForRemoteSession(t *testing.T) {
	cfg := testRouterConfig()
	fake := newFakeRedis()
	monitor := session.NewMonitor(fake, "instance-a")
	router, _ := newTestRouterWithMonitor(t, cfg, monitor)

	// The session lives on another instance: the request is accepted and
	// broadcast instead of answered with a miss.
	req := httptest.NewRequest("DELETE", "/api/calls/CA777", nil)
	req.Header.Set("Authorization", bearerToken(t, cfg.ControlAPISecret))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Body.String(), "terminate_requested")

	msgs := fake.publishedOn(session.TerminateChannel)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "CA777")
}

func TestGetLiveSessionServedFromMirror(t *testing.T) {
	cfg := testRouterConfig()
	fake := newFakeRedis()
	monitor := session.NewMonitor(fake, "instance-a")
	router, _ := newTestRouterWithMonitor(t, cfg, monitor)

	info, err := json.Marshal(session.SessionInfo{
		SessionID:    "CA777",
		InstanceID:   "instance-b",
		CallerNumber: "+15550100",
		StartTime:    time.Now(),
	})
	require.NoError(t, err)
	key := fmt.Sprintf("%s:%s", session.SessionKeyPrefix, "CA777")
	require.NoError(t, fake.SetValue(context.Background(), key, string(info), time.Hour))

	req := httptest.NewRequest("GET", "/api/calls/CA777/live", nil)
	req.Header.Set("Authorization", bearerToken(t, cfg.ControlAPISecret))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "instance-b")

	// Unknown everywhere is still a miss.
	req = httptest.NewRequest("GET", "/api/calls/CA999/live", nil)
	req.Header.Set("Authorization", bearerToken(t, cfg.ControlAPISecret))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListCallsWithoutDatabase(t *testing.T) {
	cfg := testRouterConfig()
	router, _ := newTestRouter(t, cfg)

	req := httptest.NewRequest("GET", "/api/calls", nil)
	req.Header.Set("Authorization", bearerToken(t, cfg.ControlAPISecret))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}
