package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/voximind/voice-gateway/internal/domain"
	"github.com/voximind/voice-gateway/pkg/logger"
)

// Handle is the registry's view of a live session.
type Handle interface {
	ID() string
	Status() Status
	Terminate(reason domain.EndReason)
	Done() <-chan struct{}
}

// Registry tracks live sessions by call ID. It only guards the map itself;
// session operations run outside the lock so a slow teardown never blocks
// lookups or new calls.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Handle
	monitor  *Monitor
}

// NewRegistry creates an empty registry. monitor may be nil when no Redis
// is configured.
func NewRegistry(monitor *Monitor) *Registry {
	return &Registry{
		sessions: make(map[string]Handle),
		monitor:  monitor,
	}
}

// Register adds a session. A duplicate call ID is an error; the provider
// never runs two media streams for one call.
func (r *Registry) Register(h Handle) error {
	r.mu.Lock()
	if _, exists := r.sessions[h.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("session %s already registered", h.ID())
	}
	r.sessions[h.ID()] = h
	n := len(r.sessions)
	r.mu.Unlock()

	logger.Base().Info("session registered",
		zap.String("call_id", h.ID()), zap.Int("active_sessions", n))

	if r.monitor != nil {
		st := h.Status()
		r.monitor.Register(context.Background(), h.ID(), st.Caller.Number, st.StartedAt)
	}
	return nil
}

// Lookup returns the session for a call ID, if it is live.
func (r *Registry) Lookup(callID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[callID]
	return h, ok
}

// Unregister removes a session. Safe to call for an ID that was already
// removed.
func (r *Registry) Unregister(callID string) {
	r.mu.Lock()
	_, existed := r.sessions[callID]
	delete(r.sessions, callID)
	n := len(r.sessions)
	r.mu.Unlock()

	if !existed {
		return
	}
	logger.Base().Info("session unregistered",
		zap.String("call_id", callID), zap.Int("active_sessions", n))

	if r.monitor != nil {
		r.monitor.Unregister(context.Background(), callID)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Statuses snapshots every live session.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Status())
	}
	return out
}

// DrainAll terminates every live session and waits for each to finish or
// the context deadline, whichever comes first. Used during graceful
// shutdown.
func (r *Registry) DrainAll(ctx context.Context) error {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	if len(handles) == 0 {
		return nil
	}
	logger.Base().Info("draining live sessions", zap.Int("count", len(handles)))

	for _, h := range handles {
		h.Terminate(domain.EndReasonShutdown)
	}

	var stragglers int
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			stragglers++
		}
	}
	if stragglers > 0 {
		return fmt.Errorf("drain deadline reached with %d sessions still closing", stragglers)
	}
	logger.Base().Info("all sessions drained")
	return nil
}
