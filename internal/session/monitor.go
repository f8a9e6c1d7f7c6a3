package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voximind/voice-gateway/pkg/logger"
	"github.com/voximind/voice-gateway/pkg/redis"
)

const (
	TerminateChannel = "voximind:voice:session:terminate"
	SessionKeyPrefix = "voximind:voice:session:info"
	SessionTTL       = 1 * time.Hour
)

// ErrSessionNotMirrored reports a session id with no mirror record in Redis.
var ErrSessionNotMirrored = errors.New("session: not mirrored")

// SessionInfo is the cross-instance monitoring record of one live call.
type SessionInfo struct {
	SessionID    string    `json:"sessionId"`
	InstanceID   string    `json:"instanceId"`
	CallerNumber string    `json:"callerNumber"`
	StartTime    time.Time `json:"startTime"`
}

// TerminateMessage is the payload for terminate broadcasts.
type TerminateMessage struct {
	SessionID string `json:"sessionId"`
}

// Monitor mirrors live sessions into Redis so operators can see calls across
// all gateway instances and terminate a call regardless of which instance
// owns it. Mirror failures are logged and ignored; monitoring never affects
// a live call.
type Monitor struct {
	redisSvc   redis.RedisServiceInterface
	instanceID string
}

func NewMonitor(redisSvc redis.RedisServiceInterface, instanceID string) *Monitor {
	return &Monitor{
		redisSvc:   redisSvc,
		instanceID: instanceID,
	}
}

// Register mirrors a session into Redis with a safety TTL in case the
// instance dies without unregistering.
func (m *Monitor) Register(ctx context.Context, sessionID, callerNumber string, startTime time.Time) {
	info := SessionInfo{
		SessionID:    sessionID,
		InstanceID:   m.instanceID,
		CallerNumber: callerNumber,
		StartTime:    startTime,
	}
	data, _ := json.Marshal(info)
	key := fmt.Sprintf("%s:%s", SessionKeyPrefix, sessionID)

	if err := m.redisSvc.SetValue(ctx, key, string(data), SessionTTL); err != nil {
		logger.Base().Warn("failed to mirror session to Redis",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	logger.Base().Debug("session mirrored to Redis",
		zap.String("session_id", sessionID), zap.String("instance_id", m.instanceID))
}

// Unregister removes the mirror record.
func (m *Monitor) Unregister(ctx context.Context, sessionID string) {
	key := fmt.Sprintf("%s:%s", SessionKeyPrefix, sessionID)
	if err := m.redisSvc.DelValue(ctx, key); err != nil {
		logger.Base().Warn("failed to remove session mirror",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Lookup fetches the mirror record of a session that may live on another
// instance. ErrSessionNotMirrored reports a session no instance has mirrored.
func (m *Monitor) Lookup(ctx context.Context, sessionID string) (SessionInfo, error) {
	key := fmt.Sprintf("%s:%s", SessionKeyPrefix, sessionID)
	data, err := m.redisSvc.GetValue(ctx, key)
	if err != nil {
		if errors.Is(err, redis.ErrKeyNotExist) {
			return SessionInfo{}, ErrSessionNotMirrored
		}
		return SessionInfo{}, fmt.Errorf("lookup session mirror: %w", err)
	}
	var info SessionInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return SessionInfo{}, fmt.Errorf("decode session mirror: %w", err)
	}
	return info, nil
}

// NotifyTerminate broadcasts a terminate request to all instances. The
// instance owning the session picks it up via SubscribeToTerminate.
func (m *Monitor) NotifyTerminate(ctx context.Context, sessionID string) error {
	logger.Base().Info("broadcasting terminate request", zap.String("session_id", sessionID))
	return m.redisSvc.Publish(ctx, TerminateChannel, TerminateMessage{SessionID: sessionID})
}

// SubscribeToTerminate listens for terminate broadcasts.
func (m *Monitor) SubscribeToTerminate(ctx context.Context, handler func(sessionID string)) error {
	return m.redisSvc.Subscribe(ctx, TerminateChannel, func(payload string) {
		var msg TerminateMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("failed to unmarshal terminate message", zap.Error(err))
			return
		}
		handler(msg.SessionID)
	})
}
