package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/voximind/voice-gateway/internal/domain"
	"github.com/voximind/voice-gateway/internal/session"
)

// ErrCallNotFound reports a lookup for a call ID with no persisted record.
var ErrCallNotFound = errors.New("repository: call not found")

// CallRepository handles database operations for call logs and turns. It
// implements session.Recorder so the bridge can emit lifecycle events
// directly into it (always behind the async queue).
type CallRepository struct {
	db *gorm.DB
}

// NewCallRepository creates a call repository.
func NewCallRepository(db *gorm.DB) *CallRepository {
	return &CallRepository{db: db}
}

// RecordCallStart creates the call log row when a session starts.
func (r *CallRepository) RecordCallStart(ctx context.Context, callID string, caller domain.CallerInfo, at time.Time) error {
	log := &domain.CallLog{
		ID:           callID,
		CallerNumber: caller.Number,
		ContextRef:   caller.ContextRef,
		StartedAt:    at,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("failed to create call log: %w", err)
	}
	return nil
}

// RecordTurn appends one completed turn to the call's history.
func (r *CallRepository) RecordTurn(ctx context.Context, callID string, turn session.TurnRecord) error {
	row := &domain.CallTurn{
		ID:         turn.ID,
		CallID:     callID,
		Speaker:    turn.Speaker,
		StartedAt:  turn.StartedAt,
		EndedAt:    turn.EndedAt,
		Transcript: turn.Transcript,
		Completion: turn.Completion,
		CreatedAt:  time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create call turn: %w", err)
	}

	err := r.db.WithContext(ctx).Model(&domain.CallLog{}).
		Where("id = ?", callID).
		Updates(map[string]interface{}{
			"turn_count": gorm.Expr("turn_count + 1"),
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to bump turn count: %w", err)
	}
	return nil
}

// RecordCallEnd finalizes the call log row.
func (r *CallRepository) RecordCallEnd(ctx context.Context, callID string, reason domain.EndReason, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&domain.CallLog{}).
		Where("id = ?", callID).
		Updates(map[string]interface{}{
			"ended_at":   at,
			"end_reason": reason,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to finalize call log: %w", err)
	}
	return nil
}

// GetByID returns one call with its turns, ordered by start time.
func (r *CallRepository) GetByID(ctx context.Context, callID string) (*domain.CallLog, []domain.CallTurn, error) {
	var log domain.CallLog
	err := r.db.WithContext(ctx).First(&log, "id = ?", callID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrCallNotFound
		}
		return nil, nil, fmt.Errorf("failed to get call log: %w", err)
	}

	var turns []domain.CallTurn
	err = r.db.WithContext(ctx).
		Where("call_id = ?", callID).
		Order("started_at ASC").
		Find(&turns).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get call turns: %w", err)
	}
	return &log, turns, nil
}

// List returns call logs newest first, with offset pagination.
func (r *CallRepository) List(ctx context.Context, limit, offset int) ([]domain.CallLog, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.CallLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count call logs: %w", err)
	}

	var logs []domain.CallLog
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&logs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list call logs: %w", err)
	}
	return logs, total, nil
}

// LastCallFrom returns the most recent completed call from a number, if
// any. Used to hand the agent prior-call context for returning callers.
func (r *CallRepository) LastCallFrom(ctx context.Context, number string) (*domain.CallLog, error) {
	var log domain.CallLog
	err := r.db.WithContext(ctx).
		Where("caller_number = ? AND end_reason <> ''", number).
		Order("started_at DESC").
		First(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to look up prior call: %w", err)
	}
	return &log, nil
}
