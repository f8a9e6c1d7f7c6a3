package domain

import "time"

// Speaker identifies who holds a conversational turn.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// TurnCompletion records how a turn ended.
type TurnCompletion string

const (
	TurnCompletedNaturally TurnCompletion = "natural"
	TurnCompletedInterrupt TurnCompletion = "interrupted"
	TurnCompletedByTimeout TurnCompletion = "timeout"
)

// EndReason records why a call session terminated.
type EndReason string

const (
	EndReasonCompleted           EndReason = "completed"
	EndReasonCallerHangup        EndReason = "caller_hangup"
	EndReasonProviderDropped     EndReason = "provider_dropped"
	EndReasonSetupFailed         EndReason = "setup_failed"
	EndReasonUpstreamUnavailable EndReason = "upstream_unavailable"
	EndReasonIdleTimeout         EndReason = "idle_timeout"
	EndReasonOperatorTerminated  EndReason = "operator_terminated"
	EndReasonShutdown            EndReason = "shutdown"
)

// CallerInfo is the metadata the inbound webhook knows about a caller.
type CallerInfo struct {
	Number     string `json:"number"`
	ContextRef string `json:"context_ref,omitempty"` // reference to prior-call context, if any
}

// CallLog is the persisted record of one call.
type CallLog struct {
	ID           string    `json:"id" gorm:"column:id;primaryKey"` // provider call SID
	CallerNumber string    `json:"caller_number" gorm:"column:caller_number;index"`
	ContextRef   string    `json:"context_ref" gorm:"column:context_ref"`
	StartedAt    time.Time `json:"started_at" gorm:"column:started_at"`
	EndedAt      time.Time `json:"ended_at" gorm:"column:ended_at"`
	EndReason    EndReason `json:"end_reason" gorm:"column:end_reason"`
	TurnCount    int       `json:"turn_count" gorm:"column:turn_count"`
	CreatedAt    time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (CallLog) TableName() string {
	return "call_logs"
}

// CallTurn is the persisted record of one conversational turn.
type CallTurn struct {
	ID         string         `json:"id" gorm:"column:id;primaryKey"`
	CallID     string         `json:"call_id" gorm:"column:call_id;index"`
	Speaker    Speaker        `json:"speaker" gorm:"column:speaker"`
	StartedAt  time.Time      `json:"started_at" gorm:"column:started_at"`
	EndedAt    time.Time      `json:"ended_at" gorm:"column:ended_at"`
	Transcript string         `json:"transcript" gorm:"column:transcript"`
	Completion TurnCompletion `json:"completion" gorm:"column:completion"`
	CreatedAt  time.Time      `json:"created_at" gorm:"column:created_at"`
}

func (CallTurn) TableName() string {
	return "call_turns"
}
