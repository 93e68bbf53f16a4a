package events

import (
	"context"
	"errors"
	"time"
)

// Type names an event on the bus.
type Type string

const (
	OracleDataReceived        Type = "ORACLE_DATA_RECEIVED"
	OracleError               Type = "ORACLE_ERROR"
	MLPredictionReady         Type = "ML_PREDICTION_READY"
	EconomyHalvingDue         Type = "ECONOMY_HALVING_DUE"
	BlockchainTxConfirmed     Type = "BLOCKCHAIN_TX_CONFIRMED"
	BlockchainAPYUpdated      Type = "BLOCKCHAIN_APY_UPDATED"
	BlockchainHalvingExecuted Type = "BLOCKCHAIN_HALVING_EXECUTED"
	UserActivityDetected      Type = "USER_ACTIVITY_DETECTED"
	UserEligibleAirdrop       Type = "USER_ELIGIBLE_AIRDROP"
	UserPromoTriggered        Type = "USER_PROMO_TRIGGERED"
	SystemAnnouncement        Type = "SYSTEM_ANNOUNCEMENT"
	SystemHealthCheck         Type = "SYSTEM_HEALTH_CHECK"
	SystemEmergencyPause      Type = "SYSTEM_EMERGENCY_PAUSE"
	AutomationHandlerFailed   Type = "AUTOMATION_HANDLER_FAILED"
)

// AllTypes lists the full taxonomy.
var AllTypes = []Type{
	OracleDataReceived,
	OracleError,
	MLPredictionReady,
	EconomyHalvingDue,
	BlockchainTxConfirmed,
	BlockchainAPYUpdated,
	BlockchainHalvingExecuted,
	UserActivityDetected,
	UserEligibleAirdrop,
	UserPromoTriggered,
	SystemAnnouncement,
	SystemHealthCheck,
	SystemEmergencyPause,
	AutomationHandlerFailed,
}

// ParseType validates a string against the taxonomy.
func ParseType(s string) (Type, bool) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Priority orders handler scheduling within a single publish.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Event is immutable once published.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler consumes an event. The returned error is the invocation result recorded by
// the bus; it never reaches the publisher.
type Handler func(ctx context.Context, evt Event) error

// ErrSkipped marks an invocation that deliberately did nothing.
var ErrSkipped = errors.New("event skipped")

// ErrUnexpectedPayload is returned by handlers receiving a payload of the wrong type.
var ErrUnexpectedPayload = errors.New("unexpected event payload")

// HandlerError is one entry in the bounded error log.
type HandlerError struct {
	EventID    string    `json:"eventId"`
	EventType  Type      `json:"eventType"`
	Subscriber string    `json:"subscriber"`
	Message    string    `json:"message"`
	Panic      bool      `json:"panic"`
	At         time.Time `json:"at"`
}
