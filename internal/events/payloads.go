package events

import (
	"time"

	"policy-automation/internal/domain"
)

// OracleDataPayload accompanies OracleDataReceived.
type OracleDataPayload struct {
	OracleData domain.OracleData `json:"oracleData"`
}

// OracleErrorPayload accompanies OracleError.
type OracleErrorPayload struct {
	Error      string            `json:"error"`
	OracleData domain.OracleData `json:"oracleData"`
}

// PredictionPayload accompanies MLPredictionReady.
type PredictionPayload struct {
	OracleData     domain.OracleData `json:"oracleData"`
	Decision       domain.Decision   `json:"decision"`
	OrchestratorID string            `json:"orchestratorId"`
}

// HalvingDuePayload accompanies EconomyHalvingDue.
type HalvingDuePayload struct {
	Source     string  `json:"source"`
	Reasoning  string  `json:"reasoning"`
	Urgency    string  `json:"urgency,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Names of contract events carried by TxConfirmedPayload.
const (
	ContractEventAPYUpdated      = "APYUpdated"
	ContractEventHalvingExecuted = "HalvingExecuted"
	ContractEventEmergencyPause  = "EmergencyPause"
)

// TxConfirmedPayload accompanies BlockchainTxConfirmed.
type TxConfirmedPayload struct {
	EventName       string `json:"eventName"`
	OldAPY          uint64 `json:"oldAPY,omitempty"`
	NewAPY          uint64 `json:"newAPY,omitempty"`
	NewEmissionRate string `json:"newEmissionRate,omitempty"`
	TxHash          string `json:"txHash"`
	BlockNumber     uint64 `json:"blockNumber"`
}

// APYUpdatedPayload accompanies BlockchainAPYUpdated.
type APYUpdatedPayload struct {
	OldAPY      uint64    `json:"oldAPY"`
	NewAPY      uint64    `json:"newAPY"`
	Reason      string    `json:"reason"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
}

// HalvingExecutedPayload accompanies BlockchainHalvingExecuted.
type HalvingExecutedPayload struct {
	Reason      string    `json:"reason"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    string    `json:"severity"`
}

// EmergencyPausePayload accompanies SystemEmergencyPause.
type EmergencyPausePayload struct {
	Pauser      string `json:"pauser"`
	Reason      string `json:"reason"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// UserActivityPayload accompanies UserActivityDetected.
type UserActivityPayload struct {
	Activity domain.UserActivity `json:"activity"`
}

// AirdropPayload accompanies UserEligibleAirdrop.
type AirdropPayload struct {
	Wallet          string  `json:"wallet"`
	Reason          string  `json:"reason"`
	ReputationScore float64 `json:"reputationScore"`
}

// Promo kinds carried by PromoPayload.
const (
	PromoBullishBonus    = "BULLISH_BONUS"
	PromoHalvingExecuted = "HALVING_EXECUTED"
)

// PromoPayload accompanies UserPromoTriggered.
type PromoPayload struct {
	Type                string `json:"type"`
	Message             string `json:"message"`
	EligibilityCriteria string `json:"eligibilityCriteria,omitempty"`
}

// AnnouncementPayload accompanies SystemAnnouncement.
type AnnouncementPayload struct {
	Type      string       `json:"type"`
	Message   string       `json:"message"`
	Trend     domain.Trend `json:"trend,omitempty"`
	Sentiment string       `json:"sentiment,omitempty"`
}

// Health statuses carried by HealthCheckPayload.
const (
	HealthHealthy   = "HEALTHY"
	HealthDegraded  = "DEGRADED"
	HealthUnhealthy = "UNHEALTHY"
)

// HealthCheckPayload accompanies SystemHealthCheck.
type HealthCheckPayload struct {
	Status             string    `json:"status"`
	TotalEvents        uint64    `json:"totalEvents"`
	RecentErrors       int       `json:"recentErrors"`
	CircuitBreakerOpen bool      `json:"circuitBreakerOpen"`
	CheckedAt          time.Time `json:"checkedAt"`
}

// HandlerFailedPayload accompanies AutomationHandlerFailed.
type HandlerFailedPayload struct {
	Service              string `json:"service"`
	Method               string `json:"method"`
	Error                string `json:"error"`
	CircuitBreakerStatus string `json:"circuitBreakerStatus,omitempty"`
}
