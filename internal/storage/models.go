package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"policy-automation/internal/domain"
)

// RateChangeRecord is a confirmed on-chain APY update.
type RateChangeRecord struct {
	ID          int64
	TxHash      string
	OldAPY      uint64
	NewAPY      uint64
	Reason      string
	BlockNumber uint64
	ChangedAt   time.Time
	CreatedAt   time.Time
}

// NewPercent renders the new APY as a percentage.
func (r RateChangeRecord) NewPercent() decimal.Decimal {
	return domain.BasisPointsToPercent(r.NewAPY)
}

// HalvingRecord is a confirmed emission halving.
type HalvingRecord struct {
	ID          int64
	TxHash      string
	Reason      string
	BlockNumber uint64
	ExecutedAt  time.Time
	CreatedAt   time.Time
}

// AlertRecord captures a delivered operator alert.
type AlertRecord struct {
	ID        int64
	EventType string
	Severity  string
	Message   string
	Channels  []string
	CreatedAt time.Time
}
