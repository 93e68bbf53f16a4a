package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the rate movement proposed by the scorer.
type Action string

const (
	ActionIncrease Action = "INCREASE"
	ActionDecrease Action = "DECREASE"
	ActionMaintain Action = "MAINTAIN"
)

// Trend is the scorer's market forecast.
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

// OracleData is an externally supplied market signal.
type OracleData struct {
	Source    string          `json:"source"`
	AssetPair string          `json:"assetPair"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	Extra     map[string]any  `json:"extra,omitempty"`
}

// Decision is produced by the scorer and lives for a single handling cycle.
type Decision struct {
	Action        Action    `json:"action"`
	SuggestedAPY  uint64    `json:"suggestedAPY"`
	Confidence    float64   `json:"confidence"`
	TrendForecast Trend     `json:"trendForecast"`
	Reasoning     string    `json:"reasoning"`
	Sentiment     string    `json:"sentiment,omitempty"`
	RiskLevel     int       `json:"riskLevel,omitempty"`
	IsFallback    bool      `json:"isFallback,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SystemMetrics is the economic snapshot consumed by the halving check.
type SystemMetrics struct {
	TotalSupply       decimal.Decimal   `json:"totalSupply"`
	CirculatingSupply decimal.Decimal   `json:"circulatingSupply"`
	BurnRate          decimal.Decimal   `json:"burnRate"`
	CurrentAPY        uint64            `json:"currentAPY"`
	PriceHistory      []decimal.Decimal `json:"priceHistory"`
	UserGrowth        float64           `json:"userGrowth"`
	CollectedAt       time.Time         `json:"collectedAt"`
}

// HalvingAssessment is the scorer's answer to whether emission should halve.
type HalvingAssessment struct {
	ShouldHalve bool    `json:"shouldHalve"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
	Urgency     string  `json:"urgency,omitempty"`
}

// UserActivity describes an observed user action.
type UserActivity struct {
	Wallet         string         `json:"wallet"`
	ActivityType   string         `json:"activityType"`
	Transactions   int            `json:"transactions,omitempty"`
	StakingHistory []any          `json:"stakingHistory,omitempty"`
	SocialActivity map[string]any `json:"socialActivity,omitempty"`
}

// UserAnalysis is the scorer's behaviour verdict for a wallet.
type UserAnalysis struct {
	EligibleForAirdrop bool     `json:"eligibleForAirdrop"`
	ReputationScore    float64  `json:"reputationScore"`
	RecommendedPromos  []string `json:"recommendedPromos,omitempty"`
	RiskFlags          []string `json:"riskFlags,omitempty"`
}

// BasisPointsToPercent renders a basis-point value as a percentage.
func BasisPointsToPercent(bps uint64) decimal.Decimal {
	return decimal.NewFromInt(int64(bps)).Div(decimal.NewFromInt(100))
}
