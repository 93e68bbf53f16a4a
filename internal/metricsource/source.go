package metricsource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"policy-automation/internal/domain"
)

// RateReader exposes the last known on-chain APY.
type RateReader interface {
	CurrentRate(ctx context.Context) (uint64, bool)
}

// Source assembles the economic snapshot for the halving check.
type Source struct {
	supply  SupplyReader
	rates   RateReader
	tracker *Tracker
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	lastTotal decimal.Decimal
	lastAt    time.Time
}

// New builds a Source. rates and tracker may be nil.
func New(supply SupplyReader, rates RateReader, tracker *Tracker, logger zerolog.Logger) *Source {
	return &Source{
		supply:  supply,
		rates:   rates,
		tracker: tracker,
		logger:  logger.With().Str("component", "metric_source").Logger(),
		now:     time.Now,
	}
}

// Collect reads supply from chain and merges it with tracked market data.
//
// BurnRate is the percentage drop in total supply since the previous collection,
// zero on the first call or when supply grew.
func (s *Source) Collect(ctx context.Context) (domain.SystemMetrics, error) {
	total, err := s.supply.TotalSupply(ctx)
	if err != nil {
		return domain.SystemMetrics{}, fmt.Errorf("read total supply: %w", err)
	}
	treasury, err := s.supply.TreasuryBalance(ctx)
	if err != nil {
		return domain.SystemMetrics{}, fmt.Errorf("read treasury balance: %w", err)
	}

	circulating := total.Sub(treasury)
	if circulating.IsNegative() {
		circulating = decimal.Zero
	}

	now := s.now().UTC()
	metrics := domain.SystemMetrics{
		TotalSupply:       total,
		CirculatingSupply: circulating,
		BurnRate:          s.burnRate(total, now),
		CollectedAt:       now,
		PriceHistory:      []decimal.Decimal{},
	}

	if s.rates != nil {
		if apy, ok := s.rates.CurrentRate(ctx); ok {
			metrics.CurrentAPY = apy
		}
	}
	if s.tracker != nil {
		metrics.PriceHistory = s.tracker.PriceHistory()
		metrics.UserGrowth = s.tracker.UserGrowth()
	}

	s.logger.Debug().
		Str("total_supply", total.String()).
		Str("circulating_supply", circulating.String()).
		Str("burn_rate", metrics.BurnRate.String()).
		Uint64("current_apy", metrics.CurrentAPY).
		Int("price_points", len(metrics.PriceHistory)).
		Msg("system metrics collected")
	return metrics, nil
}

func (s *Source) burnRate(total decimal.Decimal, now time.Time) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	rate := decimal.Zero
	if !s.lastAt.IsZero() && s.lastTotal.IsPositive() && total.LessThan(s.lastTotal) {
		rate = s.lastTotal.Sub(total).Div(s.lastTotal).Mul(decimal.NewFromInt(100)).Round(4)
	}
	s.lastTotal = total
	s.lastAt = now
	return rate
}
