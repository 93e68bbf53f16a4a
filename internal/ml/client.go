package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"policy-automation/internal/domain"
)

const (
	analyzePath      = "/analyze"
	checkHalvingPath = "/check/halving"
	analyzeUserPath  = "/analyze/user"

	defaultAPY       = 1200
	minSuggestedAPY  = 500
	maxSuggestedAPY  = 5000
	defaultRiskLevel = 5

	eligibilityScore = 70
)

// Options parameterise the ML client.
type Options struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	CacheTTL  time.Duration
	// FallbackEnabled answers a neutral MAINTAIN decision instead of an error when
	// the service is unreachable.
	FallbackEnabled bool
}

// Client talks to the external scoring service over HTTP JSON.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	cache   Cache
	now     func() time.Time
}

// NewClient constructs a client. A nil cache disables prediction caching.
func NewClient(opts Options, cache Cache, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "ml_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		cache:   cache,
		now:     time.Now,
	}
}

// AnalyzeMarketConditions scores an oracle reading.
func (c *Client) AnalyzeMarketConditions(ctx context.Context, data domain.OracleData) (domain.Decision, error) {
	start := c.now()
	key := c.cacheKey(data.AssetPair)

	if c.cache != nil {
		cached, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("prediction cache read failed")
		} else if ok {
			c.logger.Debug().Str("asset_pair", data.AssetPair).Msg("prediction served from cache")
			return cached, nil
		}
	}

	req := analyzeRequest{
		Timestamp: data.Timestamp,
		AssetPair: data.AssetPair,
		Price:     data.Price.InexactFloat64(),
		Volume:    data.Volume.InexactFloat64(),
		Extra:     data.Extra,
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = start.UTC()
	}

	var res analyzeResponse
	if err := c.post(ctx, analyzePath, req, &res); err != nil {
		if c.opts.FallbackEnabled {
			c.logger.Error().Err(err).Str("asset_pair", data.AssetPair).Msg("market analysis failed; using fallback decision")
			return c.fallbackDecision(), nil
		}
		return domain.Decision{}, fmt.Errorf("analyze market conditions: %w", err)
	}

	decision := c.enrich(res)

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, decision, c.opts.CacheTTL); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("prediction cache write failed")
		}
	}

	c.logger.Info().
		Str("trend", string(decision.TrendForecast)).
		Uint64("suggested_apy", decision.SuggestedAPY).
		Int("risk_level", decision.RiskLevel).
		Dur("took", c.now().Sub(start)).
		Msg("market analysis complete")
	return decision, nil
}

// CheckHalvingConditions asks whether emission should halve.
func (c *Client) CheckHalvingConditions(ctx context.Context, metrics domain.SystemMetrics) (domain.HalvingAssessment, error) {
	req := halvingRequest{
		TotalSupply:       metrics.TotalSupply,
		CirculatingSupply: metrics.CirculatingSupply,
		BurnRate:          metrics.BurnRate,
		CurrentAPY:        metrics.CurrentAPY,
		PriceHistory:      metrics.PriceHistory,
		UserGrowth:        metrics.UserGrowth,
	}

	var res halvingResponse
	if err := c.post(ctx, checkHalvingPath, req, &res); err != nil {
		return domain.HalvingAssessment{}, fmt.Errorf("check halving conditions: %w", err)
	}

	return domain.HalvingAssessment{
		ShouldHalve: res.ShouldHalve,
		Confidence:  res.Confidence,
		Reasoning:   res.Reasoning,
		Urgency:     res.Urgency,
	}, nil
}

// AnalyzeUserBehavior scores a wallet's activity.
func (c *Client) AnalyzeUserBehavior(ctx context.Context, activity domain.UserActivity) (domain.UserAnalysis, error) {
	req := userRequest{
		Wallet:         activity.Wallet,
		ActivityType:   activity.ActivityType,
		Transactions:   activity.Transactions,
		StakingHistory: activity.StakingHistory,
		SocialActivity: activity.SocialActivity,
	}

	var res userResponse
	if err := c.post(ctx, analyzeUserPath, req, &res); err != nil {
		if c.opts.FallbackEnabled {
			c.logger.Error().Err(err).Str("wallet", activity.Wallet).Msg("user analysis failed; using fallback")
			return domain.UserAnalysis{ReputationScore: 50}, nil
		}
		return domain.UserAnalysis{}, fmt.Errorf("analyze user behavior: %w", err)
	}

	eligible := res.Score > eligibilityScore
	if res.EligibleForAirdrop != nil {
		eligible = *res.EligibleForAirdrop
	}
	return domain.UserAnalysis{
		EligibleForAirdrop: eligible,
		ReputationScore:    res.Score,
		RecommendedPromos:  res.Promos,
		RiskFlags:          res.Flags,
	}, nil
}

func (c *Client) enrich(res analyzeResponse) domain.Decision {
	trend := parseTrend(res.Trend)

	confidence := 0.5
	if res.Confidence != nil {
		confidence = *res.Confidence
	}

	action := domain.Action(strings.ToUpper(strings.TrimSpace(res.Action)))
	switch action {
	case domain.ActionIncrease, domain.ActionDecrease, domain.ActionMaintain:
	default:
		action = deriveAction(trend, confidence)
	}

	apy := res.RecommendedAPY
	if apy == 0 {
		apy = defaultAPY
	}
	apy = min(max(apy, minSuggestedAPY), maxSuggestedAPY)

	risk := res.RiskLevel
	if risk == 0 {
		risk = defaultRiskLevel
	}
	sentiment := res.Sentiment
	if sentiment == "" {
		sentiment = "NEUTRAL"
	}
	reasoning := res.Reasoning
	if reasoning == "" {
		reasoning = "automated market analysis"
	}

	return domain.Decision{
		Action:        action,
		SuggestedAPY:  apy,
		Confidence:    confidence,
		TrendForecast: trend,
		Reasoning:     reasoning,
		Sentiment:     sentiment,
		RiskLevel:     risk,
		Timestamp:     c.now().UTC(),
	}
}

func (c *Client) fallbackDecision() domain.Decision {
	return domain.Decision{
		Action:        domain.ActionMaintain,
		SuggestedAPY:  defaultAPY,
		Confidence:    0.5,
		TrendForecast: domain.TrendNeutral,
		Reasoning:     "fallback: scoring service unavailable",
		Sentiment:     "NEUTRAL",
		RiskLevel:     defaultRiskLevel,
		IsFallback:    true,
		Timestamp:     c.now().UTC(),
	}
}

// deriveAction maps a forecast to a rate move: raise incentives into a falling
// market, trim them in a rising one.
func deriveAction(trend domain.Trend, confidence float64) domain.Action {
	switch {
	case trend == domain.TrendBearish && confidence > 0.7:
		return domain.ActionIncrease
	case trend == domain.TrendBullish && confidence > 0.8:
		return domain.ActionDecrease
	default:
		return domain.ActionMaintain
	}
}

func parseTrend(s string) domain.Trend {
	switch domain.Trend(strings.ToUpper(strings.TrimSpace(s))) {
	case domain.TrendBullish:
		return domain.TrendBullish
	case domain.TrendBearish:
		return domain.TrendBearish
	default:
		return domain.TrendNeutral
	}
}

func (c *Client) cacheKey(assetPair string) string {
	bucket := c.now().UnixMilli() / c.opts.CacheTTL.Milliseconds()
	return fmt.Sprintf("ml:%s:%d", assetPair, bucket)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("X-API-Key", c.opts.APIKey)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "policyd/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type analyzeRequest struct {
	Timestamp time.Time      `json:"timestamp"`
	AssetPair string         `json:"assetPair"`
	Price     float64        `json:"price"`
	Volume    float64        `json:"volume"`
	Extra     map[string]any `json:"extra,omitempty"`
}

type analyzeResponse struct {
	Trend          string   `json:"trend"`
	Action         string   `json:"action"`
	RecommendedAPY uint64   `json:"recommendedAPY"`
	RiskLevel      int      `json:"riskLevel"`
	Confidence     *float64 `json:"confidence"`
	Sentiment      string   `json:"sentiment"`
	Reasoning      string   `json:"reasoning"`
}

type halvingRequest struct {
	TotalSupply       decimal.Decimal   `json:"totalSupply"`
	CirculatingSupply decimal.Decimal   `json:"circulatingSupply"`
	BurnRate          decimal.Decimal   `json:"burnRate"`
	CurrentAPY        uint64            `json:"currentAPY"`
	PriceHistory      []decimal.Decimal `json:"priceHistory"`
	UserGrowth        float64           `json:"userGrowth"`
}

type halvingResponse struct {
	ShouldHalve bool    `json:"shouldHalve"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
	Urgency     string  `json:"urgency"`
}

type userRequest struct {
	Wallet         string         `json:"wallet"`
	ActivityType   string         `json:"activityType,omitempty"`
	Transactions   int            `json:"transactions"`
	StakingHistory []any          `json:"stakingHistory,omitempty"`
	SocialActivity map[string]any `json:"socialActivity,omitempty"`
}

type userResponse struct {
	Score              float64  `json:"score"`
	EligibleForAirdrop *bool    `json:"eligibleForAirdrop"`
	Promos             []string `json:"promos"`
	Flags              []string `json:"flags"`
}

type errorResponse struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Detail != "":
			return fmt.Errorf("ml api error (%d): %s", status, apiErr.Detail)
		case apiErr.Message != "":
			return fmt.Errorf("ml api error (%d): %s", status, apiErr.Message)
		case apiErr.Error != "":
			return fmt.Errorf("ml api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("ml api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return errors.New("ml api error: " + http.StatusText(status))
}
