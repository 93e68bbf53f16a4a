package orchestrator

import (
	"context"
	"fmt"

	"policy-automation/internal/domain"
	"policy-automation/internal/events"
)

func (o *Orchestrator) handleOracleData(ctx context.Context, evt events.Event) error {
	if !o.IsRunning() {
		return events.ErrSkipped
	}
	payload, ok := evt.Payload.(events.OracleDataPayload)
	if !ok {
		return fmt.Errorf("%w: %T", events.ErrUnexpectedPayload, evt.Payload)
	}
	data := payload.OracleData

	o.logger.Info().
		Str("source", data.Source).
		Str("asset_pair", data.AssetPair).
		Str("price", data.Price.String()).
		Msg("oracle data received")

	decision, err := o.scorer.AnalyzeMarketConditions(ctx, data)
	if err != nil {
		o.logger.Error().Err(err).Str("asset_pair", data.AssetPair).Msg("failed to score oracle data")
		o.bus.Publish(events.OracleError, events.OracleErrorPayload{Error: err.Error(), OracleData: data})
		return fmt.Errorf("analyze market conditions: %w", err)
	}

	o.bus.Publish(events.MLPredictionReady, events.PredictionPayload{
		OracleData:     data,
		Decision:       decision,
		OrchestratorID: orchestratorID,
	})
	return nil
}

func (o *Orchestrator) handlePrediction(ctx context.Context, evt events.Event) error {
	if !o.IsRunning() {
		return events.ErrSkipped
	}
	payload, ok := evt.Payload.(events.PredictionPayload)
	if !ok {
		return fmt.Errorf("%w: %T", events.ErrUnexpectedPayload, evt.Payload)
	}
	decision := payload.Decision

	o.logger.Info().
		Str("trend", string(decision.TrendForecast)).
		Uint64("suggested_apy", decision.SuggestedAPY).
		Float64("confidence", decision.Confidence).
		Str("action", string(decision.Action)).
		Msg("prediction received")

	o.mu.Lock()
	o.metrics.TotalDecisions++
	o.metrics.LastDecisionTime = o.now().UTC()
	o.mu.Unlock()

	adm := o.reserve(decision)
	if !adm.Execute {
		o.reject(adm)
		return nil
	}

	var change *RateChange
	defer func() { o.settle(change) }()

	if current, ok := o.chain.CurrentRate(ctx); ok {
		if mag := checkMagnitude(o.policy, current, decision.SuggestedAPY); !mag.Execute {
			o.reject(mag)
			return nil
		}
	}

	o.logger.Info().Uint64("suggested_apy", decision.SuggestedAPY).Str("reasoning", decision.Reasoning).Msg("executing rate adjustment")
	result, err := o.chain.SetRate(ctx, decision.SuggestedAPY, decision.Reasoning)
	if err != nil {
		o.mu.Lock()
		o.metrics.FailedAdjustments++
		o.mu.Unlock()
		o.logger.Error().Err(err).Uint64("suggested_apy", decision.SuggestedAPY).Msg("rate adjustment failed")
		return fmt.Errorf("set rate %d: %w", decision.SuggestedAPY, err)
	}

	if result.Success && !result.Unchanged {
		change = &RateChange{Timestamp: o.now(), OldValue: result.OldRate, NewValue: result.NewRate}
		o.logger.Info().
			Uint64("old_apy", result.OldRate).
			Uint64("new_apy", result.NewRate).
			Str("tx_hash", result.TxHash).
			Msg("rate adjusted")
	}

	o.updateUserExperience(decision)
	return nil
}

func (o *Orchestrator) reject(adm Admission) {
	o.mu.Lock()
	o.metrics.RejectedDecisions++
	o.mu.Unlock()
	o.logger.Info().Str("reason", adm.Reason).Msg("adjustment not executed")
}

func (o *Orchestrator) updateUserExperience(decision domain.Decision) {
	if decision.Action != domain.ActionMaintain {
		o.bus.Publish(events.SystemAnnouncement, events.AnnouncementPayload{
			Type:      "ECONOMY_UPDATE",
			Message:   fmt.Sprintf("APY adjusted to %s%% based on market conditions", domain.BasisPointsToPercent(decision.SuggestedAPY)),
			Trend:     decision.TrendForecast,
			Sentiment: decision.Sentiment,
		})
	}
	if decision.TrendForecast == domain.TrendBullish && decision.Confidence > 0.8 {
		o.bus.Publish(events.UserPromoTriggered, events.PromoPayload{
			Type:                events.PromoBullishBonus,
			Message:             "Bull market detected, special bonuses activated",
			EligibilityCriteria: "active_stakers",
		})
	}
}

func (o *Orchestrator) handleHalvingDue(ctx context.Context, evt events.Event) error {
	if !o.IsRunning() {
		return events.ErrSkipped
	}
	payload, ok := evt.Payload.(events.HalvingDuePayload)
	if !ok {
		return fmt.Errorf("%w: %T", events.ErrUnexpectedPayload, evt.Payload)
	}

	o.logger.Warn().Str("reasoning", payload.Reasoning).Str("urgency", payload.Urgency).Msg("halving requested")

	claimed, reason := o.claimHalving()
	if !claimed {
		o.logger.Warn().Str("reason", reason).Msg("ignoring halving request")
		return events.ErrSkipped
	}

	result, err := o.chain.ExecuteHalving(ctx, payload.Reasoning)
	o.finishHalving(err == nil && result.Success)
	if err != nil {
		o.logger.Error().Err(err).Str("reasoning", payload.Reasoning).Msg("halving failed")
		return fmt.Errorf("execute halving: %w", err)
	}
	if !result.Success {
		return nil
	}

	o.logger.Info().Str("tx_hash", result.TxHash).Msg("halving executed")
	o.bus.Publish(events.UserPromoTriggered, events.PromoPayload{
		Type:    events.PromoHalvingExecuted,
		Message: "Halving executed, rewards have been cut in half",
	}, events.WithPriority(events.PriorityHigh))
	return nil
}

func (o *Orchestrator) handleTxConfirmed(ctx context.Context, evt events.Event) error {
	if !o.IsRunning() {
		return events.ErrSkipped
	}
	payload, ok := evt.Payload.(events.TxConfirmedPayload)
	if !ok {
		return fmt.Errorf("%w: %T", events.ErrUnexpectedPayload, evt.Payload)
	}

	o.logger.Info().
		Str("event", payload.EventName).
		Str("tx_hash", payload.TxHash).
		Uint64("block", payload.BlockNumber).
		Msg("transaction confirmed")

	if payload.EventName == events.ContractEventAPYUpdated {
		o.mu.Lock()
		o.metrics.SuccessfulAdjustments++
		o.mu.Unlock()
	}
	return nil
}

func (o *Orchestrator) handleUserActivity(ctx context.Context, evt events.Event) error {
	if !o.IsRunning() {
		return events.ErrSkipped
	}
	payload, ok := evt.Payload.(events.UserActivityPayload)
	if !ok {
		return fmt.Errorf("%w: %T", events.ErrUnexpectedPayload, evt.Payload)
	}
	activity := payload.Activity

	o.logger.Info().Str("wallet", activity.Wallet).Str("activity", activity.ActivityType).Msg("user activity detected")

	analysis, err := o.scorer.AnalyzeUserBehavior(ctx, activity)
	if err != nil {
		o.logger.Error().Err(err).Str("wallet", activity.Wallet).Msg("failed to analyze user activity")
		return fmt.Errorf("analyze user %s: %w", activity.Wallet, err)
	}
	if !analysis.EligibleForAirdrop {
		return nil
	}

	o.logger.Info().Str("wallet", activity.Wallet).Float64("reputation", analysis.ReputationScore).Msg("user eligible for airdrop")
	o.bus.Publish(events.UserEligibleAirdrop, events.AirdropPayload{
		Wallet:          activity.Wallet,
		Reason:          "High reputation score",
		ReputationScore: analysis.ReputationScore,
	})
	return nil
}
