package chain

import (
	"context"
	"time"

	"policy-automation/internal/events"
)

// listen polls the contract for events after block last and republishes them on the
// bus. When known is false the first successful head read becomes the starting point.
func (s *Service) listen(ctx context.Context, done chan<- struct{}, last uint64, known bool) {
	defer close(done)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.logger.Info().Uint64("from_block", last).Msg("contract event listeners started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("contract event listeners stopped")
			return
		case <-ticker.C:
		}

		head, err := s.contract.LatestBlock(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to read head block")
			continue
		}
		if !known {
			last, known = head, true
			continue
		}
		if head <= last {
			continue
		}

		found, err := s.contract.FilterEvents(ctx, last+1, head)
		if err != nil {
			s.logger.Warn().Err(err).Uint64("from", last+1).Uint64("to", head).Msg("failed to filter contract events")
			continue
		}
		for _, evt := range found {
			s.republish(evt)
		}
		last = head
	}
}

func (s *Service) republish(evt ContractEvent) {
	switch evt.Name {
	case eventAPYUpdated:
		s.logger.Info().Uint64("old_apy", evt.OldAPY).Uint64("new_apy", evt.NewAPY).Msg("APYUpdated observed")
		s.bus.Publish(events.BlockchainTxConfirmed, events.TxConfirmedPayload{
			EventName:   events.ContractEventAPYUpdated,
			OldAPY:      evt.OldAPY,
			NewAPY:      evt.NewAPY,
			TxHash:      evt.TxHash,
			BlockNumber: evt.BlockNumber,
		})
	case eventHalvingExecuted:
		s.logger.Warn().Str("new_emission_rate", evt.NewEmissionRate).Msg("HalvingExecuted observed")
		s.bus.Publish(events.BlockchainTxConfirmed, events.TxConfirmedPayload{
			EventName:       events.ContractEventHalvingExecuted,
			NewEmissionRate: evt.NewEmissionRate,
			TxHash:          evt.TxHash,
			BlockNumber:     evt.BlockNumber,
		})
	case eventEmergencyPause:
		s.logger.Error().Str("pauser", evt.Pauser).Str("reason", evt.Reason).Msg("emergency pause activated")
		s.bus.Publish(events.SystemEmergencyPause, events.EmergencyPausePayload{
			Pauser:      evt.Pauser,
			Reason:      evt.Reason,
			TxHash:      evt.TxHash,
			BlockNumber: evt.BlockNumber,
		}, events.WithPriority(events.PriorityCritical))
	default:
		s.logger.Debug().Str("event", evt.Name).Msg("ignoring unknown contract event")
	}
}
