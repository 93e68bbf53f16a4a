package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"policy-automation/internal/chain"
	"policy-automation/internal/domain"
	"policy-automation/internal/events"
	"policy-automation/internal/orchestrator"
	"policy-automation/internal/storage"
)

// StatusReport is the payload printed by the status command.
type StatusReport struct {
	Chain       chain.Status        `json:"chain"`
	ChainError  string              `json:"chainError,omitempty"`
	CurrentAPY  *uint64             `json:"currentAPY,omitempty"`
	Policy      orchestrator.Policy `json:"policy"`
	Audit       *AuditSummary       `json:"audit,omitempty"`
	GeneratedAt time.Time           `json:"generatedAt"`
}

// AuditSummary condenses the persisted history.
type AuditSummary struct {
	RateChangesLastHour int64      `json:"rateChangesLastHour"`
	RateChangesLastDay  int64      `json:"rateChangesLastDay"`
	LastHalvingAt       *time.Time `json:"lastHalvingAt,omitempty"`
	LastHalvingTx       string     `json:"lastHalvingTx,omitempty"`
}

type auditReader interface {
	CountRateChangesSince(ctx context.Context, since time.Time) (int64, error)
	LastHalving(ctx context.Context) (storage.HalvingRecord, bool, error)
}

// Status verifies chain access and prints the automation state as JSON.
func (a *App) Status(ctx context.Context, w io.Writer) error {
	session, err := a.openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.close()

	report := StatusReport{Policy: a.policy(), GeneratedAt: time.Now().UTC()}
	if err := session.chain.Initialize(ctx); err != nil {
		report.ChainError = err.Error()
	}
	report.Chain = session.chain.Status()
	if rate, ok := session.chain.CurrentRate(ctx); ok {
		report.CurrentAPY = &rate
	}

	if session.store != nil {
		summary, err := summarizeAudit(ctx, session.store, report.GeneratedAt)
		if err != nil {
			return err
		}
		report.Audit = &summary
	}

	return writeJSON(w, report)
}

func summarizeAudit(ctx context.Context, store auditReader, now time.Time) (AuditSummary, error) {
	var summary AuditSummary
	var err error
	if summary.RateChangesLastHour, err = store.CountRateChangesSince(ctx, now.Add(-time.Hour)); err != nil {
		return summary, err
	}
	if summary.RateChangesLastDay, err = store.CountRateChangesSince(ctx, now.Add(-24*time.Hour)); err != nil {
		return summary, err
	}
	last, ok, err := store.LastHalving(ctx)
	if err != nil {
		return summary, err
	}
	if ok {
		executedAt := last.ExecutedAt.UTC()
		summary.LastHalvingAt = &executedAt
		summary.LastHalvingTx = last.TxHash
	}
	return summary, nil
}

// TriggerReport is printed after a manual oracle trigger.
type TriggerReport struct {
	EventID      string                    `json:"eventId"`
	Orchestrator orchestrator.Metrics      `json:"orchestrator"`
	Bus          events.Metrics            `json:"bus"`
	RateWindow   []orchestrator.RateChange `json:"rateWindow"`
}

// TriggerOracle runs one oracle reading through the full decision pipeline and
// prints the resulting counters.
func (a *App) TriggerOracle(ctx context.Context, data domain.OracleData, w io.Writer) error {
	if data.AssetPair == "" {
		return errors.New("asset pair is required")
	}
	if data.Source == "" {
		data.Source = "manual"
	}

	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.orch.Start(ctx); err != nil {
		return err
	}
	defer rt.orch.Stop()

	evt := rt.orch.TriggerOracle(data)
	rt.bus.Wait()

	return writeJSON(w, TriggerReport{
		EventID:      evt.ID,
		Orchestrator: rt.orch.Metrics(),
		Bus:          rt.bus.Metrics(),
		RateWindow:   rt.orch.RateWindow(),
	})
}

// SetRate submits a manual APY change, bypassing admission control but not the
// contract bounds or the circuit breaker.
func (a *App) SetRate(ctx context.Context, rate uint64, reason string, w io.Writer) error {
	if reason == "" {
		reason = "manual override"
	}
	session, err := a.openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.close()

	if err := session.chain.Initialize(ctx); err != nil {
		return err
	}
	result, err := session.chain.SetRate(ctx, rate, reason)
	if err != nil {
		return fmt.Errorf("set rate: %w", err)
	}
	a.Logger.Info().Uint64("rate", rate).Bool("unchanged", result.Unchanged).Str("tx_hash", result.TxHash).Msg("manual rate change complete")
	return writeJSON(w, result)
}

// Halving submits a manual emission halving. The orchestrator cooldown does not
// apply; the caller is the operator.
func (a *App) Halving(ctx context.Context, reason string, w io.Writer) error {
	if reason == "" {
		reason = "manual halving"
	}
	session, err := a.openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.close()

	if err := session.chain.Initialize(ctx); err != nil {
		return err
	}
	result, err := session.chain.ExecuteHalving(ctx, reason)
	if err != nil {
		return fmt.Errorf("execute halving: %w", err)
	}
	a.Logger.Info().Str("tx_hash", result.TxHash).Msg("manual halving complete")
	return writeJSON(w, result)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
