package orchestrator

import (
	"fmt"
	"time"

	"policy-automation/internal/domain"
)

// rateWindowSpan is the rolling period MaxAPYChangesPerHour applies to.
const rateWindowSpan = time.Hour

// Policy gates automated decisions. It is fixed at construction.
type Policy struct {
	MinConfidence        float64       `json:"minConfidence"`
	MinAPYChangePercent  float64       `json:"minAPYChangePercent"`
	MaxAPYChangesPerHour uint          `json:"maxAPYChangesPerHour"`
	HalvingCooldown      time.Duration `json:"halvingCooldown"`
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinConfidence:        0.75,
		MinAPYChangePercent:  2,
		MaxAPYChangesPerHour: 5,
		HalvingCooldown:      24 * time.Hour,
	}
}

// Admission is the outcome of a policy evaluation. A rejection is not an error.
type Admission struct {
	Execute bool   `json:"execute"`
	Reason  string `json:"reason"`
}

// RateChange is one entry of the rolling rate window.
type RateChange struct {
	Timestamp time.Time `json:"timestamp"`
	OldValue  uint64    `json:"oldValue"`
	NewValue  uint64    `json:"newValue"`
}

// ShouldExecuteAPYChange applies the admission checks in order: confidence, action,
// then the hourly cap against inWindow changes already counted.
func ShouldExecuteAPYChange(policy Policy, decision domain.Decision, inWindow int) Admission {
	if decision.Confidence < policy.MinConfidence {
		return Admission{Reason: fmt.Sprintf("confidence insufficient: %.2f < %.2f", decision.Confidence, policy.MinConfidence)}
	}
	if decision.Action == domain.ActionMaintain {
		return Admission{Reason: "suggested action is MAINTAIN"}
	}
	if inWindow >= int(policy.MaxAPYChangesPerHour) {
		return Admission{Reason: fmt.Sprintf("rate limit reached: %d changes per hour", policy.MaxAPYChangesPerHour)}
	}
	return Admission{Execute: true, Reason: "all conditions met"}
}

// checkMagnitude rejects moves smaller than MinAPYChangePercent of the current rate.
func checkMagnitude(policy Policy, current, target uint64) Admission {
	if policy.MinAPYChangePercent <= 0 || current == 0 {
		return Admission{Execute: true}
	}
	diff := float64(target) - float64(current)
	if diff < 0 {
		diff = -diff
	}
	pct := diff / float64(current) * 100
	if pct < policy.MinAPYChangePercent {
		return Admission{Reason: fmt.Sprintf("change too small: %.2f%% < %.2f%%", pct, policy.MinAPYChangePercent)}
	}
	return Admission{Execute: true}
}

// pruneWindow drops entries older than the window span relative to now.
func pruneWindow(window []RateChange, now time.Time) []RateChange {
	cutoff := now.Add(-rateWindowSpan)
	kept := window[:0]
	for _, c := range window {
		if c.Timestamp.After(cutoff) {
			kept = append(kept, c)
		}
	}
	return kept
}
