package service

import (
	"context"

	"nova-ledger/internal/core/domain"
)

// ThresholdRiskGate implements ports.RiskGate as a stateless weighted score
// over externally-supplied fraud signals. The weights are deliberately crude:
// the authoritative scoring lives in the fraud-signal collaborator, and this
// gate only folds its features into a bounded score.
type ThresholdRiskGate struct{}

// NewThresholdRiskGate creates the default risk gate.
func NewThresholdRiskGate() *ThresholdRiskGate {
	return &ThresholdRiskGate{}
}

// Assess scores one grant request. Score is in [0, 1].
func (g *ThresholdRiskGate) Assess(_ context.Context, _ *domain.Account, signals domain.FraudSignals) domain.RiskAssessment {
	var score float64
	var reasons []string

	if signals.GrantVelocityPerHour > 30 {
		score += 0.5
		reasons = append(reasons, "grant_velocity")
	} else if signals.GrantVelocityPerHour > 10 {
		score += 0.25
		reasons = append(reasons, "grant_velocity_elevated")
	}

	if signals.DeviceReuseCount > 3 {
		score += 0.3
		reasons = append(reasons, "device_reuse")
	}

	if signals.GeoJumpKm > 500 {
		score += 0.3
		reasons = append(reasons, "geo_jump")
	}

	if score > 1 {
		score = 1
	}
	return domain.RiskAssessment{Score: score, Reasons: reasons}
}

// StaticSignalSource implements ports.FraudSignalSource with fixed signals.
// Used in local mode and tests when no fraud-signal collaborator is wired.
type StaticSignalSource struct {
	Fixed domain.FraudSignals
}

// Signals returns the configured signals for every owner.
func (s *StaticSignalSource) Signals(_ context.Context, _ domain.OwnerRef) (domain.FraudSignals, error) {
	return s.Fixed, nil
}
