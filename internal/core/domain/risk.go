package domain

// RiskBlockReason is the reason code surfaced on a blocked grant.
const RiskBlockReason = "risk_block"

// FraudSignals are the externally-computed features the risk gate consumes.
// The engine does not derive these itself.
type FraudSignals struct {
	GrantVelocityPerHour float64 `json:"grant_velocity_per_hour"`
	DeviceReuseCount     int     `json:"device_reuse_count"`
	GeoJumpKm            float64 `json:"geo_jump_km"`
}

// RiskAssessment is the ephemeral verdict computed per grant request. It is
// not persisted as a ledger entity; it only gates whether an earn-like entry
// is written.
type RiskAssessment struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// Blocked reports whether the assessment meets the given block threshold.
func (a RiskAssessment) Blocked(threshold float64) bool {
	return a.Score >= threshold
}
