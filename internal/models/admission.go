package models

// RejectKind enumerates the reasons the Execution Gate may refuse to admit
// a proposed trade. Rejections are ordinary values, never thrown.
type RejectKind string

// Supported reject kinds, matching the specification's admission taxonomy.
const (
	RejectDisabled          RejectKind = "disabled"
	RejectLiveNotAllowed    RejectKind = "live_not_allowed"
	RejectNotWhitelisted    RejectKind = "not_whitelisted"
	RejectStopDirection     RejectKind = "stop_direction"
	RejectStopDistance      RejectKind = "stop_distance"
	RejectSizeZero          RejectKind = "size_zero"
	RejectPortfolioRisk     RejectKind = "portfolio_risk"
	RejectPositionCountLimit RejectKind = "position_count_limit"
)

// AdmissionDecision is the sum type Accept | Reject returned by the
// Execution Gate's admission algorithm. Exactly one of the two shapes is
// populated, selected by Accepted.
type AdmissionDecision struct {
	Accepted bool

	// Populated when Accepted is true.
	PositionID  string
	Size        int
	RiskDollars float64

	// Populated when Accepted is false.
	Reason RejectKind
}

// Accept builds an accepted admission decision for the position already
// registered under positionID.
func Accept(positionID string, size int, riskDollars float64) AdmissionDecision {
	return AdmissionDecision{Accepted: true, PositionID: positionID, Size: size, RiskDollars: riskDollars}
}

// Reject builds a rejected admission decision.
func Reject(reason RejectKind) AdmissionDecision {
	return AdmissionDecision{Accepted: false, Reason: reason}
}
