package domain

// Decision is the outcome of a loop-prevention evaluation
type Decision string

const (
	DecisionAllowed              Decision = "allowed"
	DecisionBlockedDuplicate     Decision = "blocked-duplicate"
	DecisionBlockedSelf          Decision = "blocked-self"
	DecisionBlockedEmergencyStop Decision = "blocked-emergency-stop"
	DecisionBlockedRate          Decision = "blocked-rate"
)

// Allowed reports whether processing may continue
func (d Decision) Allowed() bool {
	return d == DecisionAllowed
}

// AllDecisions lists every decision in reporting order
func AllDecisions() []Decision {
	return []Decision{
		DecisionAllowed,
		DecisionBlockedDuplicate,
		DecisionBlockedSelf,
		DecisionBlockedEmergencyStop,
		DecisionBlockedRate,
	}
}
