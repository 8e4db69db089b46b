package billing

// ChargeResult describes the money movement of one charge
type ChargeResult struct {
	CreditsCharged int64 `json:"credits_charged"`
	NewBalance     int64 `json:"new_balance"`
	Clamped        bool  `json:"clamped"`
}

// OutcomeKind tags the result of ChargeCredits
type OutcomeKind int

const (
	// OutcomeOK covers normal and clamped charges
	OutcomeOK OutcomeKind = iota
	// OutcomeRejected means nothing was mutated
	OutcomeRejected
	// OutcomePersistedLate means the cache holds the deduction but the durable store does not
	OutcomePersistedLate
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRejected:
		return "rejected"
	case OutcomePersistedLate:
		return "persisted_late"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of a charge. Result is meaningful for
// OutcomeOK and OutcomePersistedLate; Reason is set for the other two kinds.
type Outcome struct {
	Kind   OutcomeKind
	Result ChargeResult
	Reason error
}

// Err returns nil for successful charges and the reason otherwise
func (o Outcome) Err() error {
	if o.Kind == OutcomeOK {
		return nil
	}
	return o.Reason
}

func ok(result ChargeResult) Outcome {
	return Outcome{Kind: OutcomeOK, Result: result}
}

func rejected(reason error) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

func persistedLate(result ChargeResult, reason error) Outcome {
	return Outcome{Kind: OutcomePersistedLate, Result: result, Reason: reason}
}
