package repeg

import (
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/history"
	"PerpVAMM/internal/state"
)

// Outcome is the tri-state result of a formulaic maintenance step.
type Outcome int8

const (
	OutcomeApplied Outcome = iota
	OutcomeSkipped
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Maintenance reports what a formulaic step did. Market is always usable:
// it is the adjusted market when Applied and the input market otherwise.
// Formulaic steps never fail their caller; arithmetic failures surface as
// OutcomeError with Err set.
type Maintenance struct {
	Outcome Outcome
	Reason  string
	Err     error
	Market  state.Market
	Cost    fpmath.I128
	Record  *history.CurveRecord
}

func (m Maintenance) Applied() bool { return m.Outcome == OutcomeApplied }

func skipped(m state.Market, reason string) Maintenance {
	return Maintenance{Outcome: OutcomeSkipped, Reason: reason, Market: m}
}

func failed(m state.Market, err error) Maintenance {
	return Maintenance{Outcome: OutcomeError, Reason: err.Error(), Err: err, Market: m}
}

func applied(after state.Market, cost fpmath.I128, rec history.CurveRecord) Maintenance {
	return Maintenance{Outcome: OutcomeApplied, Market: after, Cost: cost, Record: &rec}
}
