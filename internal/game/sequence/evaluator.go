// Package sequence classifies incoming intent sequence numbers against a
// session's last-acknowledged sequence. The evaluator only classifies; the
// single mutating path is Acknowledge, which never regresses.
package sequence

import "fmt"

// Status is the classification of one incoming sequence number.
type Status string

const (
	// StatusAccept means the sequence is the expected next value.
	StatusAccept Status = "accept"
	// StatusDuplicate means the sequence equals the last acknowledged value
	// and should be answered idempotently from the durability log.
	StatusDuplicate Status = "duplicate"
	// StatusGap means one or more intents were lost; a full resync is required.
	StatusGap Status = "gap"
	// StatusOutOfOrder means the sequence is older than the last acknowledged
	// value. Non-fatal; the intent is discarded.
	StatusOutOfOrder Status = "out_of_order"
	// StatusMissingSession means the session is unknown; a full resync is
	// required.
	StatusMissingSession Status = "missing_session"
	// StatusInvalid means the sequence is not a non-negative integer.
	StatusInvalid Status = "invalid"
)

// Result is the outcome of one evaluation.
type Result struct {
	Status Status
	// Expected is the next acceptable sequence for the session. Zero when the
	// session is missing.
	Expected int64
	// MissingCount is the number of lost intents; set only for StatusGap.
	MissingCount int64
	// RequiresResync reports whether the client must re-bootstrap before
	// further intents are accepted.
	RequiresResync bool
}

// SessionSequences is the slice of the session store the evaluator reads
// from and acknowledges through.
type SessionSequences interface {
	// LastSequence returns the session's acknowledged sequence, if the
	// session exists.
	LastSequence(sessionID string) (int64, bool)
	// RecordActionSequence advances the acknowledged sequence to
	// max(current, seq).
	RecordActionSequence(sessionID string, seq int64) error
}

// Evaluator classifies sequences against a session store.
type Evaluator struct {
	sessions SessionSequences
}

// NewEvaluator creates an Evaluator over the given store.
//
// Precondition: sessions must be non-nil.
func NewEvaluator(sessions SessionSequences) *Evaluator {
	if sessions == nil {
		panic("sequence.NewEvaluator: sessions must be non-nil")
	}
	return &Evaluator{sessions: sessions}
}

// Evaluate classifies seq for the given session.
//
// Postcondition: No state is mutated.
func (e *Evaluator) Evaluate(sessionID string, seq int64) Result {
	if seq < 0 {
		return Result{Status: StatusInvalid}
	}

	last, ok := e.sessions.LastSequence(sessionID)
	if !ok {
		return Result{Status: StatusMissingSession, RequiresResync: true}
	}

	expected := last + 1
	switch {
	case seq == expected:
		return Result{Status: StatusAccept, Expected: expected}
	case seq == last:
		return Result{Status: StatusDuplicate, Expected: expected}
	case seq > expected:
		return Result{
			Status:         StatusGap,
			Expected:       expected,
			MissingCount:   seq - expected,
			RequiresResync: true,
		}
	default:
		return Result{Status: StatusOutOfOrder, Expected: expected}
	}
}

// Acknowledge advances the session's acknowledged sequence to
// max(current, seq).
//
// Precondition: seq must be >= 0.
func (e *Evaluator) Acknowledge(sessionID string, seq int64) error {
	if seq < 0 {
		return fmt.Errorf("sequence: cannot acknowledge negative sequence %d", seq)
	}
	return e.sessions.RecordActionSequence(sessionID, seq)
}
