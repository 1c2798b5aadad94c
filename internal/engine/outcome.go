package engine

import (
	"errors"

	"raidboard/api/internal/raid"
)

// Outcome classifies how a write ended.
type Outcome int

const (
	// OutcomeSaved means the store applied the write and the cache holds
	// the server's copy.
	OutcomeSaved Outcome = iota
	// OutcomeReconciled means the write hit a version conflict and the
	// cache was refreshed from the store.
	OutcomeReconciled
	// OutcomeStale means the write hit a version conflict and the re-fetch
	// failed too; the record stays flagged until Retry succeeds.
	OutcomeStale
	// OutcomeRejected means validation failed and nothing was sent.
	OutcomeRejected
	// OutcomeFailed means the request failed for a reason other than a
	// conflict.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeReconciled:
		return "reconciled"
	case OutcomeStale:
		return "stale"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

type Result struct {
	ID      string
	Outcome Outcome
	Record  raid.Record
}

// ErrorKind is the failure taxonomy surfaced to the presentation layer.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindValidation
	KindConflict
	KindRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindRequest:
		return "request"
	}
	return "unknown"
}

// Kind classifies err. Only KindConflict triggers automatic recovery.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case raid.IsValidation(err):
		return KindValidation
	case errors.Is(err, raid.ErrConflict):
		return KindConflict
	default:
		return KindRequest
	}
}
