package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and backends return these
// (optionally wrapped) so the ledger service can translate them into domain errors.
//
// - ErrNotFound: record does not exist in the store
// - ErrConflict: a compare-and-commit lost the race (sequence already taken)
// - ErrAlreadyUsed: unique key already present
// - ErrOutOfRange: a read asked for positions beyond the backend limit
// - ErrUnavailable: backend or cache temporarily unavailable
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrAlreadyUsed = errors.New("already used")
	ErrOutOfRange  = errors.New("out of range")
	ErrUnavailable = errors.New("unavailable")
)
