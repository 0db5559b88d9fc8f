package models

import "errors"

// Sentinel errors shared by the bar store, aggregator, and execution gate.
// These correspond to the error taxonomy kinds in the specification: they
// are data-level rejections or storage faults, never thrown as panics.
var (
	// ErrInvalidBar indicates a bar violates the OHLC invariants.
	ErrInvalidBar = errors.New("invalid bar")
	// ErrOutOfOrder indicates a bar arrived with a timestamp not after the
	// last-seen timestamp for its (symbol, timeframe).
	ErrOutOfOrder = errors.New("out of order bar")
	// ErrDataIntegrity indicates a Series invariant was violated on save
	// (duplicate timestamp with mismatched content, misalignment, etc.).
	ErrDataIntegrity = errors.New("data integrity violation")
	// ErrSchemaMismatch indicates an on-disk schema version newer than this
	// reader understands.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrStorageError wraps lower-level I/O failures at the store layer.
	ErrStorageError = errors.New("storage error")
	// ErrInvariantViolation indicates an internal consistency check failed;
	// the process that observes it is expected to treat it as fatal.
	ErrInvariantViolation = errors.New("invariant violation")
)
