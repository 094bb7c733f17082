package services

import (
	"errors"
	"fmt"
)

// ErrNoData marks a genuinely-empty read (e.g. a latest-price cell that
// was never written). It is a valid outcome, not a failure.
var ErrNoData = errors.New("no data")

// TransientUpstreamError is a recoverable upstream failure: network
// error, timeout, rate limit, 5xx. The affected window or pair is
// retried a bounded number of times within the cycle and otherwise
// skipped until the next cycle.
type TransientUpstreamError struct {
	Op  string
	Err error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("transient upstream error during %s: %v", e.Op, e.Err)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// PermanentUpstreamError is a non-recoverable upstream failure: unknown
// symbol, malformed response, rejected request. The affected pair is
// skipped for the remainder of the process's life.
type PermanentUpstreamError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *PermanentUpstreamError) Error() string {
	return fmt.Sprintf("permanent upstream error for %s during %s: %v", e.Symbol, e.Op, e.Err)
}

func (e *PermanentUpstreamError) Unwrap() error { return e.Err }

// StoreError means the backing store itself failed. Every component
// depends on the store, so callers abort the current cycle and retry
// after a bounded sleep instead of skipping a single pair.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientUpstreamError.
func IsTransient(err error) bool {
	var t *TransientUpstreamError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is (or wraps) a PermanentUpstreamError.
func IsPermanent(err error) bool {
	var p *PermanentUpstreamError
	return errors.As(err, &p)
}

// IsStoreError reports whether err is (or wraps) a StoreError.
func IsStoreError(err error) bool {
	var s *StoreError
	return errors.As(err, &s)
}
