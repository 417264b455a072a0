// Package model holds the persisted entities of the fleet: servers, groups,
// shard-mapping definitions, shards and range specs, plus the invariants
// the handlers must preserve across every committed procedure.
package model

import "errors"

// Error kinds surfaced by the core, per the error handling design. Each is
// a sentinel wrapped with context via fmt.Errorf("...: %w", Err*) so
// callers can match with errors.Is.
var (
	ErrGroupError         = errors.New("group error")
	ErrServerError        = errors.New("server error")
	ErrShardingError      = errors.New("sharding error")
	ErrUnreachableServer  = errors.New("server unreachable")
	ErrVersionMismatch    = errors.New("server version below minimum supported")
	ErrAuthInsufficient   = errors.New("insufficient privileges")
	ErrInvariantViolation = errors.New("invariant violation")
)

// GroupError wraps ErrGroupError with a message.
func GroupError(format string, args ...interface{}) error {
	return wrapf(ErrGroupError, format, args...)
}

// ServerError wraps ErrServerError.
func ServerError(format string, args ...interface{}) error {
	return wrapf(ErrServerError, format, args...)
}

// ShardingError wraps ErrShardingError.
func ShardingError(format string, args ...interface{}) error {
	return wrapf(ErrShardingError, format, args...)
}
