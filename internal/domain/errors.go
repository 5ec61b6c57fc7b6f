package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrIdempotencyMismatch = errors.New("idempotency token reused with a different request")
	ErrDuplicateToken      = errors.New("idempotency token claimed by a concurrent request")
	ErrTransient           = errors.New("transient failure, retry with the same idempotency token")
)

// Side names the role of an account in a transfer.
type Side string

const (
	SideOrigin      Side = "origin"
	SideDestination Side = "destination"
)

// AccountNotFoundError identifies which side of a transfer is missing.
type AccountNotFoundError struct {
	Side      Side
	AccountID int64
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("%s account %d not found", e.Side, e.AccountID)
}

func (e *AccountNotFoundError) Is(target error) bool {
	return target == ErrAccountNotFound
}

// Kind is the error taxonomy exposed at the boundary.
type Kind string

const (
	KindInvalidArgument     Kind = "invalid_argument"
	KindAccountNotFound     Kind = "account_not_found"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindIdempotencyMismatch Kind = "idempotency_mismatch"
	KindDuplicateToken      Kind = "duplicate_token"
	KindTransient           Kind = "transient"
	KindInternal            Kind = "internal"
)

// KindOf classifies err. Anything unrecognised is KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrAccountNotFound):
		return KindAccountNotFound
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrIdempotencyMismatch):
		return KindIdempotencyMismatch
	case errors.Is(err, ErrDuplicateToken):
		return KindDuplicateToken
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may resubmit the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Transient wraps a storage-level cause so that it classifies as ErrTransient
// while keeping the cause reachable through errors.Is/As.
func Transient(op string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, cause)
}

// InvalidArgument returns an ErrInvalidArgument with a human readable reason.
func InvalidArgument(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, reason)
}
