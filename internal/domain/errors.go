package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain operations
var (
	// ErrAuth indicates the remote service rejected the credential
	ErrAuth = errors.New("authentication rejected")

	// ErrRateLimited is the per-request signal that the service wants the caller to back off
	ErrRateLimited = errors.New("rate limited")

	// ErrRateLimitExceeded indicates the listing stayed rate limited after the allowed retries
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrTransfer indicates a part could not be transferred
	ErrTransfer = errors.New("transfer failed")

	// ErrLedgerIO indicates the ledger could not be read or written
	ErrLedgerIO = errors.New("ledger I/O error")

	// ErrAlreadyRunning indicates a cycle was requested while the write token is held
	ErrAlreadyRunning = errors.New("sync already running")

	// ErrJobAlreadyRunning indicates a job was requested while the write token is held
	ErrJobAlreadyRunning = errors.New("job already running")

	// ErrInvalidConfig indicates a configuration precondition was violated
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound indicates the ledger holds no record for the key
	ErrNotFound = errors.New("record not found")

	// ErrItemUnavailable indicates the remote item was deleted or is not visible
	ErrItemUnavailable = errors.New("item unavailable")
)

// TransferError describes a part whose transfer exhausted its retries.
type TransferError struct {
	Key      PartKey
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() []error {
	return []error{ErrTransfer, e.Err}
}

// LedgerError wraps a storage failure so it matches ErrLedgerIO.
func LedgerError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLedgerIO) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrLedgerIO, op, err)
}
