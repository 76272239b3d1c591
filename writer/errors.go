package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// PersistError is returned for a batch the Persister could not write.
type PersistError struct {
	Kind      string
	BatchID   string
	Attempts  int
	Retryable bool
	Err       error
}

func (e *PersistError) Error() string {
	if e.BatchID == "" {
		return fmt.Sprintf("persist %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("persist %s batch %s after %d attempt(s): %v", e.Kind, e.BatchID, e.Attempts, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &PersistError{Retryable: false, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	return &PersistError{Retryable: true, Err: err}
}

// IsRetryable classifies a store error. Explicit PersistErrors win; Postgres
// errors are judged by SQLSTATE; connection-level failures are retryable;
// cancellation is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pe *PersistError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLState(pgErr.Code)
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unknown driver-level failures are usually connectivity problems.
	return true
}

func retryableSQLState(code string) bool {
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "08", // connection exception
		"53": // insufficient resources
		return true
	}
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03": // cannot_connect_now
		return true
	}
	return false
}
