package sessions

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSessionID is returned for ids outside the allowed character set.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrNotReady is returned by data operations before Init has succeeded.
	ErrNotReady = errors.New("session store not ready")
)

// TransferError reports an I/O failure while streaming an archive in either
// direction. The core never retries these.
type TransferError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *TransferError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s transfer failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s transfer failed for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ConfigurationError means the backend could not be reached or the bucket
// could not be ensured at startup.
type ConfigurationError struct {
	Bucket string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("object store not usable (bucket %q): %v", e.Bucket, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// PartialBatchFailure lists the ids a bulk delete could not remove.
type PartialBatchFailure struct {
	Failed []DeleteFailure
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("failed to delete %d session(s): %s", len(e.Failed), strings.Join(e.FailedIDs(), ", "))
}

// FailedIDs returns the ids in the order they were reported.
func (e *PartialBatchFailure) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		ids = append(ids, f.SessionID)
	}
	return ids
}
