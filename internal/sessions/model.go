package sessions

import (
	"io"
	"time"
)

// Record describes a stored session. It is derived from the object store on
// every request and never cached.
type Record struct {
	SessionID    string    `json:"sessionId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
	Size         *int64    `json:"size,omitempty"`
}

// UploadResult acknowledges a completed upload.
type UploadResult struct {
	SessionID   string
	Size        int64
	ContentType string
}

// Download is an open archive stream plus what is known about it. The caller
// owns Body and must close it, normally through Service.Relay.
type Download struct {
	Record      Record
	ContentType string
	Body        io.ReadCloser
}

// DeleteFailure names one session a bulk delete could not remove.
type DeleteFailure struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"error"`
}

// DeleteManyResult is the per-id outcome of a bulk delete.
type DeleteManyResult struct {
	Deleted []string
	Failed  []DeleteFailure
}

// Err returns a *PartialBatchFailure when any id failed, nil otherwise.
func (r DeleteManyResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &PartialBatchFailure{Failed: r.Failed}
}
