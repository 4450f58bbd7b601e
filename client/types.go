package client

import (
	"fmt"
	"io"
	"time"
)

// Record describes a stored session as reported by the server.
type Record struct {
	SessionID    string    `json:"sessionId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
	Size         *int64    `json:"size,omitempty"`
	InstanceID   string    `json:"instanceId,omitempty"`
}

// UploadResult acknowledges a stored archive.
type UploadResult struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId"`
	Size       int64  `json:"size"`
	InstanceID string `json:"instanceId"`
}

// ListResult is one full listing of the store.
type ListResult struct {
	Count      int      `json:"count"`
	Sessions   []Record `json:"sessions"`
	InstanceID string   `json:"instanceId"`
}

// ExistsResult answers an existence probe and names the instance that
// served it.
type ExistsResult struct {
	SessionID  string `json:"sessionId"`
	Exists     bool   `json:"exists"`
	InstanceID string `json:"instanceId"`
}

// DeleteResult acknowledges a single delete. Deleting an absent session
// succeeds.
type DeleteResult struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId"`
	InstanceID string `json:"instanceId"`
}

// DeleteFailure names a session a bulk delete could not remove.
type DeleteFailure struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// DeleteManyResult reports a bulk delete. Success is false when any id is
// listed in Failed.
type DeleteManyResult struct {
	Success    bool            `json:"success"`
	Deleted    []string        `json:"deleted"`
	Failed     []DeleteFailure `json:"failed"`
	InstanceID string          `json:"instanceId"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	InstanceID string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("session store: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("session store: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	InstanceID string `json:"instanceId"`
}

// Download is an open archive stream. Reading past the end of a stream that
// is shorter than the advertised size fails with io.ErrUnexpectedEOF.
type Download struct {
	SessionID   string
	Size        int64
	ContentType string
	InstanceID  string

	body io.ReadCloser
	read int64
}

func (d *Download) Read(p []byte) (int, error) {
	n, err := d.body.Read(p)
	d.read += int64(n)
	if err == io.EOF && d.Size >= 0 && d.read != d.Size {
		return n, fmt.Errorf("session %s truncated after %d of %d bytes: %w", d.SessionID, d.read, d.Size, io.ErrUnexpectedEOF)
	}
	return n, err
}

func (d *Download) Close() error {
	return d.body.Close()
}
