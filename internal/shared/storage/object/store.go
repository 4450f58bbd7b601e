package object

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned (wrapped) by every Store method when the bucket or
// object it addresses does not exist.
var ErrNotFound = errors.New("object: not found")

// ObjectInfo describes a stored object. Err is only set on entries produced by
// ListObjects when enumeration fails.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	Err          error
}

// PutOptions carries per-object attributes for writes.
type PutOptions struct {
	ContentType string
}

// RemoveError reports a single key that a batched removal could not delete.
type RemoveError struct {
	Key string
	Err error
}

// Store is the capability set the session service needs from an
// S3-compatible backend. All methods address the bucket the store was
// constructed with and must be safe for concurrent use.
type Store interface {
	Bucket() string
	BucketExists(ctx context.Context) (bool, error)
	MakeBucket(ctx context.Context) error

	// PutObject streams r into key. size is -1 when unknown.
	PutObject(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (int64, error)
	PutObjectFromPath(ctx context.Context, key, path string, opts PutOptions) (int64, error)

	// GetObject opens key and reports the attributes of the version opened,
	// so the size and body always describe the same object.
	GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	StatObject(ctx context.Context, key string) (ObjectInfo, error)

	// ListObjects enumerates lazily. The channel is closed when the listing
	// ends or ctx is cancelled; a failed listing delivers one entry with Err set.
	ListObjects(ctx context.Context, prefix string, recursive bool) <-chan ObjectInfo

	RemoveObject(ctx context.Context, key string) error
	RemoveObjects(ctx context.Context, keys []string) ([]RemoveError, error)
}

// ContentLengthRequirer is implemented by stores that cannot accept a stream
// of unknown length. Callers stage such bodies to a file first.
type ContentLengthRequirer interface {
	RequiresContentLength() bool
}

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NotFound wraps a backend-native not-found error so that it matches
// ErrNotFound while keeping the original in the chain.
func NotFound(err error) error {
	if err == nil {
		return ErrNotFound
	}
	return &notFoundError{err: err}
}

type notFoundError struct {
	err error
}

func (e *notFoundError) Error() string { return e.err.Error() }

func (e *notFoundError) Unwrap() []error { return []error{ErrNotFound, e.err} }
