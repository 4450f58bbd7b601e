package sessions

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"session-store/internal/shared/metrics"
	"session-store/internal/shared/storage/object"
	"session-store/internal/shared/telemetry"
)

const (
	// sniffLen is how much of an upload is inspected to pick a content type.
	sniffLen       = 3072
	copyBufferSize = 32 << 10
)

// Service moves session archives between callers and the object store.
// It holds no per-session state; concurrent uploads to one id race and the
// backend keeps the last complete write.
type Service struct {
	Store      object.Store
	StagingDir string

	ready atomic.Bool
}

// NewService constructs a Service. Init must succeed before any data
// operation is accepted.
func NewService(store object.Store, stagingDir string) *Service {
	return &Service{Store: store, StagingDir: stagingDir}
}

// Init ensures the bucket exists and opens the service for traffic.
func (s *Service) Init(ctx context.Context) error {
	bucket := s.Store.Bucket()
	exists, err := s.Store.BucketExists(ctx)
	if err != nil {
		return &ConfigurationError{Bucket: bucket, Err: err}
	}
	if !exists {
		if err := s.Store.MakeBucket(ctx); err != nil {
			return &ConfigurationError{Bucket: bucket, Err: err}
		}
		telemetry.Info("session.bucket_created", map[string]any{"bucket": bucket})
	}
	s.ready.Store(true)
	return nil
}

// Ready reports whether Init has succeeded.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

func (s *Service) guard(sessionID string) error {
	if !s.ready.Load() {
		return ErrNotReady
	}
	return ValidateSessionID(sessionID)
}

// Upload writes r as the archive of sessionID. contentLength is -1 when
// unknown. The whole stream is consumed before success is reported.
func (s *Service) Upload(ctx context.Context, sessionID string, r io.Reader, contentLength int64) (res UploadResult, err error) {
	const op = "upload"
	if err := s.guard(sessionID); err != nil {
		return UploadResult{}, err
	}
	start := time.Now()
	defer metrics.TrackTransfer(metrics.DirectionUpload)()
	defer func() { s.observe(op, sessionID, start, err) }()

	body := bufio.NewReaderSize(r, sniffLen)
	head, peekErr := body.Peek(sniffLen)
	if peekErr != nil && !errors.Is(peekErr, io.EOF) {
		return UploadResult{}, &TransferError{Op: op, SessionID: sessionID, Err: peekErr}
	}
	opts := object.PutOptions{ContentType: mimetype.Detect(head).String()}
	key := ObjectKeyFor(sessionID)

	var written int64
	if contentLength < 0 && requiresContentLength(s.Store) {
		written, err = s.putStaged(ctx, key, body, opts)
	} else {
		written, err = s.Store.PutObject(ctx, key, body, contentLength, opts)
	}
	if err != nil {
		return UploadResult{}, &TransferError{Op: op, SessionID: sessionID, Err: err}
	}
	if contentLength >= 0 && written != contentLength {
		return UploadResult{}, &TransferError{
			Op:        op,
			SessionID: sessionID,
			Err:       fmt.Errorf("wrote %d of %d declared bytes: %w", written, contentLength, io.ErrUnexpectedEOF),
		}
	}
	metrics.AddTransferred(metrics.DirectionUpload, written)

	return UploadResult{SessionID: sessionID, Size: written, ContentType: opts.ContentType}, nil
}

// putStaged spools a stream of unknown length to disk for backends that need
// the size up front. The staging file is removed on every path.
func (s *Service) putStaged(ctx context.Context, key string, r io.Reader, opts object.PutOptions) (int64, error) {
	f, err := os.CreateTemp(s.StagingDir, "session-upload-*")
	if err != nil {
		return 0, fmt.Errorf("create staging file: %w", err)
	}
	path := f.Name()
	defer func() {
		_ = f.Close()
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			telemetry.Warn("session.staging_cleanup_failed", map[string]any{"path": path, "error": rmErr})
		}
	}()

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(f, readerWithContext(ctx, r), buf); err != nil {
		return 0, fmt.Errorf("stage upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("stage upload: %w", err)
	}
	return s.Store.PutObjectFromPath(ctx, key, path, opts)
}

// Download opens the archive of sessionID. found is false, with a nil error,
// when no archive exists.
func (s *Service) Download(ctx context.Context, sessionID string) (d Download, found bool, err error) {
	const op = "download"
	if err := s.guard(sessionID); err != nil {
		return Download{}, false, err
	}
	start := time.Now()
	defer func() { s.observeLookup(op, sessionID, start, found, err) }()

	body, info, err := s.Store.GetObject(ctx, ObjectKeyFor(sessionID))
	if err != nil {
		if object.IsNotFound(err) {
			return Download{}, false, nil
		}
		return Download{}, false, fmt.Errorf("open session %s: %w", sessionID, err)
	}
	return Download{
		Record:      ToRecord(sessionID, info),
		ContentType: info.ContentType,
		Body:        body,
	}, true, nil
}

// Relay copies the archive of sessionID from src to dst through a fixed
// buffer and closes src on every path. Cancelling ctx closes src so a
// stalled read is torn down.
func (s *Service) Relay(ctx context.Context, sessionID string, dst io.Writer, src io.ReadCloser) (int64, error) {
	defer metrics.TrackTransfer(metrics.DirectionDownload)()
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer func() {
		stop()
		_ = src.Close()
	}()

	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(dst, src, buf)
	metrics.AddTransferred(metrics.DirectionDownload, n)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return n, &TransferError{Op: "download", SessionID: sessionID, Err: err}
	}
	return n, nil
}

// Exists probes for the archive without fetching it.
func (s *Service) Exists(ctx context.Context, sessionID string) (found bool, err error) {
	const op = "exists"
	if err := s.guard(sessionID); err != nil {
		return false, err
	}
	start := time.Now()
	defer func() { s.observeLookup(op, sessionID, start, found, err) }()

	if _, err := s.Store.StatObject(ctx, ObjectKeyFor(sessionID)); err != nil {
		if object.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat session %s: %w", sessionID, err)
	}
	return true, nil
}

// GetMetadata returns the record of sessionID, or found=false.
func (s *Service) GetMetadata(ctx context.Context, sessionID string) (rec Record, found bool, err error) {
	const op = "metadata"
	if err := s.guard(sessionID); err != nil {
		return Record{}, false, err
	}
	start := time.Now()
	defer func() { s.observeLookup(op, sessionID, start, found, err) }()

	info, err := s.Store.StatObject(ctx, ObjectKeyFor(sessionID))
	if err != nil {
		if object.IsNotFound(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("stat session %s: %w", sessionID, err)
	}
	return ToRecord(sessionID, info), true, nil
}

// Walk streams one record per session to fn. When a session has several
// objects the first one enumerated wins. A non-nil error from fn stops the
// walk and is returned as is.
func (s *Service) Walk(ctx context.Context, fn func(Record) error) (err error) {
	const op = "list"
	if !s.ready.Load() {
		return ErrNotReady
	}
	start := time.Now()
	defer func() { s.observe(op, "", start, err) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	seen := make(map[string]struct{})
	for info := range s.Store.ListObjects(ctx, "", true) {
		if info.Err != nil {
			// A bucket removed out from under a ready service lists as empty.
			if object.IsNotFound(info.Err) {
				return nil
			}
			return fmt.Errorf("list sessions: %w", info.Err)
		}
		sessionID, ok := SessionIDFromObjectKey(info.Key)
		if !ok {
			continue
		}
		if _, dup := seen[sessionID]; dup {
			continue
		}
		seen[sessionID] = struct{}{}
		if err := fn(ToRecord(sessionID, info)); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// ListAll collects Walk. An empty bucket yields an empty, non-nil slice.
func (s *Service) ListAll(ctx context.Context) ([]Record, error) {
	records := make([]Record, 0)
	err := s.Walk(ctx, func(r Record) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes the archive of sessionID. Removing an absent session succeeds.
func (s *Service) Delete(ctx context.Context, sessionID string) (err error) {
	const op = "delete"
	if err := s.guard(sessionID); err != nil {
		return err
	}
	start := time.Now()
	defer func() { s.observe(op, sessionID, start, err) }()

	if err := s.Store.RemoveObject(ctx, ObjectKeyFor(sessionID)); err != nil && !object.IsNotFound(err) {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteMany removes several sessions in one backend batch. Invalid ids are
// reported as failed without reaching the backend. The returned error is
// reserved for failures of the batch as a whole; per-id failures are in the
// result.
func (s *Service) DeleteMany(ctx context.Context, sessionIDs []string) (res DeleteManyResult, err error) {
	const op = "delete_many"
	if !s.ready.Load() {
		return DeleteManyResult{}, ErrNotReady
	}
	start := time.Now()
	defer func() {
		observed := err
		if observed == nil {
			observed = res.Err()
		}
		s.observe(op, "", start, observed)
	}()

	res = DeleteManyResult{Deleted: []string{}, Failed: []DeleteFailure{}}
	keys := make([]string, 0, len(sessionIDs))
	idByKey := make(map[string]string, len(sessionIDs))
	for _, id := range sessionIDs {
		if verr := ValidateSessionID(id); verr != nil {
			res.Failed = append(res.Failed, DeleteFailure{SessionID: id, Reason: verr.Error()})
			continue
		}
		key := ObjectKeyFor(id)
		if _, dup := idByKey[key]; dup {
			continue
		}
		idByKey[key] = id
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return res, nil
	}

	removeErrs, err := s.Store.RemoveObjects(ctx, keys)
	if err != nil {
		return DeleteManyResult{}, fmt.Errorf("delete sessions: %w", err)
	}
	failed := make(map[string]struct{}, len(removeErrs))
	for _, rerr := range removeErrs {
		if object.IsNotFound(rerr.Err) {
			continue
		}
		id, ok := idByKey[rerr.Key]
		if !ok {
			id, _ = SessionIDFromObjectKey(rerr.Key)
		}
		failed[rerr.Key] = struct{}{}
		res.Failed = append(res.Failed, DeleteFailure{SessionID: id, Reason: rerr.Err.Error()})
	}
	for _, key := range keys {
		if _, bad := failed[key]; !bad {
			res.Deleted = append(res.Deleted, idByKey[key])
		}
	}
	return res, nil
}

// observe records metrics for op and logs real failures with enough context
// to find the session.
func (s *Service) observe(op, sessionID string, start time.Time, err error) {
	elapsed := time.Since(start)
	if err == nil {
		metrics.ObserveOperation(op, metrics.OutcomeOK, elapsed)
		return
	}
	metrics.ObserveOperation(op, metrics.OutcomeError, elapsed)
	fields := map[string]any{
		"operation":   op,
		"error":       err,
		"duration_ms": float64(elapsed.Microseconds()) / 1000.0,
	}
	if sessionID != "" {
		fields["session_id"] = sessionID
	}
	var partial *PartialBatchFailure
	if errors.As(err, &partial) {
		fields["failed_ids"] = partial.FailedIDs()
		telemetry.Warn("session.operation_partial", fields)
		return
	}
	telemetry.Error("session.operation_failed", fields)
}

// observeLookup is observe for operations with a not-found outcome, which is
// counted but never logged.
func (s *Service) observeLookup(op, sessionID string, start time.Time, found bool, err error) {
	if err == nil && !found {
		metrics.ObserveOperation(op, metrics.OutcomeNotFound, time.Since(start))
		return
	}
	s.observe(op, sessionID, start, err)
}

func requiresContentLength(store object.Store) bool {
	r, ok := store.(object.ContentLengthRequirer)
	return ok && r.RequiresContentLength()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
