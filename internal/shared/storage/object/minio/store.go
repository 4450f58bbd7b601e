package minio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"session-store/internal/shared/storage/object"
)

// Unknown-length uploads are sent as multipart with parts of this size, which
// bounds the client-side buffer per upload.
const defaultPartSize = 16 << 20

const cleanupTimeout = 30 * time.Second

// Options configures the MinIO client.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	Prefix    string
	PartSize  uint64
}

// Store implements object.Store on top of minio-go.
type Store struct {
	client   *minio.Client
	bucket   string
	prefix   string
	region   string
	partSize uint64
}

// New creates a MinIO-backed object store. The client is long-lived and safe
// for concurrent use.
func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}

	client, err := minio.New(stripScheme(opts.Endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	partSize := opts.PartSize
	if partSize == 0 {
		partSize = defaultPartSize
	}

	return &Store{
		client:   client,
		bucket:   opts.Bucket,
		prefix:   normalizePrefix(opts.Prefix),
		region:   opts.Region,
		partSize: partSize,
	}, nil
}

func (s *Store) Bucket() string { return s.bucket }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return false, fmt.Errorf("minio bucket exists bucket=%s: %w", s.bucket, translateError(err))
	}
	return ok, nil
}

// MakeBucket creates the configured bucket. A bucket that already exists and
// is owned by the caller is not an error.
func (s *Store) MakeBucket(ctx context.Context) error {
	err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("minio make bucket bucket=%s: %w", s.bucket, translateError(err))
	}
	return nil
}

// PutObject streams r into key. On failure any incomplete multipart upload
// left behind for key is removed.
func (s *Store) PutObject(ctx context.Context, key string, r io.Reader, size int64, opts object.PutOptions) (int64, error) {
	objectKey := applyPrefix(s.prefix, key)
	info, err := s.client.PutObject(ctx, s.bucket, objectKey, r, size, s.putOptions(opts))
	if err != nil {
		s.abortIncomplete(ctx, objectKey)
		return 0, fmt.Errorf("minio put object bucket=%s key=%s: %w", s.bucket, objectKey, translateError(err))
	}
	return info.Size, nil
}

// PutObjectFromPath uploads the file at filePath into key.
func (s *Store) PutObjectFromPath(ctx context.Context, key, filePath string, opts object.PutOptions) (int64, error) {
	objectKey := applyPrefix(s.prefix, key)
	info, err := s.client.FPutObject(ctx, s.bucket, objectKey, filePath, s.putOptions(opts))
	if err != nil {
		s.abortIncomplete(ctx, objectKey)
		return 0, fmt.Errorf("minio fput object bucket=%s key=%s: %w", s.bucket, objectKey, translateError(err))
	}
	return info.Size, nil
}

// GetObject opens a stream on key. minio-go defers the request until the
// first read, so the object is stat'ed here to surface not-found eagerly;
// later reads are pinned to the ETag that stat returned.
func (s *Store) GetObject(ctx context.Context, key string) (io.ReadCloser, object.ObjectInfo, error) {
	objectKey := applyPrefix(s.prefix, key)
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, object.ObjectInfo{}, fmt.Errorf("minio get object bucket=%s key=%s: %w", s.bucket, objectKey, translateError(err))
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, object.ObjectInfo{}, fmt.Errorf("minio get object bucket=%s key=%s: %w", s.bucket, objectKey, translateError(err))
	}
	info.Key = objectKey
	return obj, s.toObjectInfo(info), nil
}

// StatObject returns size and modification time without fetching the body.
func (s *Store) StatObject(ctx context.Context, key string) (object.ObjectInfo, error) {
	objectKey := applyPrefix(s.prefix, key)
	info, err := s.client.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return object.ObjectInfo{}, fmt.Errorf("minio stat object bucket=%s key=%s: %w", s.bucket, objectKey, translateError(err))
	}
	return s.toObjectInfo(info), nil
}

// ListObjects relays minio's lazy listing, stripping the store prefix.
func (s *Store) ListObjects(ctx context.Context, prefix string, recursive bool) <-chan object.ObjectInfo {
	out := make(chan object.ObjectInfo, 64)

	go func() {
		defer close(out)

		listCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		src := s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{
			Prefix:    applyPrefix(s.prefix, prefix),
			Recursive: recursive,
		})
		for info := range src {
			entry := s.toObjectInfo(info)
			if info.Err != nil {
				entry = object.ObjectInfo{Err: fmt.Errorf("minio list objects bucket=%s: %w", s.bucket, translateError(info.Err))}
			}
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
			if info.Err != nil {
				return
			}
		}
	}()

	return out
}

// RemoveObject deletes key. S3 semantics make deleting an absent key a no-op.
func (s *Store) RemoveObject(ctx context.Context, key string) error {
	objectKey := applyPrefix(s.prefix, key)
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("minio remove object bucket=%s key=%s: %w", s.bucket, objectKey, translateError(err))
	}
	return nil
}

// RemoveObjects issues a batched delete and collects per-key failures.
func (s *Store) RemoveObjects(ctx context.Context, keys []string) ([]object.RemoveError, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for _, key := range keys {
			select {
			case objectsCh <- minio.ObjectInfo{Key: applyPrefix(s.prefix, key)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var failed []object.RemoveError
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		failed = append(failed, object.RemoveError{
			Key: stripPrefix(s.prefix, rerr.ObjectName),
			Err: translateError(rerr.Err),
		})
	}
	if err := ctx.Err(); err != nil {
		return failed, err
	}
	return failed, nil
}

func (s *Store) putOptions(opts object.PutOptions) minio.PutObjectOptions {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    s.partSize,
	}
}

// abortIncomplete removes the multipart upload a failed put may have left.
// It runs detached from ctx, which is usually already cancelled here.
func (s *Store) abortIncomplete(ctx context.Context, objectKey string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	_ = s.client.RemoveIncompleteUpload(cleanupCtx, s.bucket, objectKey)
}

func (s *Store) toObjectInfo(info minio.ObjectInfo) object.ObjectInfo {
	return object.ObjectInfo{
		Key:          stripPrefix(s.prefix, info.Key),
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}
}

// translateError maps minio's not-found responses onto object.ErrNotFound
// while keeping the original error in the chain.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound", "NoSuchObject":
		return object.NotFound(err)
	}
	if resp.Code == "" && resp.StatusCode == http.StatusNotFound {
		return object.NotFound(err)
	}
	return err
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func applyPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	if key == "" {
		return prefix + "/"
	}
	return prefix + "/" + strings.TrimLeft(key, "/")
}

func stripPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimRight(endpoint, "/")
}

var _ object.Store = (*Store)(nil)
