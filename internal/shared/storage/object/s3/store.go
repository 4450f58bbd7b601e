package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"session-store/internal/shared/storage/object"
)

const (
	maxDeleteBatch   = 1000
	deleteBatchLimit = 3
	listPageSize     = 1000
)

// API is the subset of the S3 client used by Store.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

var _ API = (*s3.Client)(nil)

// Options configures the S3 client. Endpoint, AccessKey and SecretKey are
// only needed for S3-compatible stores outside AWS.
type Options struct {
	Region         string
	Bucket         string
	Prefix         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	KMSKeyID       string
}

// Store implements object.Store using Amazon S3.
type Store struct {
	client   API
	bucket   string
	prefix   string
	region   string
	kmsKeyID string
}

// New creates a new S3-backed object store.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			// Most S3-compatible stores reject the flexible checksums newer
			// SDKs send by default.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		o.UsePathStyle = opts.ForcePathStyle
	})

	return NewWithClient(client, opts), nil
}

// NewWithClient wraps an existing S3 API implementation.
func NewWithClient(client API, opts Options) *Store {
	return &Store{
		client:   client,
		bucket:   opts.Bucket,
		prefix:   normalizePrefix(opts.Prefix),
		region:   opts.Region,
		kmsKeyID: strings.TrimSpace(opts.KMSKeyID),
	}
}

func (s *Store) Bucket() string { return s.bucket }

// RequiresContentLength is always true: PutObject cannot send a body of
// unknown length.
func (s *Store) RequiresContentLength() bool { return true }

// BucketExists probes the bucket with HeadBucket.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head bucket bucket=%s: %w", s.bucket, err)
	}
	return true, nil
}

// MakeBucket creates the bucket, treating "already owned by you" as success.
func (s *Store) MakeBucket(ctx context.Context) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("s3 create bucket bucket=%s: %w", s.bucket, err)
	}
	return nil
}

// PutObject uploads r under key. size must be known; non-seekable bodies are
// sent with an unsigned payload so they are never buffered.
func (s *Store) PutObject(ctx context.Context, key string, r io.Reader, size int64, opts object.PutOptions) (int64, error) {
	if size < 0 {
		return 0, fmt.Errorf("s3 put object key=%s: content length is required", key)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	objectKey := applyPrefix(s.prefix, key)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentTypeOrDefault(opts.ContentType)),
	}
	if s.kmsKeyID != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(s.kmsKeyID)
	}

	var optFns []func(*s3.Options)
	counter := &countingReader{r: r}
	if _, seekable := r.(io.Seeker); !seekable {
		input.Body = counter
		optFns = append(optFns, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	}

	if _, err := s.client.PutObject(ctx, input, optFns...); err != nil {
		return 0, fmt.Errorf("s3 put object bucket=%s key=%s: %w", s.bucket, objectKey, classify(err))
	}
	if input.Body == counter {
		return counter.n, nil
	}
	return size, nil
}

// PutObjectFromPath uploads a local file, using its size as content length.
func (s *Store) PutObjectFromPath(ctx context.Context, key, filePath string, opts object.PutOptions) (int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source file: %w", err)
	}
	return s.PutObject(ctx, key, f, info.Size(), opts)
}

// GetObject downloads a stored object for reading. Size and type come from
// the GetObject response itself.
func (s *Store) GetObject(ctx context.Context, key string) (io.ReadCloser, object.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, object.ObjectInfo{}, err
	}

	objectKey := applyPrefix(s.prefix, key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, object.ObjectInfo{}, fmt.Errorf("s3 get object bucket=%s key=%s: %w", s.bucket, objectKey, classify(err))
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, object.ObjectInfo{
		Key:          key,
		Size:         size,
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}, nil
}

// StatObject issues a HeadObject request.
func (s *Store) StatObject(ctx context.Context, key string) (object.ObjectInfo, error) {
	objectKey := applyPrefix(s.prefix, key)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return object.ObjectInfo{}, fmt.Errorf("s3 head object bucket=%s key=%s: %w", s.bucket, objectKey, classify(err))
	}
	return object.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}, nil
}

// ListObjects pages through ListObjectsV2 and streams each entry.
func (s *Store) ListObjects(ctx context.Context, prefix string, recursive bool) <-chan object.ObjectInfo {
	out := make(chan object.ObjectInfo, 100)

	go func() {
		defer close(out)

		input := &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.bucket),
			MaxKeys: aws.Int32(listPageSize),
		}
		if p := applyPrefix(s.prefix, prefix); p != "" {
			input.Prefix = aws.String(p)
		}
		if !recursive {
			input.Delimiter = aws.String("/")
		}

		paginator := s3.NewListObjectsV2Paginator(s.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- object.ObjectInfo{Err: fmt.Errorf("s3 list objects bucket=%s: %w", s.bucket, classify(err))}:
				case <-ctx.Done():
				}
				return
			}
			for _, obj := range page.Contents {
				info := object.ObjectInfo{
					Key:          stripPrefix(s.prefix, aws.ToString(obj.Key)),
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
				}
				select {
				case out <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// RemoveObject deletes key. Deleting an absent key succeeds.
func (s *Store) RemoveObject(ctx context.Context, key string) error {
	objectKey := applyPrefix(s.prefix, key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil
		}
		return fmt.Errorf("s3 delete object bucket=%s key=%s: %w", s.bucket, objectKey, classify(err))
	}
	return nil
}

// RemoveObjects deletes keys in batches of up to 1000, running a few batches
// concurrently. A batch whose request fails reports every key in it.
func (s *Store) RemoveObjects(ctx context.Context, keys []string) ([]object.RemoveError, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	var (
		mu     sync.Mutex
		failed []object.RemoveError
	)
	record := func(errs ...object.RemoveError) {
		mu.Lock()
		failed = append(failed, errs...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteBatchLimit)
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		batch := keys[start:end]
		g.Go(func() error {
			errs, err := s.deleteBatch(gctx, batch)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				for _, key := range batch {
					record(object.RemoveError{Key: key, Err: err})
				}
				return nil
			}
			record(errs...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed, err
	}
	return failed, nil
}

func (s *Store) deleteBatch(ctx context.Context, keys []string) ([]object.RemoveError, error) {
	ids := make([]s3types.ObjectIdentifier, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(applyPrefix(s.prefix, key))})
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &s3types.Delete{
			Objects: ids,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("s3 delete objects bucket=%s: %w", s.bucket, classify(err))
	}

	var failed []object.RemoveError
	for _, e := range out.Errors {
		code := aws.ToString(e.Code)
		if code == "NoSuchKey" {
			continue
		}
		failed = append(failed, object.RemoveError{
			Key: stripPrefix(s.prefix, aws.ToString(e.Key)),
			Err: fmt.Errorf("%s: %s", code, aws.ToString(e.Message)),
		})
	}
	return failed, nil
}

// classify marks S3 not-found responses with object.ErrNotFound.
func classify(err error) error {
	if isNotFound(err) {
		return object.NotFound(err)
	}
	return err
}

func isNotFound(err error) bool {
	var (
		noKey    *s3types.NoSuchKey
		notFound *s3types.NotFound
		noBucket *s3types.NoSuchBucket
	)
	if errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func applyPrefix(prefix, key string) string {
	cleanPrefix := strings.Trim(prefix, "/")
	cleanKey := strings.TrimLeft(key, "/")
	if cleanPrefix == "" {
		return cleanKey
	}
	if cleanKey == "" {
		return cleanPrefix + "/"
	}
	return cleanPrefix + "/" + cleanKey
}

func stripPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

var _ object.Store = (*Store)(nil)
