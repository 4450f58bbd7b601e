package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"session-store/internal/shared/storage/object"
)

const stagingPrefix = ".staging-"

// Store implements object.Store on the local filesystem. Each bucket is a
// directory under baseDir and each key a file path inside it.
type Store struct {
	baseDir string
	bucket  string
}

// New creates a new local object store rooted at baseDir/bucket.
func New(baseDir, bucket string) (*Store, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("local store bucket is required")
	}
	if strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return nil, fmt.Errorf("invalid bucket name %q", bucket)
	}
	return &Store{baseDir: baseDir, bucket: bucket}, nil
}

func (s *Store) Bucket() string { return s.bucket }

func (s *Store) root() string {
	return filepath.Join(s.baseDir, s.bucket)
}

// BucketExists reports whether the bucket directory exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(s.root())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat bucket %s: %w", s.bucket, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("bucket path %s is not a directory", s.root())
	}
	return true, nil
}

// MakeBucket creates the bucket directory.
func (s *Store) MakeBucket(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.root(), 0o755); err != nil {
		return fmt.Errorf("mkdir bucket: %w", err)
	}
	return nil
}

// PutObject writes r to a temp file next to the destination and renames it
// into place, so readers never observe a partially written object.
func (s *Store) PutObject(ctx context.Context, key string, r io.Reader, size int64, opts object.PutOptions) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fullPath, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(s.root()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("bucket %s: %w", s.bucket, object.ErrNotFound)
		}
		return 0, fmt.Errorf("stat bucket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), stagingPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			s.pruneEmptyDirs(filepath.Dir(fullPath))
		}
	}()

	written, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if err != nil {
		return 0, fmt.Errorf("write body: %w", err)
	}
	if size >= 0 && written != size {
		return 0, fmt.Errorf("write body: wrote %d bytes, expected %d: %w", written, size, io.ErrUnexpectedEOF)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	return written, nil
}

// PutObjectFromPath copies the file at filePath into key.
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

// GetObject opens a stored object for reading. The attributes come from the
// open descriptor, so a concurrent rename over key cannot change them.
func (s *Store) GetObject(ctx context.Context, key string) (io.ReadCloser, object.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, object.ObjectInfo{}, err
	}
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, object.ObjectInfo{}, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, object.ObjectInfo{}, fmt.Errorf("get %s: %w", key, object.ErrNotFound)
		}
		return nil, object.ObjectInfo{}, fmt.Errorf("open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, object.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, object.ObjectInfo{}, fmt.Errorf("get %s: %w", key, object.ErrNotFound)
	}
	return f, toObjectInfo(key, info), nil
}

// StatObject returns size and modification time of a stored object.
func (s *Store) StatObject(ctx context.Context, key string) (object.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return object.ObjectInfo{}, err
	}
	fullPath, err := s.resolve(key)
	if err != nil {
		return object.ObjectInfo{}, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return object.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, object.ErrNotFound)
		}
		return object.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		return object.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, object.ErrNotFound)
	}
	return toObjectInfo(key, info), nil
}

// ListObjects walks the bucket directory and streams every stored file.
func (s *Store) ListObjects(ctx context.Context, prefix string, recursive bool) <-chan object.ObjectInfo {
	out := make(chan object.ObjectInfo, 64)

	go func() {
		defer close(out)

		send := func(info object.ObjectInfo) bool {
			select {
			case out <- info:
				return true
			case <-ctx.Done():
				return false
			}
		}

		root := s.root()
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				if p == root && errors.Is(walkErr, fs.ErrNotExist) {
					return fmt.Errorf("bucket %s: %w", s.bucket, object.ErrNotFound)
				}
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if d.IsDir() {
				return nil
			}
			if strings.HasPrefix(d.Name(), stagingPrefix) || !strings.HasPrefix(key, prefix) {
				return nil
			}
			if !recursive && strings.Contains(strings.TrimPrefix(key, prefix), "/") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if !send(toObjectInfo(key, info)) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			send(object.ObjectInfo{Err: fmt.Errorf("list objects: %w", err)})
		}
	}()

	return out
}

// RemoveObject deletes a stored object. Removing an absent key succeeds.
func (s *Store) RemoveObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	s.pruneEmptyDirs(filepath.Dir(fullPath))
	return nil
}

// RemoveObjects deletes every key and reports the ones that failed.
func (s *Store) RemoveObjects(ctx context.Context, keys []string) ([]object.RemoveError, error) {
	var failed []object.RemoveError
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if err := s.RemoveObject(ctx, key); err != nil {
			failed = append(failed, object.RemoveError{Key: key, Err: err})
		}
	}
	return failed, nil
}

func (s *Store) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." || strings.Contains(segment, `\`) {
			return "", fmt.Errorf("invalid object key %q", key)
		}
	}
	return filepath.Join(s.root(), filepath.FromSlash(key)), nil
}

func (s *Store) pruneEmptyDirs(dir string) {
	root := s.root()
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func toObjectInfo(key string, info fs.FileInfo) object.ObjectInfo {
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return object.ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
		ContentType:  contentType,
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ object.Store = (*Store)(nil)
