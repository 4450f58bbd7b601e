package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-store/internal/bootstrap"
	"session-store/internal/shared/config"
	"session-store/internal/shared/storage/object"
	localstore "session-store/internal/shared/storage/object/local"
)

const serverInstanceID = "client-test-node"

func startServer(t *testing.T, store object.Store) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		Env:             "dev",
		InstanceID:      serverInstanceID,
		ObjectStoreType: config.StoreLocal,
		BucketName:      store.Bucket(),
		StagingDir:      t.TempDir(),
	}
	app, err := bootstrap.BuildWithStore(context.Background(), cfg, store)
	require.NoError(t, err)

	srv := httptest.NewServer(app.Router)
	t.Cleanup(srv.Close)
	return srv
}

func newLocalStore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.New(t.TempDir(), "sessions")
	require.NoError(t, err)
	return store
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	c, err := New(baseURL, opts...)
	require.NoError(t, err)
	c.backoffBase = time.Millisecond
	return c
}

func randomArchive(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "://nope"} {
		_, err := New(raw)
		assert.Error(t, err, raw)
	}
}

func TestClientRoundTrip(t *testing.T) {
	srv := startServer(t, newLocalStore(t))
	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	archive := randomArchive(t, 200<<10)

	up, err := c.Upload(ctx, "sess-1", bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	assert.True(t, up.Success)
	assert.Equal(t, int64(len(archive)), up.Size)
	assert.Equal(t, serverInstanceID, up.InstanceID)

	ex, err := c.Exists(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ex.Exists)
	assert.Equal(t, "sess-1", ex.SessionID)
	assert.Equal(t, serverInstanceID, ex.InstanceID)

	rec, found, err := c.Metadata(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, rec.Size)
	assert.Equal(t, int64(len(archive)), *rec.Size)
	assert.Equal(t, serverInstanceID, rec.InstanceID)

	var buf bytes.Buffer
	n, found, err := c.DownloadTo(ctx, "sess-1", &buf)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(len(archive)), n)
	assert.True(t, bytes.Equal(archive, buf.Bytes()))

	del, err := c.Delete(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, del.Success)
	assert.Equal(t, "sess-1", del.SessionID)
	assert.Equal(t, serverInstanceID, del.InstanceID)
	del, err = c.Delete(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, del.Success)

	ex, err = c.Exists(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ex.Exists)
	assert.Equal(t, serverInstanceID, ex.InstanceID)
}

func TestClientUploadUnknownLength(t *testing.T) {
	srv := startServer(t, newLocalStore(t))
	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	archive := randomArchive(t, 70<<10)

	// io.MultiReader hides the length, so the request goes out chunked.
	up, err := c.Upload(ctx, "chunked", io.MultiReader(bytes.NewReader(archive)), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(len(archive)), up.Size)

	d, found, err := c.Download(ctx, "chunked")
	require.NoError(t, err)
	require.True(t, found)
	defer d.Close()
	assert.Equal(t, int64(len(archive)), d.Size)
	assert.Equal(t, serverInstanceID, d.InstanceID)
	got, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(archive, got))
}

func TestClientMissingSession(t *testing.T) {
	srv := startServer(t, newLocalStore(t))
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	d, found, err := c.Download(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, d)

	_, found, err = c.Metadata(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)

	ex, err := c.Exists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ex.Exists)
	assert.Equal(t, serverInstanceID, ex.InstanceID)
}

func TestClientListAndDeleteMany(t *testing.T) {
	srv := startServer(t, newLocalStore(t))
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	empty, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Count)
	assert.NotNil(t, empty.Sessions)

	for _, id := range []string{"a", "b", "c"} {
		_, err := c.Upload(ctx, id, strings.NewReader("archive "+id), -1)
		require.NoError(t, err)
	}

	listed, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, listed.Count)
	assert.Len(t, listed.Sessions, 3)

	res, err := c.DeleteMany(ctx, []string{"a", "b", "bad/id"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Deleted)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "bad/id", res.Failed[0].SessionID)

	res, err = c.DeleteMany(ctx, []string{"c"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Failed)

	listed, err = c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, listed.Count)
}

func TestClientInvalidIDReturnsAPIError(t *testing.T) {
	srv := startServer(t, newLocalStore(t))
	c := newTestClient(t, srv.URL)

	_, err := c.Upload(context.Background(), ".hidden", strings.NewReader("x"), 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "validation_error", apiErr.Code)
	assert.Equal(t, serverInstanceID, apiErr.InstanceID)
	assert.False(t, IsNotFound(err))
}

// flakyHandler answers the first failures requests with 503 and proxies the
// rest to next.
func flakyHandler(failures int32, calls *atomic.Int32, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failures {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(instanceIDHeader, "flaky-node")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"code":"not_ready","message":"warming up"},"instanceId":"flaky-node"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func TestClientRetriesIdempotentCalls(t *testing.T) {
	backend := startServer(t, newLocalStore(t))
	var calls atomic.Int32
	proxy := httptest.NewServer(flakyHandler(2, &calls, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := http.Get(backend.URL + r.URL.Path)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})))
	t.Cleanup(proxy.Close)

	c := newTestClient(t, proxy.URL, WithRetries(3))
	listed, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, listed.Count)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(flakyHandler(100, &calls, http.NotFoundHandler()))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, WithRetries(2))
	_, _, err := c.Metadata(context.Background(), "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "not_ready", apiErr.Code)
	assert.Equal(t, "flaky-node", apiErr.InstanceID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryUpload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(flakyHandler(100, &calls, http.NotFoundHandler()))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, WithRetries(5))
	_, err := c.Upload(context.Background(), "once", strings.NewReader("payload"), 7)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientStopsRetryingOnCancel(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(flakyHandler(100, &calls, http.NotFoundHandler()))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, WithRetries(50))
	require.NoError(t, err)
	c.backoffBase = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err = c.List(ctx)
	require.Error(t, err)
	assert.Less(t, calls.Load(), int32(50))
}

// truncatingStore serves only the first cut bytes of every object and then
// fails the read, as a backend connection reset would.
type truncatingStore struct {
	*localstore.Store
	cut int64
}

func (s *truncatingStore) GetObject(ctx context.Context, key string) (io.ReadCloser, object.ObjectInfo, error) {
	rc, info, err := s.Store.GetObject(ctx, key)
	if err != nil {
		return nil, object.ObjectInfo{}, err
	}
	return struct {
		io.Reader
		io.Closer
	}{
		Reader: io.MultiReader(io.LimitReader(rc, s.cut), iotest.ErrReader(errors.New("connection reset by backend"))),
		Closer: rc,
	}, info, nil
}

func TestClientDetectsTruncatedDownload(t *testing.T) {
	store := &truncatingStore{Store: newLocalStore(t), cut: 96 << 10}
	srv := startServer(t, store)
	c := newTestClient(t, srv.URL, WithRetries(0))
	ctx := context.Background()
	archive := randomArchive(t, 256<<10)

	_, err := c.Upload(ctx, "cut", bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)

	var buf bytes.Buffer
	n, found, err := c.DownloadTo(ctx, "cut", &buf)
	require.True(t, found)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Less(t, n, int64(len(archive)))
}

func TestDownloadReportsShortBody(t *testing.T) {
	d := &Download{
		SessionID: "short",
		Size:      10,
		body:      io.NopCloser(strings.NewReader("12345")),
	}
	_, err := io.ReadAll(d)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	d = &Download{
		SessionID: "unknown",
		Size:      -1,
		body:      io.NopCloser(strings.NewReader("12345")),
	}
	got, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(got))
}

func TestWithTimeoutDoesNotMutateCallerClient(t *testing.T) {
	hc := &http.Client{}
	c, err := New("http://localhost:1", WithHTTPClient(hc), WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), hc.Timeout)
	assert.Equal(t, time.Second, c.httpClient.Timeout)
}
