package sessions_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"session-store/internal/bootstrap"
	"session-store/internal/shared/config"
	localstore "session-store/internal/shared/storage/object/local"
)

const testInstanceID = "test-node-1"

func newTestRouter(t *testing.T, maxUpload int64) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		Env:             "dev",
		InstanceID:      testInstanceID,
		ObjectStoreType: config.StoreLocal,
		BucketName:      "sessions",
		LocalStoreDir:   t.TempDir(),
		StagingDir:      t.TempDir(),
		MaxUploadBytes:  maxUpload,
	}
	store, err := localstore.New(cfg.LocalStoreDir, cfg.BucketName)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	app, err := bootstrap.BuildWithStore(context.Background(), cfg, store)
	if err != nil {
		t.Fatalf("bootstrap build: %v", err)
	}
	return app.Router
}

func do(t *testing.T, router http.Handler, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if got := resp.Header().Get("X-Instance-Id"); got != testInstanceID {
		t.Fatalf("%s %s: expected X-Instance-Id %q, got %q", method, path, testInstanceID, got)
	}
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, resp.Body.String())
	}
}

func TestSessionLifecycle(t *testing.T) {
	router := newTestRouter(t, 0)
	archive := bytes.Repeat([]byte("session-state-"), 5000)

	resp := do(t, router, http.MethodPut, "/api/v1/sessions/sess-1", archive, "application/gzip")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		Success    bool   `json:"success"`
		SessionID  string `json:"sessionId"`
		Size       int64  `json:"size"`
		InstanceID string `json:"instanceId"`
	}
	decode(t, resp, &created)
	if !created.Success || created.SessionID != "sess-1" || created.Size != int64(len(archive)) {
		t.Fatalf("unexpected upload response: %+v", created)
	}
	if created.InstanceID != testInstanceID {
		t.Fatalf("expected instanceId %q, got %q", testInstanceID, created.InstanceID)
	}

	resp = do(t, router, http.MethodGet, "/api/v1/sessions/sess-1", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !bytes.Equal(resp.Body.Bytes(), archive) {
		t.Fatalf("downloaded bytes differ from upload")
	}
	if got := resp.Header().Get("Content-Length"); got != strconv.Itoa(len(archive)) {
		t.Fatalf("expected Content-Length %d, got %q", len(archive), got)
	}
	if got := resp.Header().Get("Content-Disposition"); !strings.Contains(got, "sess-1.tar.gz") {
		t.Fatalf("unexpected Content-Disposition %q", got)
	}

	resp = do(t, router, http.MethodHead, "/api/v1/sessions/sess-1", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("HEAD expected 200, got %d", resp.Code)
	}

	resp = do(t, router, http.MethodGet, "/api/v1/sessions/sess-1/exists", nil, "")
	var exists struct {
		Exists     bool   `json:"exists"`
		InstanceID string `json:"instanceId"`
	}
	decode(t, resp, &exists)
	if !exists.Exists || exists.InstanceID != testInstanceID {
		t.Fatalf("unexpected exists response: %+v", exists)
	}

	resp = do(t, router, http.MethodGet, "/api/v1/sessions/sess-1/metadata", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("metadata expected 200, got %d", resp.Code)
	}
	var meta struct {
		SessionID    string `json:"sessionId"`
		Size         *int64 `json:"size"`
		CreatedAt    string `json:"createdAt"`
		LastModified string `json:"lastModified"`
		InstanceID   string `json:"instanceId"`
	}
	decode(t, resp, &meta)
	if meta.SessionID != "sess-1" || meta.Size == nil || *meta.Size != int64(len(archive)) || meta.LastModified == "" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	resp = do(t, router, http.MethodDelete, "/api/v1/sessions/sess-1", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("delete expected 200, got %d", resp.Code)
	}
	resp = do(t, router, http.MethodDelete, "/api/v1/sessions/sess-1", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("second delete expected 200, got %d", resp.Code)
	}

	resp = do(t, router, http.MethodHead, "/api/v1/sessions/sess-1", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("HEAD after delete expected 404, got %d", resp.Code)
	}
}

func TestDownloadMissingReturnsNotFoundEnvelope(t *testing.T) {
	router := newTestRouter(t, 0)

	for _, path := range []string{"/api/v1/sessions/nope", "/api/v1/sessions/nope/metadata"} {
		resp := do(t, router, http.MethodGet, path, nil, "")
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s expected 404, got %d", path, resp.Code)
		}
		var payload struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
			InstanceID string `json:"instanceId"`
		}
		decode(t, resp, &payload)
		if payload.Error.Code != "not_found" || payload.InstanceID != testInstanceID {
			t.Fatalf("%s unexpected body: %+v", path, payload)
		}
	}

	resp := do(t, router, http.MethodGet, "/api/v1/sessions/nope/exists", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("exists expected 200, got %d", resp.Code)
	}
	var exists struct {
		Exists bool `json:"exists"`
	}
	decode(t, resp, &exists)
	if exists.Exists {
		t.Fatalf("expected exists=false")
	}
}

func TestMultipartUpload(t *testing.T) {
	router := newTestRouter(t, 0)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("note", "ignored"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fileWriter, err := writer.CreateFormFile("file", "session.tar.gz")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fileWriter.Write([]byte("multipart archive")); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	resp := do(t, router, http.MethodPost, "/api/v1/sessions/multi", body.Bytes(), writer.FormDataContentType())
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = do(t, router, http.MethodGet, "/api/v1/sessions/multi", nil, "")
	if resp.Body.String() != "multipart archive" {
		t.Fatalf("unexpected archive %q", resp.Body.String())
	}
}

func TestMultipartUploadRequiresFileField(t *testing.T) {
	router := newTestRouter(t, 0)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	_ = writer.WriteField("other", "value")
	_ = writer.Close()

	resp := do(t, router, http.MethodPost, "/api/v1/sessions/multi", body.Bytes(), writer.FormDataContentType())
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestInvalidSessionIDIsValidationError(t *testing.T) {
	router := newTestRouter(t, 0)

	resp := do(t, router, http.MethodPut, "/api/v1/sessions/.hidden", []byte("x"), "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, resp, &payload)
	if payload.Error.Code != "validation_error" {
		t.Fatalf("expected validation_error, got %q", payload.Error.Code)
	}
}

func TestUploadOverLimitIsRejected(t *testing.T) {
	router := newTestRouter(t, 1024)

	resp := do(t, router, http.MethodPut, "/api/v1/sessions/big", bytes.Repeat([]byte("x"), 2048), "")
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}

	resp = do(t, router, http.MethodHead, "/api/v1/sessions/big", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("rejected upload must not be stored, HEAD got %d", resp.Code)
	}
}

func TestListAndDeleteMany(t *testing.T) {
	router := newTestRouter(t, 0)

	for _, id := range []string{"a", "b", "c"} {
		resp := do(t, router, http.MethodPut, "/api/v1/sessions/"+id, []byte("data-"+id), "")
		if resp.Code != http.StatusCreated {
			t.Fatalf("upload %s expected 201, got %d", id, resp.Code)
		}
	}

	resp := do(t, router, http.MethodGet, "/api/v1/sessions", nil, "")
	var listed struct {
		Count    int `json:"count"`
		Sessions []struct {
			SessionID string `json:"sessionId"`
		} `json:"sessions"`
		InstanceID string `json:"instanceId"`
	}
	decode(t, resp, &listed)
	if listed.Count != 3 || len(listed.Sessions) != 3 || listed.InstanceID != testInstanceID {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	resp = do(t, router, http.MethodPost, "/api/v1/sessions/delete", []byte(`{"sessionIds":["a","b"]}`), "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = do(t, router, http.MethodPost, "/api/v1/sessions/delete", []byte(`{"sessionIds":["c","../etc"]}`), "application/json")
	if resp.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d: %s", resp.Code, resp.Body.String())
	}
	var partial struct {
		Success bool     `json:"success"`
		Deleted []string `json:"deleted"`
		Failed  []struct {
			SessionID string `json:"sessionId"`
			Error     string `json:"error"`
		} `json:"failed"`
	}
	decode(t, resp, &partial)
	if partial.Success || len(partial.Deleted) != 1 || partial.Deleted[0] != "c" {
		t.Fatalf("unexpected partial result: %+v", partial)
	}
	if len(partial.Failed) != 1 || partial.Failed[0].SessionID != "../etc" || partial.Failed[0].Error == "" {
		t.Fatalf("unexpected failures: %+v", partial.Failed)
	}

	resp = do(t, router, http.MethodGet, "/api/v1/sessions", nil, "")
	decode(t, resp, &listed)
	if listed.Count != 0 || listed.Sessions == nil {
		t.Fatalf("expected empty non-null listing, got %+v", listed)
	}
}

func TestDeleteManyRequiresIDs(t *testing.T) {
	router := newTestRouter(t, 0)

	resp := do(t, router, http.MethodPost, "/api/v1/sessions/delete", []byte(`{}`), "application/json")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, 0)

	resp := do(t, router, http.MethodGet, "/api/v1/health", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("health expected 200, got %d", resp.Code)
	}
	var health struct {
		OK         bool   `json:"ok"`
		Ready      bool   `json:"ready"`
		InstanceID string `json:"instanceId"`
	}
	decode(t, resp, &health)
	if !health.OK || !health.Ready || health.InstanceID != testInstanceID {
		t.Fatalf("unexpected health: %+v", health)
	}

	do(t, router, http.MethodPut, "/api/v1/sessions/m", []byte("metric"), "")
	resp = do(t, router, http.MethodGet, "/metrics", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("metrics expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "session_store_operations_total") {
		t.Fatalf("expected session_store_operations_total in metrics output")
	}
}
