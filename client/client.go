// Package client talks to a session store over HTTP. Idempotent calls are
// retried with exponential backoff; uploads are sent exactly once because the
// body is a one-shot stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	apiPrefix          = "/api/v1"
	instanceIDHeader   = "X-Instance-Id"
	defaultRetries     = 3
	defaultBackoffBase = 200 * time.Millisecond
	copyBufferSize     = 32 << 10
)

// Client is safe for concurrent use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retries     int
	backoffBase time.Duration
	timeout     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetries sets how many times an idempotent call is retried after the
// first attempt. Zero disables retries.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithTimeout bounds every call, including the time spent reading a
// download body.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New constructs a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid session store url %q", baseURL)
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{},
		retries:     defaultRetries,
		backoffBase: defaultBackoffBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c, nil
}

// Upload stores r as the archive of sessionID. size is -1 when unknown.
func (c *Client) Upload(ctx context.Context, sessionID string, r io.Reader, size int64) (UploadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.sessionURL(sessionID, ""), r)
	if err != nil {
		return UploadResult{}, err
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return UploadResult{}, decodeAPIError(resp)
	}
	var out UploadResult
	if err := decodeJSON(resp, &out); err != nil {
		return UploadResult{}, err
	}
	return out, nil
}

// Download opens the archive of sessionID. found is false when the server
// has no such session. The caller must close the returned stream.
func (c *Client) Download(ctx context.Context, sessionID string) (*Download, bool, error) {
	resp, err := c.send(ctx, http.MethodGet, c.sessionURL(sessionID, ""), nil)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		drainClose(resp)
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		defer drainClose(resp)
		return nil, false, decodeAPIError(resp)
	}
	return &Download{
		SessionID:   sessionID,
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
		InstanceID:  resp.Header.Get(instanceIDHeader),
		body:        resp.Body,
	}, true, nil
}

// DownloadTo copies the archive of sessionID into w.
func (c *Client) DownloadTo(ctx context.Context, sessionID string, w io.Writer) (int64, bool, error) {
	d, found, err := c.Download(ctx, sessionID)
	if err != nil || !found {
		return 0, found, err
	}
	defer d.Close()
	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(w, d, buf)
	if err != nil {
		return n, true, fmt.Errorf("download session %s: %w", sessionID, err)
	}
	return n, true, nil
}

// Exists reports whether the server holds an archive for sessionID.
func (c *Client) Exists(ctx context.Context, sessionID string) (ExistsResult, error) {
	resp, err := c.send(ctx, http.MethodHead, c.sessionURL(sessionID, ""), nil)
	if err != nil {
		return ExistsResult{}, err
	}
	defer drainClose(resp)
	res := ExistsResult{SessionID: sessionID, InstanceID: resp.Header.Get(instanceIDHeader)}
	switch resp.StatusCode {
	case http.StatusOK:
		res.Exists = true
		return res, nil
	case http.StatusNotFound:
		return res, nil
	default:
		return ExistsResult{}, decodeAPIError(resp)
	}
}

// Metadata returns the record of sessionID, or found=false.
func (c *Client) Metadata(ctx context.Context, sessionID string) (Record, bool, error) {
	resp, err := c.send(ctx, http.MethodGet, c.sessionURL(sessionID, "/metadata"), nil)
	if err != nil {
		return Record{}, false, err
	}
	defer drainClose(resp)
	if resp.StatusCode == http.StatusNotFound {
		return Record{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Record{}, false, decodeAPIError(resp)
	}
	var rec Record
	if err := decodeJSON(resp, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// List returns every session the server knows about.
func (c *Client) List(ctx context.Context) (ListResult, error) {
	resp, err := c.send(ctx, http.MethodGet, c.baseURL+apiPrefix+"/sessions", nil)
	if err != nil {
		return ListResult{}, err
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusOK {
		return ListResult{}, decodeAPIError(resp)
	}
	var out ListResult
	if err := decodeJSON(resp, &out); err != nil {
		return ListResult{}, err
	}
	if out.Sessions == nil {
		out.Sessions = []Record{}
	}
	return out, nil
}

// Delete removes the archive of sessionID. Deleting an absent session
// succeeds.
func (c *Client) Delete(ctx context.Context, sessionID string) (DeleteResult, error) {
	resp, err := c.send(ctx, http.MethodDelete, c.sessionURL(sessionID, ""), nil)
	if err != nil {
		return DeleteResult{}, err
	}
	defer drainClose(resp)
	res := DeleteResult{Success: true, SessionID: sessionID, InstanceID: resp.Header.Get(instanceIDHeader)}
	switch resp.StatusCode {
	case http.StatusOK:
		var body DeleteResult
		if err := decodeJSON(resp, &body); err != nil {
			return DeleteResult{}, err
		}
		if body.SessionID != "" {
			res.SessionID = body.SessionID
		}
		if body.InstanceID != "" {
			res.InstanceID = body.InstanceID
		}
		return res, nil
	case http.StatusNoContent:
		return res, nil
	default:
		return DeleteResult{}, decodeAPIError(resp)
	}
}

// DeleteMany removes several sessions in one request. Per-id failures are
// reported in the result, not as an error.
func (c *Client) DeleteMany(ctx context.Context, sessionIDs []string) (DeleteManyResult, error) {
	payload, err := json.Marshal(map[string][]string{"sessionIds": sessionIDs})
	if err != nil {
		return DeleteManyResult{}, err
	}
	resp, err := c.send(ctx, http.MethodPost, c.baseURL+apiPrefix+"/sessions/delete", payload)
	if err != nil {
		return DeleteManyResult{}, err
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return DeleteManyResult{}, decodeAPIError(resp)
	}
	var out DeleteManyResult
	if err := decodeJSON(resp, &out); err != nil {
		return DeleteManyResult{}, err
	}
	return out, nil
}

// send performs an idempotent request, retrying transport errors and 5xx
// responses. The returned response has a status below 500 or is the last
// failed attempt decoded into an *APIError.
func (c *Client) send(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var resp *http.Response
	attempt := func() error {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		r, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if r.StatusCode >= http.StatusInternalServerError {
			apiErr := decodeAPIError(r)
			drainClose(r)
			return apiErr
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(attempt, c.policy(ctx)); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return resp, nil
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.backoffBase
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.retries)), ctx)
}

func (c *Client) sessionURL(sessionID, suffix string) string {
	return c.baseURL + apiPrefix + "/sessions/" + url.PathEscape(sessionID) + suffix
}

func decodeJSON(resp *http.Response, out any) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode session store response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		InstanceID: resp.Header.Get(instanceIDHeader),
	}
	var env errorEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		if env.InstanceID != "" {
			apiErr.InstanceID = env.InstanceID
		}
	}
	return apiErr
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
