package sessions

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"session-store/internal/shared/server/middleware"
	"session-store/internal/shared/server/respond"
	"session-store/internal/shared/telemetry"
)

// statusClientClosed is logged when the caller goes away mid-request.
const statusClientClosed = 499

// Handler wires HTTP handlers to the service.
type Handler struct {
	Svc            *Service
	MaxUploadBytes int64
}

// NewHandler constructs a Handler. maxUploadBytes <= 0 disables the limit.
func NewHandler(svc *Service, maxUploadBytes int64) *Handler {
	return &Handler{Svc: svc, MaxUploadBytes: maxUploadBytes}
}

// RegisterRoutes attaches session routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.list)
	rg.POST("/sessions/delete", h.deleteMany)
	rg.PUT("/sessions/:sessionId", h.upload)
	rg.POST("/sessions/:sessionId", h.upload)
	rg.GET("/sessions/:sessionId", h.download)
	rg.HEAD("/sessions/:sessionId", h.head)
	rg.GET("/sessions/:sessionId/exists", h.exists)
	rg.GET("/sessions/:sessionId/metadata", h.metadata)
	rg.DELETE("/sessions/:sessionId", h.delete)
}

func (h *Handler) upload(c *gin.Context) {
	sessionID := h.begin(c, "upload")
	if err := ValidateSessionID(sessionID); err != nil {
		h.fail(c, err)
		return
	}

	length := c.Request.ContentLength
	if h.MaxUploadBytes > 0 {
		if length > h.MaxUploadBytes {
			respond.Error(c, http.StatusRequestEntityTooLarge, "payload_too_large", "archive exceeds upload limit", gin.H{"limit": h.MaxUploadBytes})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes)
	}

	var body io.Reader = c.Request.Body
	if isMultipart(c.GetHeader("Content-Type")) {
		part, err := filePart(c.Request)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "file is required", nil)
			return
		}
		defer part.Close()
		body = part
		length = -1
	}

	res, err := h.Svc.Upload(c.Request.Context(), sessionID, body, length)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Set("bytes", res.Size)

	respond.JSON(c, http.StatusCreated, uploadResponse{
		Success:    true,
		SessionID:  sessionID,
		Size:       res.Size,
		InstanceID: middleware.InstanceIDFromContext(c),
	})
}

func (h *Handler) download(c *gin.Context) {
	sessionID := h.begin(c, "download")
	ctx := c.Request.Context()

	d, found, err := h.Svc.Download(ctx, sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !found {
		respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		return
	}

	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/gzip"
	}
	size := int64(-1)
	if d.Record.Size != nil {
		size = *d.Record.Size
	}
	respond.Attachment(c, sessionID+".tar.gz", contentType, size)

	n, err := h.Svc.Relay(ctx, sessionID, c.Writer, d.Body)
	c.Set("bytes", n)
	if err == nil && size >= 0 && n != size {
		err = &TransferError{Op: "download", SessionID: sessionID, Err: io.ErrUnexpectedEOF}
	}
	if err != nil {
		// Headers are already out; break the connection so the client sees a short read.
		telemetry.Error("session.download_aborted", map[string]any{
			"request_id": middleware.RequestIDFromContext(c),
			"session_id": sessionID,
			"operation":  "download",
			"bytes":      n,
			"error":      err,
		})
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) head(c *gin.Context) {
	sessionID := h.begin(c, "exists")

	rec, found, err := h.Svc.GetMetadata(c.Request.Context(), sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !found {
		c.Status(http.StatusNotFound)
		return
	}
	if rec.Size != nil {
		c.Header("Content-Length", strconv.FormatInt(*rec.Size, 10))
	}
	c.Header("Last-Modified", rec.LastModified.Format(http.TimeFormat))
	c.Status(http.StatusOK)
}

func (h *Handler) exists(c *gin.Context) {
	sessionID := h.begin(c, "exists")

	found, err := h.Svc.Exists(c.Request.Context(), sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, existsResponse{
		SessionID:  sessionID,
		Exists:     found,
		InstanceID: middleware.InstanceIDFromContext(c),
	})
}

func (h *Handler) metadata(c *gin.Context) {
	sessionID := h.begin(c, "metadata")

	rec, found, err := h.Svc.GetMetadata(c.Request.Context(), sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !found {
		respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		return
	}
	respond.OK(c, metadataResponse{Record: rec, InstanceID: middleware.InstanceIDFromContext(c)})
}

func (h *Handler) list(c *gin.Context) {
	c.Set("operation", "list")

	records, err := h.Svc.ListAll(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, listResponse{
		Count:      len(records),
		Sessions:   records,
		InstanceID: middleware.InstanceIDFromContext(c),
	})
}

func (h *Handler) delete(c *gin.Context) {
	sessionID := h.begin(c, "delete")

	if err := h.Svc.Delete(c.Request.Context(), sessionID); err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, deleteResponse{
		Success:    true,
		SessionID:  sessionID,
		InstanceID: middleware.InstanceIDFromContext(c),
	})
}

func (h *Handler) deleteMany(c *gin.Context) {
	c.Set("operation", "delete_many")

	var req deleteManyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	if len(req.SessionIDs) == 0 {
		respond.Error(c, http.StatusBadRequest, "validation_error", "sessionIds is required", nil)
		return
	}

	res, err := h.Svc.DeleteMany(c.Request.Context(), req.SessionIDs)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := deleteManyResponse{
		Success:    len(res.Failed) == 0,
		Deleted:    res.Deleted,
		InstanceID: middleware.InstanceIDFromContext(c),
	}
	if !resp.Success {
		resp.Failed = res.Failed
		respond.JSON(c, http.StatusMultiStatus, resp)
		return
	}
	respond.OK(c, resp)
}

// begin tags the request for the logging middleware and returns the id.
func (h *Handler) begin(c *gin.Context, op string) string {
	sessionID := c.Param("sessionId")
	c.Set("sessionId", sessionID)
	c.Set("operation", op)
	return sessionID
}

func (h *Handler) fail(c *gin.Context, err error) {
	var (
		maxErr      *http.MaxBytesError
		transferErr *TransferError
	)
	switch {
	case errors.Is(err, ErrInvalidSessionID):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, ErrNotReady):
		respond.Error(c, http.StatusServiceUnavailable, "not_ready", err.Error(), nil)
	case errors.As(err, &maxErr):
		respond.Error(c, http.StatusRequestEntityTooLarge, "payload_too_large", "archive exceeds upload limit", gin.H{"limit": maxErr.Limit})
	case errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil:
		telemetry.Warn("session.client_aborted", map[string]any{
			"request_id": middleware.RequestIDFromContext(c),
			"session_id": c.GetString("sessionId"),
			"operation":  c.GetString("operation"),
		})
		c.AbortWithStatus(statusClientClosed)
	case errors.As(err, &transferErr):
		respond.Error(c, http.StatusBadGateway, "transfer_error", err.Error(), nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", err.Error(), nil)
	}
}

func isMultipart(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "multipart/form-data"
}

// filePart advances a multipart body to its "file" field without buffering
// the parts that precede it.
func filePart(r *http.Request) (io.ReadCloser, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		_ = part.Close()
	}
}
