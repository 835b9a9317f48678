package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/usecase"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultMaxUpload = 1 << 30

// Handler serves the control API on top of one session.
type Handler struct {
	session   *usecase.Session
	sources   port.SourceStore
	raster    *RasterSurface
	maxUpload int64
	logger    *zap.Logger
}

func NewHandler(session *usecase.Session, sources port.SourceStore, raster *RasterSurface, maxUpload int64, logger *zap.Logger) *Handler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &Handler{session: session, sources: sources, raster: raster, maxUpload: maxUpload, logger: logger}
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

// sessionError maps a failed session call onto a status code.
func (h *Handler) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrLoopStopped):
		fail(c, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, err)
	default:
		h.logger.Error("session call failed", zap.String("path", c.FullPath()), zap.Error(err))
		fail(c, http.StatusInternalServerError, err)
	}
}

func (h *Handler) load(c *gin.Context, src entity.Source) {
	id, err := h.session.Load(c.Request.Context(), src)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	ok(c, http.StatusAccepted, gin.H{"load_id": id, "filename": src.Filename, "bytes": len(src.Data)})
}

func (h *Handler) UploadSource(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("multipart field \"file\" is required: %w", err))
		return
	}
	if fh.Size > h.maxUpload {
		fail(c, http.StatusRequestEntityTooLarge, fmt.Errorf("upload is %d bytes, limit is %d", fh.Size, h.maxUpload))
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	h.load(c, entity.Source{Filename: fh.Filename, Data: data})
}

func (h *Handler) LoadObject(c *gin.Context) {
	if h.sources == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("no source store configured"))
		return
	}
	var payload struct {
		Key string `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	src, err := h.sources.FetchSource(c.Request.Context(), payload.Key)
	if err != nil {
		h.logger.Warn("fetch source failed", zap.String("key", payload.Key), zap.Error(err))
		fail(c, http.StatusNotFound, err)
		return
	}
	h.load(c, src)
}

func (h *Handler) Metadata(c *gin.Context) {
	md, found, err := h.session.Metadata(c.Request.Context())
	if err != nil {
		h.sessionError(c, err)
		return
	}
	if !found {
		fail(c, http.StatusNotFound, errors.New("metadata not available yet"))
		return
	}
	ok(c, http.StatusOK, md)
}

func (h *Handler) Extract(c *gin.Context) {
	var payload struct {
		Center   int `json:"center"`
		Distance int `json:"distance"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	jobs, err := h.session.ExtractFrames(c.Request.Context(), payload.Center, payload.Distance)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	ok(c, http.StatusAccepted, gin.H{"jobs": jobs})
}

// Cache reports the cached frames; with ?start=&end= it also counts the
// ones inside that range.
func (h *Handler) Cache(c *gin.Context) {
	st, err := h.session.Cache(c.Request.Context())
	if err != nil {
		h.sessionError(c, err)
		return
	}
	startQ, endQ := c.Query("start"), c.Query("end")
	if startQ == "" || endQ == "" {
		ok(c, http.StatusOK, st)
		return
	}
	start, err1 := strconv.Atoi(startQ)
	end, err2 := strconv.Atoi(endQ)
	if err := errors.Join(err1, err2); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	n, err := h.session.CachedCount(c.Request.Context(), start, end)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"frames": st.Frames, "count": st.Count, "bytes": st.Bytes, "in_range": n})
}

func (h *Handler) CachedFrame(c *gin.Context) {
	frame, err := strconv.Atoi(c.Param("frame"))
	if err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("frame: %w", err))
		return
	}
	bmp, found, err := h.session.CachedFrame(c.Request.Context(), frame)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	if !found {
		fail(c, http.StatusNotFound, fmt.Errorf("frame %d is not cached", frame))
		return
	}
	c.Data(http.StatusOK, "image/jpeg", bmp)
}

func (h *Handler) Pool(c *gin.Context) {
	st, err := h.session.Pool(c.Request.Context())
	if err != nil {
		h.sessionError(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

func (h *Handler) Playback(c *gin.Context) {
	st, err := h.session.Playback(c.Request.Context())
	if err != nil {
		h.sessionError(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

func (h *Handler) Raster(c *gin.Context) {
	r, found := h.raster.Latest()
	if !found {
		fail(c, http.StatusNotFound, errors.New("nothing drawn yet"))
		return
	}
	c.Header("X-Frame", strconv.Itoa(r.Frame))
	c.Header("X-Frame-Origin", string(r.Origin))
	c.Data(http.StatusOK, "image/jpeg", r.Bitmap)
}

// playbackCall runs a playback command and answers with the resulting state.
func (h *Handler) playbackCall(c *gin.Context, call func(ctx context.Context) error) {
	ctx := c.Request.Context()
	if err := call(ctx); err != nil {
		if errors.Is(err, usecase.ErrLoopStopped) {
			h.sessionError(c, err)
			return
		}
		fail(c, http.StatusBadRequest, err)
		return
	}
	h.Playback(c)
}

func (h *Handler) SetFrame(c *gin.Context) {
	var payload struct {
		Frame *int `json:"frame" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	h.playbackCall(c, func(ctx context.Context) error { return h.session.SetFrame(ctx, *payload.Frame) })
}

func (h *Handler) Play(c *gin.Context) {
	h.playbackCall(c, h.session.Play)
}

func (h *Handler) Pause(c *gin.Context) {
	h.playbackCall(c, h.session.Pause)
}

func (h *Handler) Skip(c *gin.Context) {
	var payload struct {
		Offset int `json:"offset"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	h.playbackCall(c, func(ctx context.Context) error { return h.session.Skip(ctx, payload.Offset) })
}

func (h *Handler) SetRange(c *gin.Context) {
	var payload struct {
		Start *int `json:"start" binding:"required"`
		End   *int `json:"end" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	h.playbackCall(c, func(ctx context.Context) error {
		return h.session.SetRange(ctx, *payload.Start, *payload.End)
	})
}

func (h *Handler) SetSpeed(c *gin.Context) {
	var payload struct {
		Speed float64 `json:"speed" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	h.playbackCall(c, func(ctx context.Context) error { return h.session.SetSpeed(ctx, payload.Speed) })
}
