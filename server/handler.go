package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chaos-io/rembg-api/removal"
	"github.com/chaos-io/rembg-api/util/log"
)

const (
	downloadName  = "processed_image.png"
	healthMessage = "The API is working correctly."
	// multipart 头部等额外开销
	multipartSlack = 1 << 20
)

type RemoveHandler struct {
	svc            *removal.Service
	maxUploadBytes int64
	version        string
}

func NewRemoveHandler(svc *removal.Service, maxUploadBytes int64, version string) *RemoveHandler {
	return &RemoveHandler{
		svc:            svc,
		maxUploadBytes: maxUploadBytes,
		version:        version,
	}
}

func (h *RemoveHandler) RegisterRoutes(server *gin.Engine) {
	server.GET("/", h.Index)
	server.GET("/health", h.Health)
	server.POST("/remove-background/", h.RemoveBackground)
}

func (h *RemoveHandler) Index(ctx *gin.Context) {
	log.FromContext(ctx.Request.Context()).Debug("landing page visited")
	ctx.HTML(http.StatusOK, "welcome.html", gin.H{
		"Title":   "Background Removal API",
		"Version": h.version,
	})
}

func (h *RemoveHandler) Health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"message": healthMessage})
}

func (h *RemoveHandler) RemoveBackground(ctx *gin.Context) {
	reqCtx := ctx.Request.Context()
	logger := log.FromContext(reqCtx)

	if h.maxUploadBytes > 0 {
		ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, h.maxUploadBytes+multipartSlack)
	}

	in, err := h.readInput(ctx)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	if c, ok := in.File.(io.Closer); ok {
		defer func() {
			_ = c.Close()
		}()
	}
	if in.File != nil {
		logger.WithField("filename", in.Filename).Info("request received")
	} else if in.URL != "" {
		logger.WithField("url", in.URL).Info("request received")
	}

	res, err := h.svc.Process(reqCtx, in)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	defer func() {
		if err := res.Release(); err != nil {
			logger.WithError(err).Warn("failed to release workspace")
		}
	}()

	f, err := res.Open()
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	ctx.DataFromReader(http.StatusOK, info.Size(), "image/png", f, map[string]string{
		"Content-Disposition": `attachment; filename="` + downloadName + `"`,
	})
}

// readInput 读取 file 字段，没有文件时读取 url 字段
func (h *RemoveHandler) readInput(ctx *gin.Context) (removal.Input, error) {
	fh, err := ctx.FormFile("file")
	switch {
	case err == nil:
		file, err := fh.Open()
		if err != nil {
			return removal.Input{}, removal.NewError(removal.SaveFailure, err)
		}
		return removal.Input{File: file, Filename: fh.Filename}, nil
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		return removal.Input{URL: ctx.PostForm("url")}, nil
	default:
		// 请求体过大或 multipart 格式错误
		return removal.Input{}, removal.NewError(removal.SaveFailure, err)
	}
}

func (h *RemoveHandler) writeError(ctx *gin.Context, err error) {
	kind := removal.KindOf(err)
	log.FromContext(ctx.Request.Context()).WithError(err).WithField("kind", kind.String()).Error("remove background failed")
	ctx.AbortWithStatusJSON(kind.Status(), gin.H{"error": removal.PublicMessage(err)})
}
