package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"advisor-go/internal/model"
	"advisor-go/pkg/log"
	"advisor-go/pkg/storage"

	"github.com/gin-gonic/gin"
)

// ImageUploader 保存图片并返回附件，由 storage.ImageStore 实现。
type ImageUploader interface {
	Upload(ctx context.Context, name, contentType string, r io.Reader, size int64) (*model.Attachment, error)
}

// MediaHandler 负责聊天图片上传。
type MediaHandler struct {
	uploader ImageUploader
}

// NewMediaHandler 创建一个新的 MediaHandler 实例。
func NewMediaHandler(uploader ImageUploader) *MediaHandler {
	return &MediaHandler{uploader: uploader}
}

// Upload 处理 multipart 表单中的 file 字段，返回 {url, name}。
func (h *MediaHandler) Upload(c *gin.Context) {
	if h.uploader == nil {
		respondError(c, http.StatusServiceUnavailable, "media storage is not configured")
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "missing file")
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "unreadable file")
		return
	}
	defer f.Close()

	att, err := h.uploader.Upload(c.Request.Context(), fh.Filename, fh.Header.Get("Content-Type"), f, fh.Size)
	switch {
	case errors.Is(err, storage.ErrNotImage):
		respondError(c, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, storage.ErrTooLarge):
		respondError(c, http.StatusRequestEntityTooLarge, err.Error())
	case err != nil:
		log.Error("media upload failed", err)
		respondError(c, http.StatusInternalServerError, "upload failed")
	default:
		respondOK(c, att)
	}
}
