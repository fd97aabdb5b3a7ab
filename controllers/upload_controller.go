package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vnkhanh/recallai-backend/middleware"
	"github.com/vnkhanh/recallai-backend/models"
	"github.com/vnkhanh/recallai-backend/services"
)

// multipart envelope overhead allowed on top of the largest accepted file
const uploadSlack = 1 << 20

// Upload file của user. Store không phát finalize event thì tự đẩy job vào worker pool
func (a *API) UploadFile(c *gin.Context) {
	userID := middleware.UserID(c)
	kind, err := models.ParseSourceKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be documents or audio"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, services.MaxAudioBytes+uploadSlack)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}

	// Chỉ giữ tên file, bỏ đường dẫn client gửi lên
	filename := filepath.Base(fh.Filename)
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
			contentType = byExt
		}
	}

	ev := models.UploadEvent{
		Bucket:      a.Bucket,
		Name:        services.UploadPath(kind, userID, filename),
		ContentType: contentType,
		Size:        fh.Size,
		Generation:  strconv.FormatInt(time.Now().UnixNano(), 10),
		Language:    services.NormalizeLanguage(c.PostForm("language")),
	}
	if _, err := services.ValidateUpload(ev); err != nil {
		a.respondError(c, err)
		return
	}

	f, err := fh.Open()
	if err != nil {
		a.respondError(c, fmt.Errorf("open upload: %w", err))
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		a.respondError(c, fmt.Errorf("read upload: %w", err))
		return
	}

	// Lưu gợi ý ngôn ngữ vào metadata để finalize event đọc lại
	var metadata map[string]string
	if ev.Language != "" {
		metadata = map[string]string{"language": ev.Language}
	}
	if err := a.Store.Upload(c.Request.Context(), ev.Bucket, ev.Name, ev.ContentType, metadata, data); err != nil {
		a.Log.Error("store upload failed", "object", ev.Name, "user_id", userID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not store the file, please retry"})
		return
	}

	if !a.Store.EmitsFinalizeEvents() {
		job := func(ctx context.Context) error {
			_, err := a.Pipeline.Process(ctx, ev)
			return err
		}
		if err := a.Pool.Submit(job); err != nil {
			a.Log.Warn("upload stored but not queued", "object", ev.Name, "error", err)
			a.respondError(c, err)
			return
		}
	}

	// Báo realtime cho client
	if msg, err := json.Marshal(gin.H{"type": "upload_processing", "object": ev.Name, "filename": filename}); err == nil {
		a.Hub.Broadcast(userID, msg)
	}
	a.Log.Info("upload accepted", "object", ev.Name, "user_id", userID, "size", ev.Size)
	c.JSON(http.StatusAccepted, gin.H{
		"object":   ev.Name,
		"filename": filename,
		"status":   string(models.DeckProcessing),
	})
}
