package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const uploadField = "attachment"

type uploadResp struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// upload stores one image under <uploadDir>/messages and returns its public url.
func (s *Server) upload(c *gin.Context) {
	fh, err := c.FormFile(uploadField)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	if fh.Size > s.opts.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
		return
	}
	if !isImage(fh.Header.Get("Content-Type")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only image files are allowed!"})
		return
	}

	src, err := fh.Open()
	if err != nil {
		s.uploadFailed(c, err)
		return
	}
	defer src.Close()

	// 再按内容嗅探一次，防止伪造的 Content-Type
	head := make([]byte, 512)
	n, _ := io.ReadFull(src, head)
	if !isImage(http.DetectContentType(head[:n])) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only image files are allowed!"})
		return
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		s.uploadFailed(c, err)
		return
	}

	if err := os.MkdirAll(s.messagesDir(), 0o755); err != nil {
		s.uploadFailed(c, err)
		return
	}
	name := uploadField + "_" + uuid.NewString() + strings.ToLower(filepath.Ext(filepath.Base(fh.Filename)))
	dst, err := os.Create(filepath.Join(s.messagesDir(), name))
	if err != nil {
		s.uploadFailed(c, err)
		return
	}
	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst.Name())
		s.uploadFailed(c, err)
		return
	}

	s.log.Info("attachment stored", zap.String("file", name), zap.Int64("size", size))
	c.JSON(http.StatusOK, uploadResp{
		URL:      "/uploads/messages/" + name,
		Filename: name,
		Size:     size,
	})
}

func (s *Server) uploadFailed(c *gin.Context, err error) {
	s.log.Error("upload failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Upload failed"})
}

func isImage(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "image/")
}
