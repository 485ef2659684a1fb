package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudzz-dev/estatemsg/internal/errorx"
	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/cloudzz-dev/estatemsg/internal/server/auth"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxUploadSize = 20 << 20

// Upload stores multipart field "file" under a random name and returns
// where it is served from. The original name is kept for display only.
func (h *Handlers) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	fh, err := c.FormFile("file")
	if err != nil {
		h.fail(c, errorx.Wrap(err, errorx.CodeInvalidParam, "missing or oversized file"))
		return
	}

	if err := os.MkdirAll(h.cfg.UploadDir, 0o755); err != nil {
		h.fail(c, err)
		return
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	name := uuid.NewString() + ext
	if err := c.SaveUploadedFile(fh, filepath.Join(h.cfg.UploadDir, name)); err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info("file uploaded",
		zap.String("user", auth.MustUserID(c)),
		zap.String("name", name),
		zap.Int64("size", fh.Size))
	c.JSON(http.StatusCreated, models.Attachment{
		URL:      strings.TrimRight(h.cfg.PublicURL, "/") + "/files/" + name,
		FileName: filepath.Base(fh.Filename),
	})
}
