package handler

import (
	"path"
	"time"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
	"github.com/noah-isme/accreditation-api/pkg/response"
)

type fileLocator interface {
	Exists(relPath string) (bool, error)
	Path(relPath string) string
}

type tokenParser interface {
	Parse(token string, allowExpired bool) (entityID, relPath string, expiresAt time.Time, err error)
}

// FileHandler serves stored artifacts behind signed, expiring tokens.
type FileHandler struct {
	signer tokenParser
	files  fileLocator
}

// NewFileHandler builds the handler.
func NewFileHandler(signer tokenParser, files fileLocator) *FileHandler {
	return &FileHandler{signer: signer, files: files}
}

// Serve resolves the token and streams the file it points to.
func (h *FileHandler) Serve(c *gin.Context) {
	_, relPath, _, err := h.signer.Parse(c.Param("token"), false)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired link"))
		return
	}
	ok, err := h.files.Exists(relPath)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read file"))
		return
	}
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "file not found"))
		return
	}
	c.FileAttachment(h.files.Path(relPath), path.Base(relPath))
}
