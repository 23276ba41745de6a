package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/models"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
	"github.com/noah-isme/accreditation-api/pkg/response"
)

type printBatchService interface {
	Preview(ctx context.Context, actor models.Actor, req dto.PrintFiltersRequest) (*dto.PrintPreview, error)
	QueueBatch(ctx context.Context, actor models.Actor, req dto.PrintFiltersRequest) (*dto.PrintBatchResponse, error)
	GetBatch(ctx context.Context, actor models.Actor, id string) (*dto.PrintBatchResponse, error)
	GetProcessingBatches(ctx context.Context, actor models.Actor) ([]dto.PrintBatchResponse, error)
	RetryBatch(ctx context.Context, actor models.Actor, id string) (*dto.PrintBatchResponse, error)
	DownloadBatch(ctx context.Context, actor models.Actor, id string) (*dto.BatchDownload, error)
	CleanupOldBatches(ctx context.Context, actor models.Actor, daysOld int) (*dto.CleanupBatchesResult, error)
}

// PrintBatchHandler exposes print batch aggregation.
type PrintBatchHandler struct {
	service printBatchService
	files   fileLocator
}

// NewPrintBatchHandler builds the handler; files resolves stored batch PDFs for download.
func NewPrintBatchHandler(service printBatchService, files fileLocator) *PrintBatchHandler {
	return &PrintBatchHandler{service: service, files: files}
}

func bindFilters(c *gin.Context) (dto.PrintFiltersRequest, bool) {
	var req dto.PrintFiltersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid payload"))
		return req, false
	}
	return req, true
}

// Preview lists the credentials a batch with the posted filters would contain.
func (h *PrintBatchHandler) Preview(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	req, ok := bindFilters(c)
	if !ok {
		return
	}
	preview, err := h.service.Preview(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, preview)
}

// Queue godoc
// @Summary Queue print batch
// @Tags Print Batches
// @Accept json
// @Produce json
// @Param payload body dto.PrintFiltersRequest true "Filters"
// @Success 202 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /print-batches [post]
func (h *PrintBatchHandler) Queue(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	req, ok := bindFilters(c)
	if !ok {
		return
	}
	batch, err := h.service.QueueBatch(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, batch)
}

// Get returns one batch.
func (h *PrintBatchHandler) Get(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	batch, err := h.service.GetBatch(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, batch)
}

// Processing lists queued and rendering batches.
func (h *PrintBatchHandler) Processing(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	items, err := h.service.GetProcessingBatches(c.Request.Context(), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, map[string]interface{}{"count": len(items)})
}

// Retry requeues a failed or stuck batch.
func (h *PrintBatchHandler) Retry(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	batch, err := h.service.RetryBatch(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, batch)
}

// Download godoc
// @Summary Download batch PDF
// @Tags Print Batches
// @Produce application/pdf
// @Param id path string true "Batch ID"
// @Success 200 {file} file
// @Failure 409 {object} response.Envelope
// @Router /print-batches/{id}/download [get]
func (h *PrintBatchHandler) Download(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	download, err := h.service.DownloadBatch(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.files == nil {
		response.JSON(c, http.StatusOK, download)
		return
	}
	c.FileAttachment(h.files.Path(download.Path), download.Filename)
}

// Cleanup archives batches older than the days query parameter.
func (h *PrintBatchHandler) Cleanup(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	days, err := queryInt(c, "days", 0)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.service.CleanupOldBatches(c.Request.Context(), actor, days)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}
