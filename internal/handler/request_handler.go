package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/models"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
	"github.com/noah-isme/accreditation-api/pkg/response"
)

type requestService interface {
	CreateDraft(ctx context.Context, actor models.Actor, builder dto.DraftRequestBuilder) (*dto.RequestResponse, error)
	Get(ctx context.Context, actor models.Actor, id string) (*dto.RequestResponse, error)
	List(ctx context.Context, actor models.Actor, filter models.RequestFilter) ([]dto.RequestResponse, error)
	Submit(ctx context.Context, actor models.Actor, id string, zoneIDs []string) (*dto.RequestResponse, error)
	Review(ctx context.Context, actor models.Actor, id, comment string) (*dto.RequestResponse, error)
	Approve(ctx context.Context, actor models.Actor, id, comment string) (*dto.RequestResponse, error)
	Reject(ctx context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error)
	ReturnToDraft(ctx context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error)
	Cancel(ctx context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error)
	Suspend(ctx context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error)
	Delete(ctx context.Context, actor models.Actor, id string) error
}

// RequestHandler exposes the accreditation request lifecycle.
type RequestHandler struct {
	service requestService
}

// NewRequestHandler builds the handler.
func NewRequestHandler(service requestService) *RequestHandler {
	return &RequestHandler{service: service}
}

// Create godoc
// @Summary Create draft request
// @Tags Requests
// @Accept json
// @Produce json
// @Param payload body dto.DraftRequestBuilder true "Draft request"
// @Success 201 {object} response.Envelope
// @Router /requests [post]
func (h *RequestHandler) Create(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var builder dto.DraftRequestBuilder
	if err := c.ShouldBindJSON(&builder); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid payload"))
		return
	}
	builder.CreatedBy = ""
	resp, err := h.service.CreateDraft(c.Request.Context(), actor, builder)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, resp)
}

// List godoc
// @Summary List accreditation requests
// @Tags Requests
// @Produce json
// @Param event_id query string false "Event"
// @Param provider_id query string false "Provider"
// @Param area_id query string false "Area"
// @Param status query string false "Comma separated statuses"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *RequestHandler) List(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		response.Error(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		response.Error(c, err)
		return
	}
	filter := models.RequestFilter{
		EventID:    c.Query("event_id"),
		ProviderID: c.Query("provider_id"),
		AreaID:     c.Query("area_id"),
		Limit:      limit,
		Offset:     offset,
	}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Status = append(filter.Status, models.RequestStatus(s))
			}
		}
	}
	items, err := h.service.List(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, map[string]interface{}{"count": len(items), "limit": limit, "offset": offset})
}

// Get returns a single request with its timeline.
func (h *RequestHandler) Get(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	resp, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp)
}

// Submit moves a draft to submitted, optionally replacing its zones.
// @Summary Submit draft for review
// @Tags Requests
// @Param id path string true "Request ID"
// @Param payload body dto.SubmitRequest false "Zones"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/submit [post]
func (h *RequestHandler) Submit(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.SubmitRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid payload"))
			return
		}
	}
	resp, err := h.service.Submit(c.Request.Context(), actor, c.Param("id"), req.ZoneIDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp)
}

type transitionFunc func(ctx context.Context, actor models.Actor, id, comment string) (*dto.RequestResponse, error)

func (h *RequestHandler) transition(c *gin.Context, apply transitionFunc) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.TransitionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid payload"))
			return
		}
	}
	resp, err := apply(c.Request.Context(), actor, c.Param("id"), req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp)
}

// Review marks a submitted request as under review.
func (h *RequestHandler) Review(c *gin.Context) { h.transition(c, h.service.Review) }

// Approve approves a request and schedules its credential.
func (h *RequestHandler) Approve(c *gin.Context) { h.transition(c, h.service.Approve) }

// Reject rejects a request; a reason is required.
func (h *RequestHandler) Reject(c *gin.Context) { h.transition(c, h.service.Reject) }

// Return sends a request back to draft; a reason is required.
func (h *RequestHandler) Return(c *gin.Context) { h.transition(c, h.service.ReturnToDraft) }

// Cancel withdraws a pending request.
func (h *RequestHandler) Cancel(c *gin.Context) { h.transition(c, h.service.Cancel) }

// Suspend suspends an approved request and revokes its credential.
func (h *RequestHandler) Suspend(c *gin.Context) { h.transition(c, h.service.Suspend) }

// Delete removes a request and its credential.
func (h *RequestHandler) Delete(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.service.Delete(c.Request.Context(), actor, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
