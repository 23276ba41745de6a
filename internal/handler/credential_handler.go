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

type credentialService interface {
	Get(ctx context.Context, actor models.Actor, id string) (*dto.CredentialResponse, error)
	Regenerate(ctx context.Context, actor models.Actor, id string, force bool) (*dto.CredentialResponse, error)
	RegenerateFailed(ctx context.Context, actor models.Actor, eventID string) (*dto.RegenerateResult, error)
	Verify(ctx context.Context, code string) (*dto.VerificationResult, error)
	StatusReport(ctx context.Context, actor models.Actor, eventID string) (*dto.CredentialStatusReport, error)
	Cleanup(ctx context.Context, actor models.Actor) (*dto.CredentialCleanupResult, error)
	ExpireEvent(ctx context.Context, actor models.Actor, eventID string) (*dto.ExpireEventResult, error)
}

// CredentialHandler exposes credential status, regeneration and public verification.
type CredentialHandler struct {
	service credentialService
}

// NewCredentialHandler builds the handler.
func NewCredentialHandler(service credentialService) *CredentialHandler {
	return &CredentialHandler{service: service}
}

// Get returns a credential with signed artifact links.
func (h *CredentialHandler) Get(c *gin.Context) {
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

// Regenerate schedules a new render of a failed or ready credential.
func (h *CredentialHandler) Regenerate(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.RegenerateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid payload"))
			return
		}
	}
	resp, err := h.service.Regenerate(c.Request.Context(), actor, c.Param("id"), req.Force)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, resp)
}

// RegenerateFailed reschedules every retryable failed credential, optionally for one event.
func (h *CredentialHandler) RegenerateFailed(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.service.RegenerateFailed(c.Request.Context(), actor, c.Query("event_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, result)
}

// Status reports credential counts by status.
func (h *CredentialHandler) Status(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	report, err := h.service.StatusReport(c.Request.Context(), actor, c.Query("event_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report)
}

// Cleanup purges orphaned and stale failed credentials.
func (h *CredentialHandler) Cleanup(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.service.Cleanup(c.Request.Context(), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

// ExpireEvent marks every credential of a finished event as expired.
func (h *CredentialHandler) ExpireEvent(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.service.ExpireEvent(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

// Verify godoc
// @Summary Verify a credential code
// @Description Public lookup; invalid codes still answer 200 with a reason.
// @Tags Verification
// @Produce json
// @Param code path string true "Verification code"
// @Success 200 {object} response.Envelope
// @Router /verify/{code} [get]
func (h *CredentialHandler) Verify(c *gin.Context) {
	result, err := h.service.Verify(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}
