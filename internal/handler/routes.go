package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/accreditation-api/internal/middleware"
	"github.com/noah-isme/accreditation-api/internal/models"
)

// Routes bundles every handler mounted under the API prefix.
type Routes struct {
	Tokens      middleware.TokenValidator
	Requests    *RequestHandler
	Credentials *CredentialHandler
	Batches     *PrintBatchHandler
	Files       *FileHandler
	Audit       *zap.Logger
}

// Register mounts the API on group. Verification and signed file links are public.
func (rt Routes) Register(group *gin.RouterGroup) {
	group.GET("/verify/:code", rt.Credentials.Verify)
	if rt.Files != nil {
		group.GET("/files/:token", rt.Files.Serve)
	}

	secured := group.Group("")
	secured.Use(middleware.JWT(rt.Tokens), middleware.Audit(rt.Audit))
	adminOnly := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin)

	requests := secured.Group("/requests")
	requests.POST("", rt.Requests.Create)
	requests.GET("", rt.Requests.List)
	requests.GET("/:id", rt.Requests.Get)
	requests.POST("/:id/submit", rt.Requests.Submit)
	requests.POST("/:id/review", rt.Requests.Review)
	requests.POST("/:id/approve", rt.Requests.Approve)
	requests.POST("/:id/reject", rt.Requests.Reject)
	requests.POST("/:id/return", rt.Requests.Return)
	requests.POST("/:id/cancel", rt.Requests.Cancel)
	requests.POST("/:id/suspend", rt.Requests.Suspend)
	requests.DELETE("/:id", adminOnly, rt.Requests.Delete)

	credentials := secured.Group("/credentials")
	credentials.GET("/status", rt.Credentials.Status)
	credentials.POST("/regenerate-failed", rt.Credentials.RegenerateFailed)
	credentials.POST("/cleanup", adminOnly, rt.Credentials.Cleanup)
	credentials.GET("/:id", rt.Credentials.Get)
	credentials.POST("/:id/regenerate", rt.Credentials.Regenerate)
	secured.POST("/events/:id/expire-credentials", adminOnly, rt.Credentials.ExpireEvent)

	batches := secured.Group("/print-batches")
	batches.POST("/preview", rt.Batches.Preview)
	batches.POST("", rt.Batches.Queue)
	batches.GET("/processing", rt.Batches.Processing)
	batches.POST("/cleanup", adminOnly, rt.Batches.Cleanup)
	batches.GET("/:id", rt.Batches.Get)
	batches.POST("/:id/retry", rt.Batches.Retry)
	batches.GET("/:id/download", rt.Batches.Download)
}
