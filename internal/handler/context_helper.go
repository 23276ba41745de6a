package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/accreditation-api/internal/middleware"
	"github.com/noah-isme/accreditation-api/internal/models"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// actorFromContext returns the caller or an unauthorized error when no claims were attached.
func actorFromContext(c *gin.Context) (models.Actor, error) {
	claims := claimsFromContext(c)
	if claims == nil || claims.UserID == "" {
		return models.Actor{}, appErrors.ErrUnauthorized
	}
	return claims.Actor(), nil
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, appErrors.Validation(key)
	}
	return v, nil
}
