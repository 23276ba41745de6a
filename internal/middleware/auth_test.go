package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/accreditation-api/internal/models"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
)

type tokenStub map[string]*models.JWTClaims

func (s tokenStub) ValidateToken(token string) (*models.JWTClaims, error) {
	claims, ok := s[token]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return claims, nil
}

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	tokens := tokenStub{
		"operator":   {UserID: "op-1", Role: models.RoleOperator},
		"accreditor": {UserID: "acc-1", Role: models.RoleAccreditor},
	}
	r := gin.New()
	r.GET("/public", OptionalJWT(tokens), func(c *gin.Context) {
		_, signedIn := c.Get(ContextUserKey)
		c.JSON(http.StatusOK, gin.H{"signed_in": signedIn})
	})
	r.GET("/batches", JWT(tokens), RequireRoles(models.RoleOperator, models.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestJWTAndRoles(t *testing.T) {
	r := newAuthRouter()

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "Token operator", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer accreditor", http.StatusForbidden},
		{"allowed", "Bearer operator", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/batches", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestOptionalJWTNeverBlocks(t *testing.T) {
	r := newAuthRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/public", nil)
	req.Header.Set("Authorization", "Bearer nope")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"signed_in":false}`, w.Body.String())

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/public", nil)
	req.Header.Set("Authorization", "Bearer operator")
	r.ServeHTTP(w, req)
	assert.JSONEq(t, `{"signed_in":true}`, w.Body.String())
}
