package middleware

import (
	"context"
	"net/http"
	"strings"

	"cloud.google.com/go/auth/credentials/idtoken"
	"github.com/gin-gonic/gin"

	"github.com/vnkhanh/recallai-backend/logger"
)

// EventTokenValidator checks the OIDC token that push deliveries carry.
type EventTokenValidator interface {
	Validate(ctx context.Context, token string) error
}

type GoogleIDTokenValidator struct {
	Audience string
}

func (v GoogleIDTokenValidator) Validate(ctx context.Context, token string) error {
	_, err := idtoken.Validate(ctx, token, v.Audience)
	return err
}

// EventAuth guards the storage-finalize endpoint. A nil validator lets every request through.
func EventAuth(validator EventTokenValidator, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if validator == nil {
			c.Next()
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing event token"})
			return
		}
		if err := validator.Validate(c.Request.Context(), token); err != nil {
			log.Warn("event token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid event token"})
			return
		}
		c.Next()
	}
}
