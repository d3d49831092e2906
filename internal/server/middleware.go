package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/formdesk/internal/auth"
	"github.com/MarcoPoloResearchLab/formdesk/internal/forms"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// identifyRequest resolves the session into a forms.Actor. When required is
// false a request without any session proceeds anonymously; a session that is
// present but invalid is always rejected.
func (h *httpHandler) identifyRequest(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := h.sessions.ValidateRequest(c.Request)
		if err != nil {
			if !required && errors.Is(err, auth.ErrMissingSessionToken) {
				c.Set(actorContextKey, forms.Actor{})
				c.Next()
				return
			}
			if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
				h.logger.Info("session validation failed", zap.Error(err))
			} else {
				h.logger.Warn("session validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		principal, err := h.users.Resolve(c.Request.Context(), claims)
		if err != nil {
			h.logger.Error("failed to resolve user identity", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(actorContextKey, forms.Actor{UserID: principal.UserID, Roles: principal.Roles})
		c.Next()
	}
}
