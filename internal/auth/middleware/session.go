// Package middleware provides the session authentication middleware
// for the HTTP layer.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/auth"
	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/errors"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/pkg/response"
)

const (
	// ContextUsername is the gin context key carrying the session user.
	ContextUsername = "username"
	// ContextRoles carries the session user's Kavita roles.
	ContextRoles = "roles"

	bearerPrefix = "Bearer "
)

// SessionAuth validates the session token from the cookie or the
// Authorization header. When cfg.RequireAuth is false every request
// passes through, with the username attached when a valid token is
// present anyway.
func SessionAuth(tokens *auth.TokenManager, cfg conf.AuthConfig, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c, cfg.CookieName)

		if token == "" {
			if cfg.RequireAuth {
				response.Unauthorized(c, "authentication required")
				c.Abort()
				return
			}
			c.Next()
			return
		}

		claims, err := tokens.VerifyToken(token)
		if err != nil {
			if cfg.RequireAuth {
				log.Warn("invalid session token",
					zap.Error(err),
					zap.String("ip", c.ClientIP()))
				response.ErrorWithCode(c, errors.ErrAuthInvalidToken, "invalid or expired session")
				c.Abort()
				return
			}
			c.Next()
			return
		}

		c.Set(ContextUsername, claims.Username)
		c.Set(ContextRoles, claims.Roles)
		c.Next()
	}
}

// Username returns the authenticated user from the gin context, or ""
// for anonymous requests.
func Username(c *gin.Context) string {
	return c.GetString(ContextUsername)
}

func extractToken(c *gin.Context, cookieName string) string {
	if cookieName != "" {
		if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
			return cookie
		}
	}
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimPrefix(header, bearerPrefix)
	}
	return ""
}
