// Package service exposes the login endpoints backed by Kavita.
package service

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/auth"
	"github.com/bookgate/uploader-backend/internal/auth/middleware"
	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/kavita"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/pkg/response"
)

// AuthService handles login, logout and session inspection.
type AuthService struct {
	kavita *kavita.Client
	tokens *auth.TokenManager
	cfg    conf.AuthConfig
	log    *logger.Logger
}

func NewAuthService(kavitaClient *kavita.Client, tokens *auth.TokenManager, cfg conf.AuthConfig, log *logger.Logger) *AuthService {
	return &AuthService{
		kavita: kavitaClient,
		tokens: tokens,
		cfg:    cfg,
		log:    log,
	}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Token    string   `json:"token"`
}

// Login authenticates against Kavita and sets the session cookie.
func (s *AuthService) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "username and password are required")
		return
	}

	account, err := s.kavita.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.log.Warn("login failed",
			zap.String("username", req.Username),
			zap.Error(err))
		response.HandleError(c, err)
		return
	}

	token, err := s.tokens.GenerateToken(account.Username, account.Email, account.Roles)
	if err != nil {
		s.log.Error("failed to issue session token", zap.Error(err))
		response.InternalError(c, "failed to create session")
		return
	}

	if s.cfg.CookieName != "" {
		c.SetCookie(s.cfg.CookieName, token,
			int(s.tokens.Expiry().Seconds()), "/", "", false, true)
	}

	s.log.Info("user logged in", zap.String("username", account.Username))
	response.Success(c, LoginResponse{
		Username: account.Username,
		Email:    account.Email,
		Roles:    account.Roles,
		Token:    token,
	})
}

// Logout clears the session cookie.
func (s *AuthService) Logout(c *gin.Context) {
	if s.cfg.CookieName != "" {
		c.SetCookie(s.cfg.CookieName, "", -1, "/", "", false, true)
	}
	response.SuccessWithMessage(c, "logged out", nil)
}

// Me returns the current session user.
func (s *AuthService) Me(c *gin.Context) {
	username := middleware.Username(c)
	if username == "" {
		response.Unauthorized(c, "not authenticated")
		return
	}

	roles, _ := c.Get(middleware.ContextRoles)
	response.Success(c, gin.H{
		"username": username,
		"roles":    roles,
	})
}
