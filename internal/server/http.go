// Package server assembles the gin router and HTTP lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/auth"
	"github.com/bookgate/uploader-backend/internal/auth/middleware"
	authservice "github.com/bookgate/uploader-backend/internal/auth/service"
	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/service"
)

type HTTPServer struct {
	server *http.Server
	log    *logger.Logger
}

func NewHTTPServer(
	cfg *conf.Config,
	log *logger.Logger,
	tokens *auth.TokenManager,
	authSvc *authservice.AuthService,
	uploadSvc *service.UploadService,
	systemSvc *service.SystemService,
) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(CORSMiddleware(cfg.Server.CORSOrigins))

	// upload bodies can exceed gin's 32 MiB default
	router.MaxMultipartMemory = cfg.Upload.MaxFileSizeBytes()

	router.GET("/health", systemSvc.Health)

	api := router.Group("/api")

	api.POST("/auth/login", authSvc.Login)
	api.POST("/auth/logout", authSvc.Logout)

	session := api.Group("")
	session.Use(middleware.SessionAuth(tokens, cfg.Auth, log))
	{
		session.GET("/auth/me", authSvc.Me)

		session.POST("/upload", uploadSvc.Upload)
		session.GET("/uploads", uploadSvc.List)
		session.GET("/upload/:id", uploadSvc.Get)

		session.POST("/upload/:id/scan", uploadSvc.TriggerScan)
		session.GET("/upload/:id/scan/status", uploadSvc.ScanStatus)

		session.GET("/upload/:id/metadata", uploadSvc.GetMetadata)
		session.PUT("/upload/:id/metadata", uploadSvc.VerifyMetadata)
		// POST is the canonical verb here; the GET alias stays for
		// clients that probe before rendering the move dialog.
		session.POST("/upload/:id/check-duplicate", uploadSvc.CheckDuplicate)
		session.GET("/upload/:id/check-duplicate", uploadSvc.CheckDuplicate)
		session.GET("/upload/:id/preview", uploadSvc.Preview)

		session.POST("/upload/:id/move", uploadSvc.Move)
		session.GET("/upload/:id/move/status", uploadSvc.MoveStatus)

		session.GET("/system/disk-status", systemSvc.DiskStatus)
		session.POST("/system/cleanup", systemSvc.Cleanup)
		session.GET("/config", systemSvc.ClientConfig)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

func (s *HTTPServer) Start() error {
	s.log.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	s.log.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		log.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// CORSMiddleware allows the configured frontend origins.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
