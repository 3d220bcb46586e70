package service

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/database"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/pkg/redis"
	"github.com/bookgate/uploader-backend/internal/pkg/response"
	"github.com/bookgate/uploader-backend/internal/upload/biz"
)

// SystemService serves operational endpoints: disk status, cleanup,
// client configuration and health.
type SystemService struct {
	guard *biz.DiskGuard
	cfg   *conf.Config
	db    *database.DB
	redis *redis.Client
	log   *logger.Logger
}

func NewSystemService(
	guard *biz.DiskGuard,
	cfg *conf.Config,
	db *database.DB,
	redisClient *redis.Client,
	log *logger.Logger,
) *SystemService {
	return &SystemService{
		guard: guard,
		cfg:   cfg,
		db:    db,
		redis: redisClient,
		log:   log,
	}
}

// DiskStatus reports disk usage, quarantine totals and alert flags.
func (s *SystemService) DiskStatus(c *gin.Context) {
	status, err := s.guard.Status(c.Request.Context())
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, status)
}

// Cleanup triggers stale-file cleanup on demand.
func (s *SystemService) Cleanup(c *gin.Context) {
	freed, err := s.guard.CleanupOldFiles(c.Request.Context(), 0)
	if err != nil {
		response.HandleError(c, err)
		return
	}

	s.log.Info("manual cleanup completed", zap.Int64("bytes_freed", freed))
	response.Success(c, gin.H{"bytes_freed": freed})
}

// ClientConfig exposes the configuration subset the frontend needs.
func (s *SystemService) ClientConfig(c *gin.Context) {
	response.Success(c, gin.H{
		"upload": gin.H{
			"max_file_size_mb":   s.cfg.Upload.MaxFileSizeMB,
			"allowed_extensions": s.cfg.Upload.AllowedExtensions,
		},
		"scanning": gin.H{
			"enabled": s.cfg.Scanning.Enabled,
		},
		"metadata": gin.H{
			"enabled":            s.cfg.Metadata.Enabled,
			"allow_user_editing": s.cfg.Metadata.AllowUserEditing,
			"required_fields":    s.cfg.Metadata.RequiredFields,
		},
		"preview": gin.H{
			"enabled":   s.cfg.Preview.Enabled,
			"max_pages": s.cfg.Preview.MaxPages,
		},
		"moving": gin.H{
			"enabled":                 s.cfg.Moving.Enabled,
			"dry_run":                 s.cfg.Moving.DryRun,
			"rename_on_name_conflict": s.cfg.Moving.RenameOnNameConflict,
		},
		"auth": gin.H{
			"require_auth": s.cfg.Auth.RequireAuth,
		},
	})
}

// Health checks the backing services.
func (s *SystemService) Health(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	if err := s.db.HealthCheck(c.Request.Context()); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if err := s.redis.Ping(c.Request.Context()); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}

	if !healthy {
		response.Error(c, 503, "degraded")
		return
	}
	response.Success(c, gin.H{"status": "ok", "checks": checks})
}
