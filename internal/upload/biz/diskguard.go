package biz

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/diskutil"
	"github.com/bookgate/uploader-backend/internal/pkg/fileutil"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

// DiskUsageFunc reports filesystem usage for a path; injectable for tests.
type DiskUsageFunc func(path string) (diskutil.Usage, error)

// DiskGuard gates every upload behind free-space and quarantine-size
// checks and evicts stale quarantine files.
type DiskGuard struct {
	repo          UploadRepo
	cfg           conf.DiskProtectionConfig
	quarantineDir string
	usage         DiskUsageFunc
	log           *logger.Logger
}

func NewDiskGuard(repo UploadRepo, cfg conf.DiskProtectionConfig, quarantineDir string, log *logger.Logger) *DiskGuard {
	return &DiskGuard{
		repo:          repo,
		cfg:           cfg,
		quarantineDir: quarantineDir,
		usage:         diskutil.Stat,
		log:           log,
	}
}

// WithUsageFunc overrides the filesystem probe, used in tests.
func (g *DiskGuard) WithUsageFunc(fn DiskUsageFunc) *DiskGuard {
	g.usage = fn
	return g
}

// CheckDiskSpace runs the three independent space checks for an upload
// of requiredBytes. Returns a reason string when rejected.
func (g *DiskGuard) CheckDiskSpace(requiredBytes int64) (bool, string) {
	if !g.cfg.Enabled {
		return true, ""
	}

	usage, err := g.usage(g.quarantineDir)
	if err != nil {
		g.log.Error("failed to stat quarantine filesystem", zap.Error(err))
		return false, "Unable to determine free disk space"
	}

	// Check 1: absolute free bytes.
	if usage.Free < requiredBytes {
		g.log.Warn("insufficient disk space",
			zap.Int64("disk_free", usage.Free),
			zap.Int64("required", requiredBytes))
		return false, fmt.Sprintf("Insufficient disk space. Free: %s, Required: %s",
			fileutil.FormatSize(usage.Free), fileutil.FormatSize(requiredBytes))
	}

	// Check 2: minimum free percentage after the upload lands.
	freeAfter := usage.Free - requiredBytes
	percentAfter := 0.0
	if usage.Total > 0 {
		percentAfter = float64(freeAfter) / float64(usage.Total) * 100
	}
	if percentAfter < g.cfg.MinFreeSpacePercent {
		g.log.Warn("upload would leave insufficient free space",
			zap.Float64("percent_free_after", percentAfter),
			zap.Float64("min_required", g.cfg.MinFreeSpacePercent))
		return false, fmt.Sprintf("Upload would leave only %.1f%% free space (minimum: %.1f%%)",
			percentAfter, g.cfg.MinFreeSpacePercent)
	}

	// Check 3: reserve buffer.
	if freeAfter < g.cfg.ReserveSpaceBytes {
		g.log.Warn("upload would breach reserve buffer",
			zap.Int64("free_after", freeAfter),
			zap.Int64("reserve", g.cfg.ReserveSpaceBytes))
		return false, fmt.Sprintf("Upload would breach disk space reserve (%s)",
			fileutil.FormatSize(g.cfg.ReserveSpaceBytes))
	}

	return true, ""
}

// QuarantineSize sums the bytes currently counted against the cap.
func (g *DiskGuard) QuarantineSize(ctx context.Context) (int64, error) {
	return g.repo.SumSizeByStatus(ctx, types.QuarantineLiveStatuses())
}

// CheckQuarantineLimit verifies the quarantine cap would not be exceeded
// by additionalBytes. A cap of zero or below means unlimited.
func (g *DiskGuard) CheckQuarantineLimit(ctx context.Context, additionalBytes int64) (bool, string, error) {
	if !g.cfg.Enabled || g.cfg.MaxQuarantineSizeBytes <= 0 {
		return true, "", nil
	}

	current, err := g.QuarantineSize(ctx)
	if err != nil {
		return false, "", err
	}

	projected := current + additionalBytes
	if projected > g.cfg.MaxQuarantineSizeBytes {
		g.log.Warn("quarantine size limit exceeded",
			zap.Int64("current_size", current),
			zap.Int64("additional", additionalBytes),
			zap.Int64("limit", g.cfg.MaxQuarantineSizeBytes))
		return false, fmt.Sprintf("Quarantine full. Current: %s, Limit: %s",
			fileutil.FormatSize(current), fileutil.FormatSize(g.cfg.MaxQuarantineSizeBytes)), nil
	}

	return true, "", nil
}

// CheckSingleUploadSize enforces the per-upload cap.
func (g *DiskGuard) CheckSingleUploadSize(sizeBytes int64) (bool, string) {
	if !g.cfg.Enabled || g.cfg.MaxSingleUploadSizeMB <= 0 {
		return true, ""
	}
	if sizeBytes > g.cfg.MaxSingleUploadSizeBytes() {
		return false, fmt.Sprintf("File exceeds maximum upload size of %d MB", g.cfg.MaxSingleUploadSizeMB)
	}
	return true, ""
}

// CleanupOldFiles evicts quarantine files older than the configured age,
// oldest first. targetBytes > 0 stops the sweep once enough is freed.
// Returns bytes freed.
func (g *DiskGuard) CleanupOldFiles(ctx context.Context, targetBytes int64) (int64, error) {
	if g.cfg.AutoCleanupAge <= 0 || !g.cfg.AutoCleanupEnabled {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-g.cfg.AutoCleanupAge)
	uploads, err := g.repo.ListByStatusOldestFirst(ctx, types.StaleCleanupStatuses(), cutoff)
	if err != nil {
		return 0, err
	}

	return g.evict(ctx, uploads, targetBytes, types.StatusAutoDeleted,
		"Deleted by automatic quarantine cleanup", types.StaleCleanupStatuses())
}

// EmergencyCleanup evicts live quarantine files regardless of age until
// targetBytes is freed. Infected files are never touched here.
func (g *DiskGuard) EmergencyCleanup(ctx context.Context, targetBytes int64) (int64, error) {
	g.log.Warn("emergency cleanup triggered, disk critically low",
		zap.Int64("target_bytes", targetBytes))

	uploads, err := g.repo.ListByStatusOldestFirst(ctx, types.EmergencyCleanupStatuses(), time.Time{})
	if err != nil {
		return 0, err
	}

	return g.evict(ctx, uploads, targetBytes, types.StatusEmergencyDeleted,
		"Deleted during emergency disk cleanup", types.EmergencyCleanupStatuses())
}

// evict removes quarantine files and marks their records, using
// conditional updates so a concurrent sweep never double-counts.
func (g *DiskGuard) evict(ctx context.Context, uploads []*Upload, targetBytes int64, to types.Status, reason string, guard []types.Status) (int64, error) {
	var freed int64
	deleted := 0

	for _, u := range uploads {
		if targetBytes > 0 && freed >= targetBytes {
			break
		}
		if ctx.Err() != nil {
			return freed, ctx.Err()
		}

		msg := reason
		ok, err := g.repo.UpdateStatusIf(ctx, u.UUID, guard, StatusUpdate{
			Status:       to,
			ErrorMessage: &msg,
		})
		if err != nil {
			g.log.Error("failed to mark upload evicted",
				zap.String("upload_uuid", u.UUID), zap.Error(err))
			continue
		}
		if !ok {
			// another sweep or a scan got here first
			continue
		}

		if u.QuarantinePath != "" {
			if info, statErr := os.Stat(u.QuarantinePath); statErr == nil {
				if err := os.Remove(u.QuarantinePath); err != nil {
					g.log.Error("failed to delete quarantine file",
						zap.String("upload_uuid", u.UUID), zap.Error(err))
					continue
				}
				freed += info.Size()
				deleted++
				g.log.Warn("quarantine file evicted",
					zap.String("upload_uuid", u.UUID),
					zap.Int64("file_size", info.Size()),
					zap.String("original_status", string(u.Status)))
			}
		}
	}

	if deleted > 0 {
		g.log.Info("quarantine cleanup finished",
			zap.Int("files_deleted", deleted),
			zap.Int64("bytes_freed", freed))
	}
	return freed, nil
}

// DiskStatus is the introspection payload for the system endpoint.
type DiskStatus struct {
	Total           int64   `json:"total_bytes"`
	Free            int64   `json:"free_bytes"`
	Used            int64   `json:"used_bytes"`
	FreePercent     float64 `json:"free_percent"`
	QuarantineSize  int64   `json:"quarantine_size_bytes"`
	QuarantineLimit int64   `json:"quarantine_limit_bytes"`
	Alert           bool    `json:"alert"`
	Emergency       bool    `json:"emergency"`
}

// Status reports current disk and quarantine usage.
func (g *DiskGuard) Status(ctx context.Context) (*DiskStatus, error) {
	usage, err := g.usage(g.quarantineDir)
	if err != nil {
		return nil, err
	}

	qSize, err := g.QuarantineSize(ctx)
	if err != nil {
		return nil, err
	}

	freePercent := usage.FreePercent()
	return &DiskStatus{
		Total:           usage.Total,
		Free:            usage.Free,
		Used:            usage.Used,
		FreePercent:     freePercent,
		QuarantineSize:  qSize,
		QuarantineLimit: g.cfg.MaxQuarantineSizeBytes,
		Alert:           freePercent < g.cfg.AlertThresholdPercent,
		Emergency:       freePercent < g.cfg.EmergencyThresholdPercent,
	}, nil
}

// Run executes the periodic cleanup sweep until ctx is cancelled.
func (g *DiskGuard) Run(ctx context.Context) {
	if !g.cfg.Enabled || g.cfg.CleanupInterval <= 0 {
		return
	}

	ticker := time.NewTicker(g.cfg.CleanupInterval)
	defer ticker.Stop()

	g.log.Info("disk guard sweep started",
		zap.Duration("interval", g.cfg.CleanupInterval))

	for {
		select {
		case <-ctx.Done():
			g.log.Info("disk guard sweep stopped")
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

func (g *DiskGuard) sweep(ctx context.Context) {
	if g.cfg.AutoCleanupEnabled {
		if _, err := g.CleanupOldFiles(ctx, 0); err != nil {
			g.log.Error("periodic cleanup failed", zap.Error(err))
		}
	}

	usage, err := g.usage(g.quarantineDir)
	if err != nil {
		g.log.Error("failed to stat quarantine filesystem", zap.Error(err))
		return
	}

	if usage.FreePercent() < g.cfg.EmergencyThresholdPercent {
		// free enough to climb back above the alert threshold
		target := int64(float64(usage.Total)*g.cfg.AlertThresholdPercent/100) - usage.Free
		if target > 0 {
			if _, err := g.EmergencyCleanup(ctx, target); err != nil {
				g.log.Error("emergency cleanup failed", zap.Error(err))
			}
		}
	} else if usage.FreePercent() < g.cfg.AlertThresholdPercent {
		g.log.Warn("disk space below alert threshold",
			zap.Float64("free_percent", usage.FreePercent()),
			zap.Float64("alert_threshold", g.cfg.AlertThresholdPercent))
	}
}
