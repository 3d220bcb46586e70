package biz

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/errors"
	"github.com/bookgate/uploader-backend/internal/pkg/fileutil"
	"github.com/bookgate/uploader-backend/internal/pkg/hashutil"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

// IntakeRequest carries one incoming file.
type IntakeRequest struct {
	Filename   string
	Size       int64
	Content    io.Reader
	UploadedBy string
}

// IntakeUseCase admits files into quarantine: validation, disk guard
// checks, identity assignment, hashing and record creation.
type IntakeUseCase struct {
	repo     UploadRepo
	guard    *DiskGuard
	folders  conf.FoldersConfig
	upload   conf.UploadConfig
	security conf.SecurityConfig
	log      *logger.Logger
}

func NewIntakeUseCase(
	repo UploadRepo,
	guard *DiskGuard,
	folders conf.FoldersConfig,
	upload conf.UploadConfig,
	security conf.SecurityConfig,
	log *logger.Logger,
) *IntakeUseCase {
	return &IntakeUseCase{
		repo:     repo,
		guard:    guard,
		folders:  folders,
		upload:   upload,
		security: security,
		log:      log,
	}
}

// Intake validates and persists one upload. On success the returned
// record is in quarantined status with hash and MIME type populated.
func (uc *IntakeUseCase) Intake(ctx context.Context, req IntakeRequest) (*Upload, error) {
	if req.Filename == "" {
		return nil, errors.New(errors.ErrInvalidParams, "filename is required")
	}
	if req.Size <= 0 {
		return nil, errors.New(errors.ErrUploadEmptyFile)
	}
	if req.Size > uc.upload.MaxFileSizeBytes() {
		return nil, errors.New(errors.ErrUploadFileTooLarge,
			fmt.Sprintf("maximum is %d MB", uc.upload.MaxFileSizeMB))
	}
	if !fileutil.ValidateExtension(req.Filename, uc.upload.AllowedExtensions) {
		return nil, errors.New(errors.ErrUploadInvalidFileType,
			fmt.Sprintf("extension %q is not allowed", fileutil.Extension(req.Filename)))
	}

	if ok, reason := uc.guard.CheckSingleUploadSize(req.Size); !ok {
		return nil, errors.New(errors.ErrUploadFileTooLarge, reason)
	}
	if ok, reason := uc.guard.CheckDiskSpace(req.Size); !ok {
		return nil, errors.New(errors.ErrUploadInsufficientDisk, reason)
	}

	if err := uc.checkQuarantineCap(ctx, req.Size); err != nil {
		return nil, err
	}

	sanitized := req.Filename
	if uc.security.SanitizeFilenames {
		sanitized = fileutil.SanitizeFilename(req.Filename)
	}

	// Identity-based naming defeats path injection independently of
	// sanitization.
	id, quarantineName := fileutil.QuarantineName(req.Filename)
	quarantinePath := filepath.Join(uc.folders.Quarantine, quarantineName)

	if err := uc.saveFile(quarantinePath, req.Content); err != nil {
		return nil, errors.Wrap(err, errors.ErrUploadStorageFailed)
	}

	hash, err := hashutil.Sum(quarantinePath)
	if err != nil {
		uc.rollbackFile(quarantinePath)
		return nil, errors.Wrap(err, errors.ErrUploadStorageFailed, "failed to hash uploaded file")
	}

	mimeType := ""
	if mt, err := mimetype.DetectFile(quarantinePath); err == nil {
		mimeType = mt.String()
	} else {
		uc.log.Warn("mime detection failed", zap.String("path", quarantinePath), zap.Error(err))
	}

	size, err := fileutil.FileSize(quarantinePath)
	if err != nil {
		uc.rollbackFile(quarantinePath)
		return nil, errors.Wrap(err, errors.ErrUploadStorageFailed)
	}
	if size == 0 {
		uc.rollbackFile(quarantinePath)
		return nil, errors.New(errors.ErrUploadEmptyFile)
	}

	record := &Upload{
		UUID:              id,
		OriginalFilename:  req.Filename,
		SanitizedFilename: sanitized,
		FileExtension:     fileutil.Extension(req.Filename),
		FileSize:          size,
		MIMEType:          mimeType,
		ContentHash:       hash,
		Status:            types.StatusQuarantined,
		QuarantinePath:    quarantinePath,
		UploadedAt:        time.Now().UTC(),
		UploadedBy:        req.UploadedBy,
	}

	if err := uc.repo.Create(ctx, record); err != nil {
		// the file must not outlive a failed record insert
		uc.rollbackFile(quarantinePath)
		return nil, errors.Wrap(err, errors.ErrUploadStorageFailed, "failed to create upload record")
	}

	uc.log.Info("file quarantined",
		zap.String("upload_uuid", id),
		zap.String("filename", sanitized),
		zap.Int64("file_size", size),
		zap.String("mime_type", mimeType))

	return record, nil
}

// checkQuarantineCap enforces the quarantine size limit, attempting one
// automatic cleanup before rejecting.
func (uc *IntakeUseCase) checkQuarantineCap(ctx context.Context, additionalBytes int64) error {
	ok, reason, err := uc.guard.CheckQuarantineLimit(ctx, additionalBytes)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternalServer)
	}
	if ok {
		return nil
	}

	uc.log.Info("quarantine cap hit, attempting automatic cleanup")
	if _, err := uc.guard.CleanupOldFiles(ctx, additionalBytes); err != nil {
		uc.log.Error("automatic cleanup failed", zap.Error(err))
	}

	ok, reason, err = uc.guard.CheckQuarantineLimit(ctx, additionalBytes)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternalServer)
	}
	if !ok {
		return errors.New(errors.ErrUploadQuarantineFull, reason)
	}
	return nil
}

func (uc *IntakeUseCase) saveFile(path string, content io.Reader) error {
	dirMode := os.FileMode(uc.security.DirectoryPermissionsMode)
	if dirMode == 0 {
		dirMode = 0o700
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create quarantine directory: %w", err)
	}

	fileMode := os.FileMode(uc.security.FilePermissionsMode)
	if fileMode == 0 {
		fileMode = 0o600
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return fmt.Errorf("create quarantine file: %w", err)
	}

	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write quarantine file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("sync quarantine file: %w", err)
	}
	return f.Close()
}

func (uc *IntakeUseCase) rollbackFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		uc.log.Error("failed to roll back quarantine file",
			zap.String("path", path), zap.Error(err))
	}
}
