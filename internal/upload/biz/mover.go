package biz

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/hashutil"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

// Machine-readable move outcome statuses.
const (
	MoveStatusDisabled        = "disabled"
	MoveStatusNotFound        = "not_found"
	MoveStatusInvalidState    = "invalid_state"
	MoveStatusSourceMissing   = "source_missing"
	MoveStatusDuplicate       = "duplicate_discarded"
	MoveStatusDryRun          = "dry_run"
	MoveStatusIntegrityFailed = "integrity_failed"
	MoveStatusMoveFailed      = "move_failed"
	MoveStatusMoved           = "moved"
	MoveStatusLocked          = "locked"
)

// MoveResult is the structured outcome of a move attempt. The mover
// never propagates expected failures as errors; they land here.
type MoveResult struct {
	Success         bool   `json:"success"`
	Status          string `json:"status"`
	Message         string `json:"message"`
	Source          string `json:"source,omitempty"`
	Destination     string `json:"destination,omitempty"`
	Renamed         bool   `json:"renamed"`
	OriginalName    string `json:"original_name,omitempty"`
	DuplicateOf     string `json:"duplicate_of,omitempty"`
	DuplicatePath   string `json:"duplicate_path,omitempty"`
	DuplicateReason string `json:"duplicate_reason,omitempty"`
	ExpectedHash    string `json:"expected_hash,omitempty"`
	ActualHash      string `json:"actual_hash,omitempty"`
}

// moveLeaseTTL bounds how long a crashed move can block retries.
const moveLeaseTTL = 5 * time.Minute

// Mover performs the terminal transition from quarantine into the
// library staging tree: duplicate resolution, rename-or-discard,
// physical move with integrity verification, manifest logging.
type Mover struct {
	repo     UploadRepo
	resolver *DuplicateResolver
	manifest ManifestWriter
	locker   RecordLocker
	notifier Notifier
	moving   conf.MovingConfig
	security conf.SecurityConfig
	log      *logger.Logger
}

func NewMover(
	repo UploadRepo,
	resolver *DuplicateResolver,
	manifest ManifestWriter,
	locker RecordLocker,
	notifier Notifier,
	moving conf.MovingConfig,
	security conf.SecurityConfig,
	log *logger.Logger,
) *Mover {
	return &Mover{
		repo:     repo,
		resolver: resolver,
		manifest: manifest,
		locker:   locker,
		notifier: notifier,
		moving:   moving,
		security: security,
		log:      log,
	}
}

// Move runs the full move pipeline for one upload. dryRun overrides the
// configured dry-run flag when true.
func (m *Mover) Move(ctx context.Context, uuid string, dryRun bool) (*MoveResult, error) {
	log := m.log.With(zap.String("upload_uuid", uuid))
	log.Info("starting file move operation")

	if !m.moving.Enabled {
		return &MoveResult{
			Status:  MoveStatusDisabled,
			Message: "Moving is disabled in configuration",
		}, nil
	}

	upload, err := m.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if upload == nil {
		return &MoveResult{
			Status:  MoveStatusNotFound,
			Message: "Upload not found",
		}, nil
	}

	if !upload.Status.In(types.VerifiedStatuses()) {
		return &MoveResult{
			Status:  MoveStatusInvalidState,
			Message: fmt.Sprintf("File must be verified before moving (current status: %s)", upload.Status),
		}, nil
	}

	// One move per record at a time. A lost lease means another move is
	// already running; the caller gets a conflict, not a queue slot.
	acquired, err := m.locker.Acquire(ctx, uuid, moveLeaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &MoveResult{
			Status:  MoveStatusLocked,
			Message: "Move already in progress for this upload",
		}, nil
	}
	defer func() {
		if relErr := m.locker.Release(context.WithoutCancel(ctx), uuid); relErr != nil {
			log.Warn("failed to release move lease", zap.Error(relErr))
		}
	}()

	sourcePath := upload.QuarantinePath
	if _, err := os.Stat(sourcePath); err != nil {
		return &MoveResult{
			Status:  MoveStatusSourceMissing,
			Message: "Source file not found in quarantine",
		}, nil
	}

	// Hash before any duplicate resolution runs.
	if upload.ContentHash == "" {
		hash, err := hashutil.Sum(sourcePath)
		if err != nil {
			return nil, fmt.Errorf("compute content hash: %w", err)
		}
		upload.ContentHash = hash
		if err := m.repo.Update(ctx, upload); err != nil {
			return nil, err
		}
	}
	fileHash := upload.ContentHash

	// Exact hash match in the record store discards without touching
	// the file; the source stays in quarantine for audit.
	dbMatch, err := m.resolver.CheckDatabase(ctx, fileHash, uuid)
	if err != nil {
		return nil, err
	}
	if dbMatch != nil && m.moving.DiscardOnExactDuplicate {
		log.Warn("exact duplicate found in database, discarding",
			zap.String("duplicate_of", dbMatch.UUID),
			zap.String("file_hash", fileHash))
		return m.discard(ctx, upload, types.ReasonExactHashDatabase, dbMatch.UUID, "", log)
	}

	fsMatch, err := m.resolver.CheckFilesystem(ctx, fileHash)
	if err != nil {
		return nil, err
	}
	if fsMatch != "" && m.moving.DiscardOnExactDuplicate {
		log.Warn("exact duplicate found in filesystem, discarding",
			zap.String("duplicate_path", fsMatch),
			zap.String("file_hash", fileHash))
		return m.discard(ctx, upload, types.FilesystemDuplicateReason(fsMatch), "", fsMatch, log)
	}

	// Name conflicts mean different content under the same title/author;
	// the policy is disambiguation, not rejection.
	conflict, err := m.resolver.CheckNameConflict(ctx, upload.Metadata, uuid)
	if err != nil {
		return nil, err
	}

	filename := upload.OriginalFilename
	renamed := false

	switch {
	case conflict != nil && m.moving.RenameOnNameConflict:
		filename = m.resolver.RenamedFilename(upload.Metadata, upload.FileExtension, time.Now())
		renamed = true
		log.Info("name conflict detected, renaming file",
			zap.String("original", upload.OriginalFilename),
			zap.String("new_name", filename))
	case conflict != nil:
		log.Warn("name conflict detected and renaming is disabled, discarding",
			zap.String("conflicts_with", conflict.UUID))
		return m.discard(ctx, upload, types.ReasonNameConflictDiscarded, conflict.UUID, "", log)
	}

	destPath, err := m.resolveDestination(filename)
	if err != nil {
		return nil, err
	}

	if dryRun || m.moving.DryRun {
		log.Info("dry run, would move file",
			zap.String("source", sourcePath),
			zap.String("destination", destPath),
			zap.Bool("renamed", renamed))
		return &MoveResult{
			Success:     true,
			Status:      MoveStatusDryRun,
			Message:     "Dry run: file would be moved, no changes made",
			Source:      sourcePath,
			Destination: destPath,
			Renamed:     renamed,
		}, nil
	}

	if result := m.physicalMove(ctx, upload, sourcePath, destPath, fileHash, log); result != nil {
		return result, nil
	}

	now := time.Now().UTC()
	upd := StatusUpdate{
		Status:    types.StatusMoved,
		FinalPath: &destPath,
		MovedAt:   &now,
	}
	if renamed {
		f := false
		reason := types.ReasonNameConflictRenamed
		upd.IsDuplicate = &f
		upd.DuplicateReason = &reason
	}

	// Re-validate the status guard at the terminal write; a concurrent
	// writer that slipped past the lease loses here.
	ok, err := m.repo.UpdateStatusIf(ctx, uuid, types.VerifiedStatuses(), upd)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &MoveResult{
			Status:  MoveStatusInvalidState,
			Message: "Upload status changed during move",
		}, nil
	}

	action := "moved"
	reason := ""
	if renamed {
		action = "renamed"
		reason = types.ReasonNameConflictRenamed
	}
	m.writeManifest(upload, destPath, action, reason, log)

	if m.notifier != nil {
		m.notifier.NotifyMoved(ctx, upload, destPath)
	}

	log.Info("file moved successfully",
		zap.String("destination", destPath),
		zap.Bool("renamed", renamed))

	result := &MoveResult{
		Success:     true,
		Status:      MoveStatusMoved,
		Message:     "File moved successfully",
		Source:      sourcePath,
		Destination: destPath,
		Renamed:     renamed,
	}
	if renamed {
		result.Message = "File moved successfully (renamed due to name conflict)"
		result.OriginalName = upload.OriginalFilename
	}
	return result, nil
}

// discard marks the upload duplicate_discarded and writes the manifest
// entry. No physical file is touched.
func (m *Mover) discard(ctx context.Context, upload *Upload, reason, duplicateOf, duplicatePath string, log *logger.Logger) (*MoveResult, error) {
	t := true
	upd := StatusUpdate{
		Status:          types.StatusDuplicate,
		IsDuplicate:     &t,
		DuplicateReason: &reason,
	}
	if duplicateOf != "" {
		upd.DuplicateOf = &duplicateOf
	}

	ok, err := m.repo.UpdateStatusIf(ctx, upload.UUID, types.VerifiedStatuses(), upd)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &MoveResult{
			Status:  MoveStatusInvalidState,
			Message: "Upload status changed during move",
		}, nil
	}

	m.writeManifest(upload, "", "discarded", reason, log)

	return &MoveResult{
		Status:          MoveStatusDuplicate,
		Message:         "Duplicate file detected",
		DuplicateOf:     duplicateOf,
		DuplicatePath:   duplicatePath,
		DuplicateReason: reason,
	}, nil
}

// resolveDestination places the file one level deep under the staging
// root and suffixes a counter until the name is free.
func (m *Mover) resolveDestination(filename string) (string, error) {
	destDir := filepath.Join(m.moving.UnsortedDir, "processed")

	dirMode := os.FileMode(m.security.DirectoryPermissionsMode)
	if dirMode == 0 {
		dirMode = 0o700
	}
	if err := os.MkdirAll(destDir, dirMode); err != nil {
		return "", fmt.Errorf("create destination directory: %w", err)
	}

	destPath := filepath.Join(destDir, filename)
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	for counter := 1; ; counter++ {
		if _, err := os.Stat(destPath); os.IsNotExist(err) {
			break
		}
		destPath = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", base, counter, ext))
	}

	return destPath, nil
}

// physicalMove relocates the file. Returns a failure MoveResult when the
// move could not complete, nil on success. Failures never delete the
// quarantine source.
func (m *Mover) physicalMove(ctx context.Context, upload *Upload, sourcePath, destPath, fileHash string, log *logger.Logger) *MoveResult {
	sameDir := filepath.Dir(sourcePath) == filepath.Dir(destPath)

	if m.moving.AtomicOperations && sameDir {
		if err := os.Rename(sourcePath, destPath); err != nil {
			return m.moveFailed(ctx, upload, err, log)
		}
		log.Info("file moved atomically")
	} else {
		if err := copyFile(sourcePath, destPath); err != nil {
			return m.moveFailed(ctx, upload, err, log)
		}
		log.Info("file copied to destination")

		if m.moving.VerifyIntegrityPostMove {
			actualHash, err := hashutil.Sum(destPath)
			if err != nil {
				return m.moveFailed(ctx, upload, err, log)
			}
			if !strings.EqualFold(actualHash, fileHash) {
				log.Error("integrity check failed after move, rolling back",
					zap.String("expected_hash", fileHash),
					zap.String("actual_hash", actualHash))

				// The corrupt copy goes; the source is the only good copy.
				if rmErr := os.Remove(destPath); rmErr != nil {
					log.Error("failed to remove corrupt destination copy", zap.Error(rmErr))
				}

				msg := "Integrity check failed after move"
				upd := StatusUpdate{Status: types.StatusMoveFailed, ErrorMessage: &msg}
				if _, uErr := m.repo.UpdateStatusIf(ctx, upload.UUID, types.VerifiedStatuses(), upd); uErr != nil {
					log.Error("failed to record integrity failure", zap.Error(uErr))
				}

				return &MoveResult{
					Status:       MoveStatusIntegrityFailed,
					Message:      "Integrity check failed, file may be corrupted",
					ExpectedHash: fileHash,
					ActualHash:   actualHash,
				}
			}
			log.Info("integrity verified successfully")
		}

		if m.moving.CleanupQuarantineOnSuccess {
			if err := os.Remove(sourcePath); err != nil {
				log.Warn("failed to delete quarantine source after move", zap.Error(err))
			}
		}
	}

	fileMode := os.FileMode(m.security.FilePermissionsMode)
	if fileMode == 0 {
		fileMode = 0o600
	}
	if err := os.Chmod(destPath, fileMode); err != nil {
		log.Warn("failed to set destination file permissions", zap.Error(err))
	}

	return nil
}

func (m *Mover) moveFailed(ctx context.Context, upload *Upload, cause error, log *logger.Logger) *MoveResult {
	log.Error("failed to move file", zap.Error(cause))

	msg := cause.Error()
	upd := StatusUpdate{Status: types.StatusMoveFailed, ErrorMessage: &msg}
	if _, err := m.repo.UpdateStatusIf(ctx, upload.UUID, types.VerifiedStatuses(), upd); err != nil {
		log.Error("failed to record move failure", zap.Error(err))
	}

	return &MoveResult{
		Status:  MoveStatusMoveFailed,
		Message: fmt.Sprintf("Failed to move file: %v", cause),
	}
}

func (m *Mover) writeManifest(upload *Upload, destination, action, reason string, log *logger.Logger) {
	if !m.moving.ChecksumManifest || m.manifest == nil {
		return
	}

	entry := ManifestEntry{
		Timestamp:       time.Now().UTC(),
		UUID:            upload.UUID,
		OriginalName:    upload.OriginalFilename,
		DestinationPath: destination,
		FileHash:        upload.ContentHash,
		FileSize:        upload.FileSize,
		Action:          action,
		Reason:          reason,
	}
	if err := m.manifest.Append(entry); err != nil {
		log.Error("failed to write manifest entry", zap.Error(err))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
