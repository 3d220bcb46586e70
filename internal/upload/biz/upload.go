// Package biz holds the upload lifecycle domain logic: intake, disk
// guard, duplicate resolution, scanning and the mover.
package biz

import (
	"context"
	"time"

	"github.com/bookgate/uploader-backend/internal/pkg/errors"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

// BookMetadata is the bibliographic metadata attached to an upload.
type BookMetadata struct {
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Series    string `json:"series,omitempty"`
	Year      string `json:"year,omitempty"`
	Language  string `json:"language,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
}

// Upload is the domain record for one uploaded file.
type Upload struct {
	UUID              string
	OriginalFilename  string
	SanitizedFilename string
	FileExtension     string
	FileSize          int64
	MIMEType          string
	ContentHash       string

	Status         types.Status
	QuarantinePath string
	FinalPath      string

	ScanResult  string
	ScanDetails string
	ScannedAt   *time.Time

	Metadata            *BookMetadata
	MetadataEdited      bool
	MetadataExtractedAt *time.Time
	MetadataVerifiedAt  *time.Time

	PreviewGenerated bool
	PreviewPath      string

	IsDuplicate     bool
	DuplicateOf     string
	DuplicateReason string

	UploadedAt   time.Time
	MovedAt      *time.Time
	ErrorMessage string
	UploadedBy   string
}

// StatusUpdate carries the fields written together with a status change.
// Nil fields are left untouched.
type StatusUpdate struct {
	Status          types.Status
	FinalPath       *string
	MovedAt         *time.Time
	IsDuplicate     *bool
	DuplicateOf     *string
	DuplicateReason *string
	ErrorMessage    *string

	ScanResult  *string
	ScanDetails *string
	ScannedAt   *time.Time

	Metadata            *BookMetadata
	MetadataEdited      *bool
	MetadataExtractedAt *time.Time
	MetadataVerifiedAt  *time.Time
}

// UploadRepo is the persistence contract for upload records.
type UploadRepo interface {
	Create(ctx context.Context, u *Upload) error
	GetByUUID(ctx context.Context, uuid string) (*Upload, error)
	Update(ctx context.Context, u *Upload) error
	Delete(ctx context.Context, uuid string) error

	// UpdateStatusIf applies upd only when the row's current status is
	// still in allowedFrom. Returns false when the guard failed, which
	// means a concurrent writer won the race.
	UpdateStatusIf(ctx context.Context, uuid string, allowedFrom []types.Status, upd StatusUpdate) (bool, error)

	// SetPreviewState records preview generation, touching only the
	// preview columns so it cannot clobber a concurrent status change.
	SetPreviewState(ctx context.Context, uuid string, previewPath string) error

	// FindByHash returns records with the given content hash whose
	// status is in the set, excluding excludeUUID when non-empty.
	FindByHash(ctx context.Context, hash string, statuses []types.Status, excludeUUID string) ([]*Upload, error)

	// FindBySize returns records with the same byte size, excluding
	// excludeUUID. Size equality is only a pre-screen; callers must
	// confirm with a hash comparison.
	FindBySize(ctx context.Context, size int64, excludeUUID string) ([]*Upload, error)

	// FindLatestScanByHash returns the most recently scanned record
	// with the given hash, or nil.
	FindLatestScanByHash(ctx context.Context, hash string) (*Upload, error)

	// ListKeptWithMetadata returns kept records carrying metadata, for
	// the name-conflict check.
	ListKeptWithMetadata(ctx context.Context, excludeUUID string) ([]*Upload, error)

	// SumSizeByStatus totals file_size over records in the status set.
	SumSizeByStatus(ctx context.Context, statuses []types.Status) (int64, error)

	// CountByStatus returns per-status record counts.
	CountByStatus(ctx context.Context) (map[types.Status]int64, error)

	// ListByStatusOldestFirst returns records in the status set,
	// optionally uploaded before cutoff (zero value disables the filter),
	// ordered oldest first.
	ListByStatusOldestFirst(ctx context.Context, statuses []types.Status, cutoff time.Time) ([]*Upload, error)

	// List returns recent uploads, newest first.
	List(ctx context.Context, limit, offset int) ([]*Upload, error)
}

// ManifestEntry is one audit line in the move manifest.
type ManifestEntry struct {
	Timestamp       time.Time
	UUID            string
	OriginalName    string
	DestinationPath string
	FileHash        string
	FileSize        int64
	Action          string // moved, renamed, discarded
	Reason          string
}

// ManifestWriter appends audit entries; the file is append-only.
type ManifestWriter interface {
	Append(entry ManifestEntry) error
}

// RecordLocker serializes terminal transitions per record id.
type RecordLocker interface {
	Acquire(ctx context.Context, uuid string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, uuid string) error
}

// FileScanner is the external malware-scanning capability.
type FileScanner interface {
	// ScanFile submits the file (or reuses a known hash) and waits for
	// a verdict within the provider's retry budget.
	ScanFile(ctx context.Context, path string, hash string) (types.ScanResult, string, error)
}

// LibraryPathProvider resolves the library directory trees searched
// during filesystem duplicate detection.
type LibraryPathProvider interface {
	LibraryPaths(ctx context.Context) ([]string, error)
}

// MetadataExtractor pulls bibliographic metadata out of a file.
type MetadataExtractor interface {
	Extract(ctx context.Context, path string, extension string) (*BookMetadata, error)
}

// Notifier reports noteworthy lifecycle events.
type Notifier interface {
	NotifyMoved(ctx context.Context, u *Upload, destination string)
	NotifyInfected(ctx context.Context, u *Upload)
}

// UploadUseCase exposes record-level queries to the service layer.
type UploadUseCase struct {
	repo UploadRepo
	log  *logger.Logger
}

func NewUploadUseCase(repo UploadRepo, log *logger.Logger) *UploadUseCase {
	return &UploadUseCase{repo: repo, log: log}
}

// Get returns the record for uuid.
func (uc *UploadUseCase) Get(ctx context.Context, uuid string) (*Upload, error) {
	u, err := uc.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errors.New(errors.ErrUploadNotFound, uuid)
	}
	return u, nil
}

// MarkPreviewGenerated records that a preview was rendered for uuid.
func (uc *UploadUseCase) MarkPreviewGenerated(ctx context.Context, uuid string, previewPath string) error {
	u, err := uc.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	if u == nil {
		return errors.New(errors.ErrUploadNotFound, uuid)
	}
	if u.PreviewGenerated && u.PreviewPath == previewPath {
		return nil
	}

	return uc.repo.SetPreviewState(ctx, uuid, previewPath)
}

// List returns recent uploads.
func (uc *UploadUseCase) List(ctx context.Context, limit, offset int) ([]*Upload, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return uc.repo.List(ctx, limit, offset)
}
