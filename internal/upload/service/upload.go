// Package service exposes the upload lifecycle over HTTP.
package service

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/auth/middleware"
	"github.com/bookgate/uploader-backend/internal/pkg/errors"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/pkg/response"
	"github.com/bookgate/uploader-backend/internal/preview"
	"github.com/bookgate/uploader-backend/internal/upload/biz"
)

// UploadService carries the HTTP handlers for the upload lifecycle.
type UploadService struct {
	uploads  *biz.UploadUseCase
	intake   *biz.IntakeUseCase
	scans    *biz.ScanUseCase
	metadata *biz.MetadataUseCase
	mover    *biz.Mover
	previews *preview.Generator
	log      *logger.Logger
}

func NewUploadService(
	uploads *biz.UploadUseCase,
	intake *biz.IntakeUseCase,
	scans *biz.ScanUseCase,
	metadata *biz.MetadataUseCase,
	mover *biz.Mover,
	previews *preview.Generator,
	log *logger.Logger,
) *UploadService {
	return &UploadService{
		uploads:  uploads,
		intake:   intake,
		scans:    scans,
		metadata: metadata,
		mover:    mover,
		previews: previews,
		log:      log,
	}
}

// UploadResponse is the public view of an upload record.
type UploadResponse struct {
	UUID              string            `json:"uuid"`
	OriginalFilename  string            `json:"original_filename"`
	SanitizedFilename string            `json:"sanitized_filename,omitempty"`
	FileExtension     string            `json:"file_extension"`
	FileSize          int64             `json:"file_size"`
	MIMEType          string            `json:"mime_type,omitempty"`
	ContentHash       string            `json:"content_hash"`
	Status            string            `json:"status"`
	FinalPath         string            `json:"final_path,omitempty"`
	ScanResult        string            `json:"scan_result,omitempty"`
	ScannedAt         *time.Time        `json:"scanned_at,omitempty"`
	Metadata          *biz.BookMetadata `json:"metadata,omitempty"`
	MetadataEdited    bool              `json:"metadata_edited,omitempty"`
	IsDuplicate       bool              `json:"is_duplicate,omitempty"`
	DuplicateOf       string            `json:"duplicate_of,omitempty"`
	DuplicateReason   string            `json:"duplicate_reason,omitempty"`
	UploadedAt        time.Time         `json:"uploaded_at"`
	MovedAt           *time.Time        `json:"moved_at,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	UploadedBy        string            `json:"uploaded_by,omitempty"`
}

func toResponse(u *biz.Upload) *UploadResponse {
	return &UploadResponse{
		UUID:              u.UUID,
		OriginalFilename:  u.OriginalFilename,
		SanitizedFilename: u.SanitizedFilename,
		FileExtension:     u.FileExtension,
		FileSize:          u.FileSize,
		MIMEType:          u.MIMEType,
		ContentHash:       u.ContentHash,
		Status:            string(u.Status),
		FinalPath:         u.FinalPath,
		ScanResult:        u.ScanResult,
		ScannedAt:         u.ScannedAt,
		Metadata:          u.Metadata,
		MetadataEdited:    u.MetadataEdited,
		IsDuplicate:       u.IsDuplicate,
		DuplicateOf:       u.DuplicateOf,
		DuplicateReason:   u.DuplicateReason,
		UploadedAt:        u.UploadedAt,
		MovedAt:           u.MovedAt,
		ErrorMessage:      u.ErrorMessage,
		UploadedBy:        u.UploadedBy,
	}
}

// Upload receives a multipart file and quarantines it.
func (s *UploadService) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "multipart field \"file\" is required")
		return
	}

	f, err := header.Open()
	if err != nil {
		s.log.Error("failed to open uploaded file", zap.Error(err))
		response.InternalError(c, "failed to read upload")
		return
	}
	defer f.Close()

	record, err := s.intake.Intake(c.Request.Context(), biz.IntakeRequest{
		Filename:   header.Filename,
		Size:       header.Size,
		Content:    f,
		UploadedBy: middleware.Username(c),
	})
	if err != nil {
		response.HandleError(c, err)
		return
	}

	response.Created(c, toResponse(record))
}

// Get returns one upload record.
func (s *UploadService) Get(c *gin.Context) {
	record, err := s.uploads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, toResponse(record))
}

// List returns recent uploads.
func (s *UploadService) List(c *gin.Context) {
	var query struct {
		Limit  int `form:"limit"`
		Offset int `form:"offset"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		response.BadRequest(c, "invalid pagination parameters")
		return
	}

	records, err := s.uploads.List(c.Request.Context(), query.Limit, query.Offset)
	if err != nil {
		response.HandleError(c, err)
		return
	}

	out := make([]*UploadResponse, 0, len(records))
	for _, u := range records {
		out = append(out, toResponse(u))
	}
	response.Success(c, gin.H{"uploads": out, "count": len(out)})
}

// TriggerScan queues a malware scan.
func (s *UploadService) TriggerScan(c *gin.Context) {
	info, err := s.scans.Trigger(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, info)
}

// ScanStatus returns the current scan state.
func (s *UploadService) ScanStatus(c *gin.Context) {
	info, err := s.scans.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, info)
}

// GetMetadata returns the upload's metadata, extracting on demand.
func (s *UploadService) GetMetadata(c *gin.Context) {
	meta, err := s.metadata.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, meta)
}

// VerifyMetadata stores edited metadata and marks the record verified.
func (s *UploadService) VerifyMetadata(c *gin.Context) {
	var meta biz.BookMetadata
	if err := c.ShouldBindJSON(&meta); err != nil {
		response.BadRequest(c, "invalid metadata payload")
		return
	}

	record, err := s.metadata.Verify(c.Request.Context(), c.Param("id"), &meta)
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, toResponse(record))
}

// CheckDuplicate probes duplicate detection without moving the file.
func (s *UploadService) CheckDuplicate(c *gin.Context) {
	result, err := s.metadata.CheckDuplicate(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, result)
}

// Preview renders the first pages of the quarantined file.
func (s *UploadService) Preview(c *gin.Context) {
	record, err := s.uploads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}

	result, err := s.previews.Generate(c.Request.Context(),
		record.UUID, record.QuarantinePath, record.FileExtension)
	if err != nil {
		response.HandleError(c, err)
		return
	}

	if !record.PreviewGenerated {
		if err := s.uploads.MarkPreviewGenerated(c.Request.Context(),
			record.UUID, s.previews.CachePath(record.UUID)); err != nil {
			s.log.Warn("failed to record preview state",
				zap.String("upload_uuid", record.UUID), zap.Error(err))
		}
	}

	response.Success(c, result)
}

// Move runs the duplicate-checked move into the library.
func (s *UploadService) Move(c *gin.Context) {
	var req struct {
		DryRun bool `json:"dry_run"`
	}
	// an empty body means a real move
	_ = c.ShouldBindJSON(&req)

	result, err := s.mover.Move(c.Request.Context(), c.Param("id"), req.DryRun)
	if err != nil {
		response.HandleError(c, err)
		return
	}

	// precondition failures map onto error codes; completed moves,
	// discards and failures return the full result for the operator
	switch result.Status {
	case biz.MoveStatusNotFound:
		response.ErrorWithCode(c, errors.ErrUploadNotFound, c.Param("id"))
	case biz.MoveStatusInvalidState:
		response.ErrorWithCode(c, errors.ErrUploadInvalidState, result.Message)
	case biz.MoveStatusLocked:
		response.ErrorWithCode(c, errors.ErrUploadMoveInProgress, result.Message)
	case biz.MoveStatusDisabled:
		response.BadRequest(c, result.Message)
	default:
		response.Success(c, result)
	}
}

// MoveStatus reports where the record stands in the move lifecycle.
func (s *UploadService) MoveStatus(c *gin.Context) {
	record, err := s.uploads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}

	response.Success(c, gin.H{
		"uuid":             record.UUID,
		"status":           string(record.Status),
		"final_path":       record.FinalPath,
		"moved_at":         record.MovedAt,
		"is_duplicate":     record.IsDuplicate,
		"duplicate_of":     record.DuplicateOf,
		"duplicate_reason": record.DuplicateReason,
		"error_message":    record.ErrorMessage,
	})
}
