package biz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/errors"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

// metadataVerifiableStatuses are the states verification may advance
// from, mirroring the transition table for metadata_verified.
var metadataVerifiableStatuses = []types.Status{
	types.StatusQuarantined,
	types.StatusSafe,
	types.StatusMetadataVerified,
}

// MetadataUseCase extracts, serves and verifies bibliographic metadata.
// Verification advances the record toward the mover's entry set.
type MetadataUseCase struct {
	repo      UploadRepo
	extractor MetadataExtractor
	resolver  *DuplicateResolver
	cfg       conf.MetadataConfig
	log       *logger.Logger
}

func NewMetadataUseCase(
	repo UploadRepo,
	extractor MetadataExtractor,
	resolver *DuplicateResolver,
	cfg conf.MetadataConfig,
	log *logger.Logger,
) *MetadataUseCase {
	return &MetadataUseCase{
		repo:      repo,
		extractor: extractor,
		resolver:  resolver,
		cfg:       cfg,
		log:       log,
	}
}

// Get returns the upload's metadata, extracting it on first access.
func (uc *MetadataUseCase) Get(ctx context.Context, uuid string) (*BookMetadata, error) {
	upload, err := uc.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if upload == nil {
		return nil, errors.New(errors.ErrUploadNotFound, uuid)
	}

	if upload.Metadata != nil {
		return upload.Metadata, nil
	}

	if !uc.cfg.Enabled || uc.extractor == nil {
		return &BookMetadata{}, nil
	}

	meta, err := uc.extractor.Extract(ctx, upload.QuarantinePath, upload.FileExtension)
	if err != nil {
		uc.log.Warn("metadata extraction failed",
			zap.String("upload_uuid", uuid), zap.Error(err))
		return &BookMetadata{}, nil
	}

	// Persist the extraction only if the record's status is unchanged;
	// losing the race just means the cached copy is skipped.
	now := time.Now().UTC()
	if _, err := uc.repo.UpdateStatusIf(ctx, uuid, []types.Status{upload.Status}, StatusUpdate{
		Status:              upload.Status,
		Metadata:            meta,
		MetadataExtractedAt: &now,
	}); err != nil {
		return nil, err
	}

	return meta, nil
}

// Verify stores user-edited metadata and, when the required fields are
// present, advances the record to metadata_verified.
func (uc *MetadataUseCase) Verify(ctx context.Context, uuid string, meta *BookMetadata) (*Upload, error) {
	if !uc.cfg.AllowUserEditing {
		return nil, errors.New(errors.ErrForbidden, "metadata editing is disabled")
	}
	if meta == nil {
		return nil, errors.New(errors.ErrInvalidParams, "metadata payload is required")
	}

	if err := uc.validateRequired(meta); err != nil {
		return nil, err
	}

	upload, err := uc.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if upload == nil {
		return nil, errors.New(errors.ErrUploadNotFound, uuid)
	}

	if !upload.Status.CanTransition(types.StatusMetadataVerified) {
		return nil, errors.New(errors.ErrUploadInvalidState,
			fmt.Sprintf("cannot verify metadata in status %s", upload.Status))
	}

	now := time.Now().UTC()
	edited := upload.Metadata == nil || *upload.Metadata != *meta
	markEdited := upload.MetadataEdited || edited

	// The guard repeats the transition check inside the UPDATE so a
	// concurrent eviction or scan verdict between the read above and
	// this write loses the record from the allowed set instead of
	// being silently overwritten.
	ok, err := uc.repo.UpdateStatusIf(ctx, uuid, metadataVerifiableStatuses, StatusUpdate{
		Status:             types.StatusMetadataVerified,
		Metadata:           meta,
		MetadataEdited:     &markEdited,
		MetadataVerifiedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.ErrUploadInvalidState,
			"upload changed state during verification")
	}

	verified, err := uc.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if verified == nil {
		return nil, errors.New(errors.ErrUploadNotFound, uuid)
	}

	uc.log.Info("metadata verified",
		zap.String("upload_uuid", uuid),
		zap.Bool("edited", edited))
	return verified, nil
}

func (uc *MetadataUseCase) validateRequired(meta *BookMetadata) error {
	for _, field := range uc.cfg.RequiredFields {
		var value string
		switch strings.ToLower(field) {
		case "title":
			value = meta.Title
		case "author":
			value = meta.Author
		case "publisher":
			value = meta.Publisher
		case "series":
			value = meta.Series
		case "year":
			value = meta.Year
		case "language":
			value = meta.Language
		default:
			continue
		}
		if strings.TrimSpace(value) == "" {
			return errors.New(errors.ErrUploadMetadataInvalid,
				fmt.Sprintf("required field %q is missing", field))
		}
	}
	return nil
}

// DuplicateCheckResult is the payload for the pre-move duplicate probe.
type DuplicateCheckResult struct {
	IsDuplicate     bool   `json:"is_duplicate"`
	HasNameConflict bool   `json:"has_name_conflict"`
	DuplicateOf     string `json:"duplicate_of,omitempty"`
	DuplicateReason string `json:"duplicate_reason,omitempty"`
	ConflictsWith   string `json:"conflicts_with,omitempty"`
}

// CheckDuplicate probes the duplicate checks without moving anything,
// so the UI can warn before a move is attempted.
func (uc *MetadataUseCase) CheckDuplicate(ctx context.Context, uuid string) (*DuplicateCheckResult, error) {
	upload, err := uc.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if upload == nil {
		return nil, errors.New(errors.ErrUploadNotFound, uuid)
	}

	result := &DuplicateCheckResult{}

	if upload.ContentHash != "" {
		match, err := uc.resolver.CheckDatabase(ctx, upload.ContentHash, uuid)
		if err != nil {
			return nil, err
		}
		if match != nil {
			result.IsDuplicate = true
			result.DuplicateOf = match.UUID
			result.DuplicateReason = types.ReasonExactHashDatabase
			return result, nil
		}
	}

	// size equality alone proves nothing, but it is worth surfacing in
	// the logs as a pre-screen when the hash found no match
	if sameSize, err := uc.repo.FindBySize(ctx, upload.FileSize, uuid); err == nil && len(sameSize) > 0 {
		uc.log.Info("records with identical size but different hash",
			zap.String("upload_uuid", uuid),
			zap.Int64("file_size", upload.FileSize),
			zap.Int("candidates", len(sameSize)))
	}

	conflict, err := uc.resolver.CheckNameConflict(ctx, upload.Metadata, uuid)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		result.HasNameConflict = true
		result.ConflictsWith = conflict.UUID
	}

	return result, nil
}
