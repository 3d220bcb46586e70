// Package data implements the persistence and audit adapters behind
// the biz interfaces: the GORM upload repository, the move manifest
// and the Redis move lease.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/bookgate/uploader-backend/internal/upload/biz"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

// UploadModel is the GORM model for one upload record.
type UploadModel struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	UUID              string `gorm:"type:varchar(36);uniqueIndex;not null"`
	OriginalFilename  string `gorm:"type:varchar(512);not null"`
	SanitizedFilename string `gorm:"type:varchar(512)"`
	FileExtension     string `gorm:"type:varchar(16);not null"`
	FileSize          int64  `gorm:"not null"`
	MIMEType          string `gorm:"column:mime_type;type:varchar(128)"`
	ContentHash       string `gorm:"type:varchar(64);index"`

	Status         string `gorm:"type:varchar(32);index;not null"`
	QuarantinePath string `gorm:"type:varchar(1024)"`
	FinalPath      string `gorm:"type:varchar(1024)"`

	ScanResult  string `gorm:"type:varchar(32)"`
	ScanDetails string `gorm:"type:text"`
	ScannedAt   *time.Time

	Metadata            string `gorm:"type:text"`
	MetadataEdited      bool
	MetadataExtractedAt *time.Time
	MetadataVerifiedAt  *time.Time

	PreviewGenerated bool
	PreviewPath      string `gorm:"type:varchar(1024)"`

	IsDuplicate     bool
	DuplicateOf     string `gorm:"type:varchar(36)"`
	DuplicateReason string `gorm:"type:varchar(256)"`

	UploadedAt   time.Time `gorm:"index;not null"`
	MovedAt      *time.Time
	ErrorMessage string `gorm:"type:text"`
	UploadedBy   string `gorm:"type:varchar(128)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName sets the table name for UploadModel.
func (UploadModel) TableName() string {
	return "uploads"
}

// UploadRepo implements biz.UploadRepo on PostgreSQL through GORM.
type UploadRepo struct {
	db *gorm.DB
}

func NewUploadRepo(db *gorm.DB) *UploadRepo {
	return &UploadRepo{db: db}
}

func (r *UploadRepo) Create(ctx context.Context, u *biz.Upload) error {
	model, err := r.toModel(u)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to create upload record: %w", err)
	}
	return nil
}

func (r *UploadRepo) GetByUUID(ctx context.Context, uuid string) (*biz.Upload, error) {
	var model UploadModel
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return r.toDomain(&model)
}

func (r *UploadRepo) Update(ctx context.Context, u *biz.Upload) error {
	model, err := r.toModel(u)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).
		Model(&UploadModel{}).
		Where("uuid = ?", u.UUID).
		Select("*").
		Omit("id", "uuid", "created_at").
		Updates(model).Error; err != nil {
		return fmt.Errorf("failed to update upload: %w", err)
	}
	return nil
}

func (r *UploadRepo) Delete(ctx context.Context, uuid string) error {
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).Delete(&UploadModel{}).Error; err != nil {
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	return nil
}

// UpdateStatusIf performs a conditional UPDATE guarded by the current
// status, so a concurrent writer can never overwrite a terminal state.
func (r *UploadRepo) UpdateStatusIf(ctx context.Context, uuid string, allowedFrom []types.Status, upd biz.StatusUpdate) (bool, error) {
	values := map[string]interface{}{
		"status":     string(upd.Status),
		"updated_at": time.Now().UTC(),
	}
	if upd.FinalPath != nil {
		values["final_path"] = *upd.FinalPath
	}
	if upd.MovedAt != nil {
		values["moved_at"] = *upd.MovedAt
	}
	if upd.IsDuplicate != nil {
		values["is_duplicate"] = *upd.IsDuplicate
	}
	if upd.DuplicateOf != nil {
		values["duplicate_of"] = *upd.DuplicateOf
	}
	if upd.DuplicateReason != nil {
		values["duplicate_reason"] = *upd.DuplicateReason
	}
	if upd.ErrorMessage != nil {
		values["error_message"] = *upd.ErrorMessage
	}
	if upd.ScanResult != nil {
		values["scan_result"] = *upd.ScanResult
	}
	if upd.ScanDetails != nil {
		values["scan_details"] = *upd.ScanDetails
	}
	if upd.ScannedAt != nil {
		values["scanned_at"] = *upd.ScannedAt
	}
	if upd.Metadata != nil {
		raw, err := json.Marshal(upd.Metadata)
		if err != nil {
			return false, fmt.Errorf("failed to serialize metadata: %w", err)
		}
		values["metadata"] = string(raw)
	}
	if upd.MetadataEdited != nil {
		values["metadata_edited"] = *upd.MetadataEdited
	}
	if upd.MetadataExtractedAt != nil {
		values["metadata_extracted_at"] = *upd.MetadataExtractedAt
	}
	if upd.MetadataVerifiedAt != nil {
		values["metadata_verified_at"] = *upd.MetadataVerifiedAt
	}

	result := r.db.WithContext(ctx).
		Model(&UploadModel{}).
		Where("uuid = ? AND status IN ?", uuid, statusStrings(allowedFrom)).
		Updates(values)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update upload status: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SetPreviewState touches only the preview columns; the record's
// status is deliberately left alone.
func (r *UploadRepo) SetPreviewState(ctx context.Context, uuid string, previewPath string) error {
	err := r.db.WithContext(ctx).
		Model(&UploadModel{}).
		Where("uuid = ?", uuid).
		Updates(map[string]interface{}{
			"preview_generated": true,
			"preview_path":      previewPath,
			"updated_at":        time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update preview state: %w", err)
	}
	return nil
}

func (r *UploadRepo) FindByHash(ctx context.Context, hash string, statuses []types.Status, excludeUUID string) ([]*biz.Upload, error) {
	query := r.db.WithContext(ctx).
		Where("content_hash = ? AND status IN ?", hash, statusStrings(statuses))
	if excludeUUID != "" {
		query = query.Where("uuid <> ?", excludeUUID)
	}

	var modelList []UploadModel
	if err := query.Order("uploaded_at ASC").Find(&modelList).Error; err != nil {
		return nil, fmt.Errorf("failed to find uploads by hash: %w", err)
	}
	return r.toDomainList(modelList)
}

func (r *UploadRepo) FindBySize(ctx context.Context, size int64, excludeUUID string) ([]*biz.Upload, error) {
	query := r.db.WithContext(ctx).Where("file_size = ?", size)
	if excludeUUID != "" {
		query = query.Where("uuid <> ?", excludeUUID)
	}

	var modelList []UploadModel
	if err := query.Order("uploaded_at ASC").Find(&modelList).Error; err != nil {
		return nil, fmt.Errorf("failed to find uploads by size: %w", err)
	}
	return r.toDomainList(modelList)
}

func (r *UploadRepo) FindLatestScanByHash(ctx context.Context, hash string) (*biz.Upload, error) {
	var model UploadModel
	err := r.db.WithContext(ctx).
		Where("content_hash = ? AND scanned_at IS NOT NULL", hash).
		Order("scanned_at DESC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find scan history: %w", err)
	}
	return r.toDomain(&model)
}

func (r *UploadRepo) ListKeptWithMetadata(ctx context.Context, excludeUUID string) ([]*biz.Upload, error) {
	query := r.db.WithContext(ctx).
		Where("status IN ? AND metadata <> ''", statusStrings(types.KeptStatuses()))
	if excludeUUID != "" {
		query = query.Where("uuid <> ?", excludeUUID)
	}

	var modelList []UploadModel
	if err := query.Find(&modelList).Error; err != nil {
		return nil, fmt.Errorf("failed to list kept uploads: %w", err)
	}
	return r.toDomainList(modelList)
}

func (r *UploadRepo) SumSizeByStatus(ctx context.Context, statuses []types.Status) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&UploadModel{}).
		Where("status IN ?", statusStrings(statuses)).
		Select("COALESCE(SUM(file_size), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum upload sizes: %w", err)
	}
	return total, nil
}

func (r *UploadRepo) CountByStatus(ctx context.Context) (map[types.Status]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&UploadModel{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count uploads by status: %w", err)
	}

	out := make(map[types.Status]int64, len(rows))
	for _, row := range rows {
		out[types.Status(row.Status)] = row.Count
	}
	return out, nil
}

func (r *UploadRepo) ListByStatusOldestFirst(ctx context.Context, statuses []types.Status, cutoff time.Time) ([]*biz.Upload, error) {
	query := r.db.WithContext(ctx).
		Where("status IN ?", statusStrings(statuses))
	if !cutoff.IsZero() {
		query = query.Where("uploaded_at < ?", cutoff)
	}

	var modelList []UploadModel
	if err := query.Order("uploaded_at ASC").Find(&modelList).Error; err != nil {
		return nil, fmt.Errorf("failed to list uploads by status: %w", err)
	}
	return r.toDomainList(modelList)
}

func (r *UploadRepo) List(ctx context.Context, limit, offset int) ([]*biz.Upload, error) {
	var modelList []UploadModel
	err := r.db.WithContext(ctx).
		Order("uploaded_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&modelList).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	return r.toDomainList(modelList)
}

func statusStrings(statuses []types.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func (r *UploadRepo) toModel(u *biz.Upload) (*UploadModel, error) {
	var metadata string
	if u.Metadata != nil {
		raw, err := json.Marshal(u.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize metadata: %w", err)
		}
		metadata = string(raw)
	}

	return &UploadModel{
		UUID:                u.UUID,
		OriginalFilename:    u.OriginalFilename,
		SanitizedFilename:   u.SanitizedFilename,
		FileExtension:       u.FileExtension,
		FileSize:            u.FileSize,
		MIMEType:            u.MIMEType,
		ContentHash:         u.ContentHash,
		Status:              string(u.Status),
		QuarantinePath:      u.QuarantinePath,
		FinalPath:           u.FinalPath,
		ScanResult:          u.ScanResult,
		ScanDetails:         u.ScanDetails,
		ScannedAt:           u.ScannedAt,
		Metadata:            metadata,
		MetadataEdited:      u.MetadataEdited,
		MetadataExtractedAt: u.MetadataExtractedAt,
		MetadataVerifiedAt:  u.MetadataVerifiedAt,
		PreviewGenerated:    u.PreviewGenerated,
		PreviewPath:         u.PreviewPath,
		IsDuplicate:         u.IsDuplicate,
		DuplicateOf:         u.DuplicateOf,
		DuplicateReason:     u.DuplicateReason,
		UploadedAt:          u.UploadedAt,
		MovedAt:             u.MovedAt,
		ErrorMessage:        u.ErrorMessage,
		UploadedBy:          u.UploadedBy,
	}, nil
}

func (r *UploadRepo) toDomain(model *UploadModel) (*biz.Upload, error) {
	var metadata *biz.BookMetadata
	if model.Metadata != "" {
		metadata = &biz.BookMetadata{}
		if err := json.Unmarshal([]byte(model.Metadata), metadata); err != nil {
			return nil, fmt.Errorf("failed to parse metadata for %s: %w", model.UUID, err)
		}
	}

	return &biz.Upload{
		UUID:                model.UUID,
		OriginalFilename:    model.OriginalFilename,
		SanitizedFilename:   model.SanitizedFilename,
		FileExtension:       model.FileExtension,
		FileSize:            model.FileSize,
		MIMEType:            model.MIMEType,
		ContentHash:         model.ContentHash,
		Status:              types.Status(model.Status),
		QuarantinePath:      model.QuarantinePath,
		FinalPath:           model.FinalPath,
		ScanResult:          model.ScanResult,
		ScanDetails:         model.ScanDetails,
		ScannedAt:           model.ScannedAt,
		Metadata:            metadata,
		MetadataEdited:      model.MetadataEdited,
		MetadataExtractedAt: model.MetadataExtractedAt,
		MetadataVerifiedAt:  model.MetadataVerifiedAt,
		PreviewGenerated:    model.PreviewGenerated,
		PreviewPath:         model.PreviewPath,
		IsDuplicate:         model.IsDuplicate,
		DuplicateOf:         model.DuplicateOf,
		DuplicateReason:     model.DuplicateReason,
		UploadedAt:          model.UploadedAt,
		MovedAt:             model.MovedAt,
		ErrorMessage:        model.ErrorMessage,
		UploadedBy:          model.UploadedBy,
	}, nil
}

func (r *UploadRepo) toDomainList(modelList []UploadModel) ([]*biz.Upload, error) {
	uploads := make([]*biz.Upload, 0, len(modelList))
	for i := range modelList {
		u, err := r.toDomain(&modelList[i])
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, nil
}
