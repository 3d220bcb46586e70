package biz

import (
	"context"
	"testing"

	"github.com/bookgate/uploader-backend/internal/pkg/errors"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

func TestUploadGetNotFound(t *testing.T) {
	uc := NewUploadUseCase(newMemRepo(), testLogger())

	_, err := uc.Get(context.Background(), "ghost")
	if !errors.Is(err, errors.ErrUploadNotFound) {
		t.Errorf("error code = %d, want not found", errors.ExtractCode(err))
	}
}

func TestMarkPreviewGenerated(t *testing.T) {
	repo := newMemRepo()
	repo.put(&Upload{UUID: "u1", Status: types.StatusSafe})

	uc := NewUploadUseCase(repo, testLogger())

	if err := uc.MarkPreviewGenerated(context.Background(), "u1", "/cache/u1.json"); err != nil {
		t.Fatalf("MarkPreviewGenerated() error = %v", err)
	}

	stored, _ := repo.GetByUUID(context.Background(), "u1")
	if !stored.PreviewGenerated || stored.PreviewPath != "/cache/u1.json" {
		t.Errorf("preview state = %v %q", stored.PreviewGenerated, stored.PreviewPath)
	}
}

func TestMarkPreviewGeneratedLeavesStatusAlone(t *testing.T) {
	repo := newMemRepo()
	repo.put(&Upload{UUID: "u1", Status: types.StatusInfected, ScanResult: "malicious"})

	// the handler read the record before the scan verdict landed
	stale := &staleRepo{memRepo: repo, stale: &Upload{UUID: "u1", Status: types.StatusSafe}}
	uc := NewUploadUseCase(stale, testLogger())

	if err := uc.MarkPreviewGenerated(context.Background(), "u1", "/cache/u1.json"); err != nil {
		t.Fatalf("MarkPreviewGenerated() error = %v", err)
	}

	stored, _ := repo.GetByUUID(context.Background(), "u1")
	if stored.Status != types.StatusInfected || stored.ScanResult != "malicious" {
		t.Errorf("status = %s scan_result = %q, concurrent verdict was clobbered",
			stored.Status, stored.ScanResult)
	}
	if !stored.PreviewGenerated {
		t.Error("preview state not recorded")
	}
}
