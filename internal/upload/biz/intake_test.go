package biz

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/errors"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

func newIntakeFixture(t *testing.T, repo *memRepo) (*IntakeUseCase, string) {
	t.Helper()

	quarDir := filepath.Join(t.TempDir(), "quarantine")
	guard := NewDiskGuard(repo, guardConfig(), quarDir, testLogger()).
		WithUsageFunc(fixedUsage(100<<30, 50<<30))

	uc := NewIntakeUseCase(
		repo,
		guard,
		conf.FoldersConfig{Quarantine: quarDir},
		conf.UploadConfig{
			MaxFileSizeMB:     25,
			AllowedExtensions: []string{"epub", "pdf", "cbz"},
		},
		conf.SecurityConfig{
			FilePermissionsMode:      0o600,
			DirectoryPermissionsMode: 0o700,
			SanitizeFilenames:        true,
		},
		testLogger(),
	)
	return uc, quarDir
}

func TestIntakeSuccess(t *testing.T) {
	repo := newMemRepo()
	uc, quarDir := newIntakeFixture(t, repo)

	content := strings.Repeat("x", 1000)
	record, err := uc.Intake(context.Background(), IntakeRequest{
		Filename:   "My Great Book.epub",
		Size:       int64(len(content)),
		Content:    strings.NewReader(content),
		UploadedBy: "reader",
	})
	if err != nil {
		t.Fatalf("Intake() error = %v", err)
	}

	if record.Status != types.StatusQuarantined {
		t.Errorf("status = %s, want quarantined", record.Status)
	}
	if record.UUID == "" {
		t.Error("uuid not assigned")
	}
	if record.ContentHash == "" {
		t.Error("hash not computed")
	}
	if record.SanitizedFilename != "My_Great_Book.epub" {
		t.Errorf("sanitized = %q", record.SanitizedFilename)
	}
	if record.FileSize != 1000 {
		t.Errorf("size = %d", record.FileSize)
	}

	// file named by identity, not by user input
	wantPath := filepath.Join(quarDir, record.UUID+".epub")
	if record.QuarantinePath != wantPath {
		t.Errorf("quarantine_path = %q, want %q", record.QuarantinePath, wantPath)
	}

	info, err := os.Stat(record.QuarantinePath)
	if err != nil {
		t.Fatalf("quarantine file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	stored, _ := repo.GetByUUID(context.Background(), record.UUID)
	if stored == nil {
		t.Fatal("record not persisted")
	}
}

func TestIntakeValidation(t *testing.T) {
	repo := newMemRepo()
	uc, _ := newIntakeFixture(t, repo)

	tests := []struct {
		name     string
		req      IntakeRequest
		wantCode int
	}{
		{
			"bad extension",
			IntakeRequest{Filename: "malware.exe", Size: 100, Content: strings.NewReader("x")},
			errors.ErrUploadInvalidFileType,
		},
		{
			"empty file",
			IntakeRequest{Filename: "empty.epub", Size: 0, Content: strings.NewReader("")},
			errors.ErrUploadEmptyFile,
		},
		{
			"oversize file",
			IntakeRequest{Filename: "huge.epub", Size: 26 << 20, Content: strings.NewReader("x")},
			errors.ErrUploadFileTooLarge,
		},
		{
			"missing filename",
			IntakeRequest{Size: 100, Content: strings.NewReader("x")},
			errors.ErrInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := uc.Intake(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.wantCode) {
				t.Errorf("error code = %d, want %d", errors.ExtractCode(err), tt.wantCode)
			}
		})
	}
}

func TestIntakeDiskGuardRejection(t *testing.T) {
	repo := newMemRepo()
	quarDir := filepath.Join(t.TempDir(), "quarantine")

	// 0.5% free: every space check fails
	guard := NewDiskGuard(repo, guardConfig(), quarDir, testLogger()).
		WithUsageFunc(fixedUsage(100<<30, 1<<29))

	uc := NewIntakeUseCase(repo, guard,
		conf.FoldersConfig{Quarantine: quarDir},
		conf.UploadConfig{MaxFileSizeMB: 25, AllowedExtensions: []string{"epub"}},
		conf.SecurityConfig{SanitizeFilenames: true},
		testLogger())

	_, err := uc.Intake(context.Background(), IntakeRequest{
		Filename: "book.epub",
		Size:     1000,
		Content:  strings.NewReader(strings.Repeat("x", 1000)),
	})
	if err == nil {
		t.Fatal("expected disk guard rejection")
	}
	if !errors.Is(err, errors.ErrUploadInsufficientDisk) {
		t.Errorf("error code = %d, want insufficient disk", errors.ExtractCode(err))
	}

	entries, _ := os.ReadDir(quarDir)
	if len(entries) != 0 {
		t.Error("no file may be written when the guard rejects")
	}
}

func TestIntakeRollsBackFileOnRecordFailure(t *testing.T) {
	repo := newMemRepo()
	repo.failCreate = true
	uc, quarDir := newIntakeFixture(t, repo)

	_, err := uc.Intake(context.Background(), IntakeRequest{
		Filename: "book.epub",
		Size:     100,
		Content:  strings.NewReader(strings.Repeat("y", 100)),
	})
	if err == nil {
		t.Fatal("expected error")
	}

	entries, _ := os.ReadDir(quarDir)
	if len(entries) != 0 {
		t.Errorf("quarantine file must be rolled back, found %d entries", len(entries))
	}
}

func TestIntakeQuarantineCapWithAutoCleanup(t *testing.T) {
	dir := t.TempDir()
	repo := newMemRepo()

	// one stale record filling the entire cap; cleanup frees it
	stale := seedQuarantineFile(t, repo, dir, "stale", 100*time.Hour, types.StatusQuarantined)
	stale.FileSize = guardConfig().MaxQuarantineSizeBytes
	repo.put(stale)

	guard := NewDiskGuard(repo, guardConfig(), dir, testLogger()).
		WithUsageFunc(fixedUsage(100<<30, 50<<30))

	uc := NewIntakeUseCase(repo, guard,
		conf.FoldersConfig{Quarantine: dir},
		conf.UploadConfig{MaxFileSizeMB: 25, AllowedExtensions: []string{"epub"}},
		conf.SecurityConfig{SanitizeFilenames: true},
		testLogger())

	record, err := uc.Intake(context.Background(), IntakeRequest{
		Filename: "fits-after-cleanup.epub",
		Size:     1000,
		Content:  strings.NewReader(strings.Repeat("z", 1000)),
	})
	if err != nil {
		t.Fatalf("Intake() error = %v, cleanup retry should have freed the cap", err)
	}
	if record.Status != types.StatusQuarantined {
		t.Errorf("status = %s", record.Status)
	}

	storedStale, _ := repo.GetByUUID(context.Background(), "stale")
	if storedStale.Status != types.StatusAutoDeleted {
		t.Errorf("stale record = %s, want auto_deleted", storedStale.Status)
	}
}
