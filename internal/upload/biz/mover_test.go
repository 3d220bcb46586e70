package biz

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/hashutil"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

type moverFixture struct {
	mover    *Mover
	repo     *memRepo
	manifest *memManifest
	locker   *memLocker
	moving   conf.MovingConfig
	quarDir  string
	unsorted string
	library  string
}

func newMoverFixture(t *testing.T, mutate func(*conf.MovingConfig)) *moverFixture {
	t.Helper()

	root := t.TempDir()
	quarDir := filepath.Join(root, "quarantine")
	unsorted := filepath.Join(root, "unsorted")
	library := filepath.Join(root, "library")
	for _, d := range []string{quarDir, unsorted, library} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			t.Fatal(err)
		}
	}

	moving := conf.MovingConfig{
		Enabled:                    true,
		UnsortedDir:                unsorted,
		KavitaLibraryDirs:          []string{library},
		RenameOnNameConflict:       true,
		RenamePattern:              "{title} - {author} (duplicate_{timestamp}){ext}",
		DiscardOnExactDuplicate:    true,
		VerifyIntegrityPostMove:    true,
		ChecksumManifest:           true,
		AtomicOperations:           true,
		CleanupQuarantineOnSuccess: true,
	}
	if mutate != nil {
		mutate(&moving)
	}

	repo := newMemRepo()
	manifest := &memManifest{}
	locker := newMemLocker()
	log := testLogger()

	resolver := NewDuplicateResolver(repo, &staticLibraries{paths: []string{library}}, moving, log)
	mover := NewMover(repo, resolver, manifest, locker, nil, moving,
		conf.SecurityConfig{FilePermissionsMode: 0o600, DirectoryPermissionsMode: 0o700}, log)

	return &moverFixture{
		mover:    mover,
		repo:     repo,
		manifest: manifest,
		locker:   locker,
		moving:   moving,
		quarDir:  quarDir,
		unsorted: unsorted,
		library:  library,
	}
}

func (f *moverFixture) seedUpload(t *testing.T, uuid, content string, status types.Status) *Upload {
	t.Helper()

	path := filepath.Join(f.quarDir, uuid+".epub")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	hash, err := hashutil.Sum(path)
	if err != nil {
		t.Fatal(err)
	}

	u := &Upload{
		UUID:             uuid,
		OriginalFilename: "book-" + uuid + ".epub",
		FileExtension:    "epub",
		FileSize:         int64(len(content)),
		ContentHash:      hash,
		Status:           status,
		QuarantinePath:   path,
		UploadedAt:       time.Now().UTC(),
	}
	f.repo.put(u)
	return u
}

func TestMoveSuccess(t *testing.T) {
	f := newMoverFixture(t, nil)
	u := f.seedUpload(t, "aaa", "ebook content one", types.StatusMetadataVerified)

	result, err := f.mover.Move(context.Background(), u.UUID, false)
	if err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if !result.Success || result.Status != MoveStatusMoved {
		t.Fatalf("Move() = %+v, want moved", result)
	}

	if !strings.Contains(result.Destination, filepath.Join("unsorted", "processed")) {
		t.Errorf("destination %q should be under unsorted/processed", result.Destination)
	}
	if _, err := os.Stat(result.Destination); err != nil {
		t.Errorf("destination file missing: %v", err)
	}
	if _, err := os.Stat(u.QuarantinePath); !os.IsNotExist(err) {
		t.Error("quarantine source should be gone after successful move")
	}

	stored, _ := f.repo.GetByUUID(context.Background(), u.UUID)
	if stored.Status != types.StatusMoved {
		t.Errorf("status = %s, want moved", stored.Status)
	}
	if stored.FinalPath != result.Destination {
		t.Errorf("final_path = %q, want %q", stored.FinalPath, result.Destination)
	}
	if stored.MovedAt == nil {
		t.Error("moved_at not set")
	}

	entry, ok := f.manifest.last()
	if !ok || entry.Action != "moved" {
		t.Errorf("manifest entry = %+v, want action=moved", entry)
	}
}

func TestMovePreconditions(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newMoverFixture(t, func(c *conf.MovingConfig) { c.Enabled = false })
		result, err := f.mover.Move(context.Background(), "whatever", false)
		if err != nil {
			t.Fatal(err)
		}
		if result.Status != MoveStatusDisabled {
			t.Errorf("status = %s, want disabled", result.Status)
		}
	})

	t.Run("not found", func(t *testing.T) {
		f := newMoverFixture(t, nil)
		result, err := f.mover.Move(context.Background(), "missing", false)
		if err != nil {
			t.Fatal(err)
		}
		if result.Status != MoveStatusNotFound {
			t.Errorf("status = %s, want not_found", result.Status)
		}
	})

	t.Run("invalid state", func(t *testing.T) {
		f := newMoverFixture(t, nil)
		u := f.seedUpload(t, "bbb", "content", types.StatusQuarantined)

		result, err := f.mover.Move(context.Background(), u.UUID, false)
		if err != nil {
			t.Fatal(err)
		}
		if result.Status != MoveStatusInvalidState {
			t.Errorf("status = %s, want invalid_state", result.Status)
		}

		stored, _ := f.repo.GetByUUID(context.Background(), u.UUID)
		if stored.Status != types.StatusQuarantined {
			t.Error("record must be untouched on invalid_state")
		}
	})

	t.Run("source missing", func(t *testing.T) {
		f := newMoverFixture(t, nil)
		u := f.seedUpload(t, "ccc", "content", types.StatusSafe)
		os.Remove(u.QuarantinePath)

		result, err := f.mover.Move(context.Background(), u.UUID, false)
		if err != nil {
			t.Fatal(err)
		}
		if result.Status != MoveStatusSourceMissing {
			t.Errorf("status = %s, want source_missing", result.Status)
		}
	})
}

func TestMoveDatabaseDuplicateDiscards(t *testing.T) {
	f := newMoverFixture(t, nil)

	kept := f.seedUpload(t, "orig", "identical bytes", types.StatusMoved)
	dup := f.seedUpload(t, "dupe", "identical bytes", types.StatusMetadataVerified)

	result, err := f.mover.Move(context.Background(), dup.UUID, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != MoveStatusDuplicate {
		t.Fatalf("status = %s, want duplicate_discarded", result.Status)
	}
	if result.DuplicateOf != kept.UUID {
		t.Errorf("duplicate_of = %q, want %q", result.DuplicateOf, kept.UUID)
	}
	if result.DuplicateReason != types.ReasonExactHashDatabase {
		t.Errorf("reason = %q", result.DuplicateReason)
	}

	// source stays in quarantine for audit
	if _, err := os.Stat(dup.QuarantinePath); err != nil {
		t.Error("quarantine source must survive a discard")
	}

	stored, _ := f.repo.GetByUUID(context.Background(), dup.UUID)
	if stored.Status != types.StatusDuplicate || !stored.IsDuplicate {
		t.Errorf("record = status %s is_duplicate %v", stored.Status, stored.IsDuplicate)
	}

	entry, ok := f.manifest.last()
	if !ok || entry.Action != "discarded" {
		t.Errorf("manifest entry = %+v, want discarded", entry)
	}
}

func TestMoveHashDuplicateBeatsNameConflict(t *testing.T) {
	f := newMoverFixture(t, nil)

	meta := &BookMetadata{Title: "Dune", Author: "Frank Herbert"}

	kept := f.seedUpload(t, "orig", "same bytes same name", types.StatusMoved)
	kept.Metadata = meta
	f.repo.put(kept)

	dup := f.seedUpload(t, "dupe", "same bytes same name", types.StatusMetadataVerified)
	dup.Metadata = meta
	f.repo.put(dup)

	result, err := f.mover.Move(context.Background(), dup.UUID, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.DuplicateReason != types.ReasonExactHashDatabase {
		t.Errorf("reason = %q, exact hash match must win over name conflict", result.DuplicateReason)
	}
	if result.Status != MoveStatusDuplicate {
		t.Errorf("status = %s, want duplicate_discarded", result.Status)
	}
}

func TestMoveFilesystemDuplicateDiscards(t *testing.T) {
	f := newMoverFixture(t, nil)

	u := f.seedUpload(t, "fsdup", "library copy bytes", types.StatusSafe)

	libFile := filepath.Join(f.library, "existing.epub")
	if err := os.WriteFile(libFile, []byte("library copy bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	result, err := f.mover.Move(context.Background(), u.UUID, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != MoveStatusDuplicate {
		t.Fatalf("status = %s, want duplicate_discarded", result.Status)
	}
	if !strings.HasPrefix(result.DuplicateReason, types.ReasonExactHashFilesystem) {
		t.Errorf("reason = %q, want filesystem match", result.DuplicateReason)
	}
	if result.DuplicatePath != libFile {
		t.Errorf("duplicate_path = %q, want %q", result.DuplicatePath, libFile)
	}
}

func TestMoveNameConflictRenames(t *testing.T) {
	f := newMoverFixture(t, nil)

	kept := f.seedUpload(t, "first", "first edition bytes", types.StatusMoved)
	kept.Metadata = &BookMetadata{Title: "Dune", Author: "Frank Herbert"}
	f.repo.put(kept)

	second := f.seedUpload(t, "second", "second edition bytes", types.StatusMetadataVerified)
	second.Metadata = &BookMetadata{Title: "dune  ", Author: "FRANK HERBERT"}
	f.repo.put(second)

	result, err := f.mover.Move(context.Background(), second.UUID, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Status != MoveStatusMoved {
		t.Fatalf("Move() = %+v, want moved", result)
	}
	if !result.Renamed {
		t.Fatal("expected a rename")
	}
	base := filepath.Base(result.Destination)
	if !strings.HasPrefix(base, "Dune - Frank Herbert (duplicate_") {
		t.Errorf("renamed filename = %q", base)
	}

	stored, _ := f.repo.GetByUUID(context.Background(), second.UUID)
	if stored.IsDuplicate {
		t.Error("rename must not mark the record duplicate")
	}
	if stored.DuplicateReason != types.ReasonNameConflictRenamed {
		t.Errorf("reason = %q", stored.DuplicateReason)
	}

	entry, _ := f.manifest.last()
	if entry.Action != "renamed" {
		t.Errorf("manifest action = %q, want renamed", entry.Action)
	}
}

func TestMoveNameConflictRenameDisabledDiscards(t *testing.T) {
	f := newMoverFixture(t, func(c *conf.MovingConfig) { c.RenameOnNameConflict = false })

	kept := f.seedUpload(t, "one", "edition one", types.StatusMoved)
	kept.Metadata = &BookMetadata{Title: "Dune", Author: "Frank Herbert"}
	f.repo.put(kept)

	second := f.seedUpload(t, "two", "edition two", types.StatusSafe)
	second.Metadata = &BookMetadata{Title: "Dune", Author: "Frank Herbert"}
	f.repo.put(second)

	result, err := f.mover.Move(context.Background(), second.UUID, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != MoveStatusDuplicate {
		t.Fatalf("status = %s, want duplicate_discarded", result.Status)
	}
	if result.DuplicateReason != types.ReasonNameConflictDiscarded {
		t.Errorf("reason = %q", result.DuplicateReason)
	}
	if _, err := os.Stat(second.QuarantinePath); err != nil {
		t.Error("source must remain after discard")
	}
}

func TestMoveDryRun(t *testing.T) {
	f := newMoverFixture(t, nil)
	u := f.seedUpload(t, "dry", "dry run bytes", types.StatusSafe)

	result, err := f.mover.Move(context.Background(), u.UUID, true)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Status != MoveStatusDryRun {
		t.Fatalf("Move() = %+v, want dry_run", result)
	}
	if result.Destination == "" {
		t.Error("dry run should report the would-be destination")
	}
	if _, err := os.Stat(result.Destination); !os.IsNotExist(err) {
		t.Error("dry run must not create the destination")
	}
	if _, err := os.Stat(u.QuarantinePath); err != nil {
		t.Error("dry run must not touch the source")
	}

	stored, _ := f.repo.GetByUUID(context.Background(), u.UUID)
	if stored.Status != types.StatusSafe {
		t.Errorf("dry run changed status to %s", stored.Status)
	}
}

func TestMoveDestinationCollisionSuffix(t *testing.T) {
	f := newMoverFixture(t, nil)
	u := f.seedUpload(t, "clash", "fresh bytes", types.StatusSafe)

	processed := filepath.Join(f.unsorted, "processed")
	if err := os.MkdirAll(processed, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(processed, u.OriginalFilename), []byte("occupant"), 0o600); err != nil {
		t.Fatal(err)
	}

	result, err := f.mover.Move(context.Background(), u.UUID, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("Move() = %+v", result)
	}
	if !strings.HasSuffix(result.Destination, "_1.epub") {
		t.Errorf("destination = %q, want numeric suffix", result.Destination)
	}
}

func TestMoveConcurrentLeaseRejected(t *testing.T) {
	f := newMoverFixture(t, nil)
	u := f.seedUpload(t, "locked", "bytes", types.StatusSafe)

	if ok, _ := f.locker.Acquire(context.Background(), u.UUID, time.Minute); !ok {
		t.Fatal("setup: could not take lease")
	}

	result, err := f.mover.Move(context.Background(), u.UUID, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != MoveStatusLocked {
		t.Errorf("status = %s, want locked", result.Status)
	}
}

func TestMoveCopyPathVerifiesIntegrity(t *testing.T) {
	f := newMoverFixture(t, func(c *conf.MovingConfig) { c.AtomicOperations = false })
	u := f.seedUpload(t, "copy", "copy then verify", types.StatusMetadataVerified)

	result, err := f.mover.Move(context.Background(), u.UUID, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Status != MoveStatusMoved {
		t.Fatalf("Move() = %+v", result)
	}
	if _, err := os.Stat(u.QuarantinePath); !os.IsNotExist(err) {
		t.Error("source should be deleted after verified copy")
	}

	got, err := os.ReadFile(result.Destination)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "copy then verify" {
		t.Errorf("destination content = %q", got)
	}
}

func TestMoveIntegrityFailureKeepsSource(t *testing.T) {
	f := newMoverFixture(t, func(c *conf.MovingConfig) { c.AtomicOperations = false })
	u := f.seedUpload(t, "corrupt", "original bytes", types.StatusSafe)

	// Stored hash no longer matches the file: the post-copy check must
	// fail, remove the destination and keep the source.
	u.ContentHash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	f.repo.put(u)

	result, err := f.mover.Move(context.Background(), u.UUID, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != MoveStatusIntegrityFailed {
		t.Fatalf("status = %s, want integrity_failed", result.Status)
	}
	if result.ExpectedHash == "" || result.ActualHash == "" {
		t.Error("both hashes must be reported")
	}

	if _, err := os.Stat(u.QuarantinePath); err != nil {
		t.Error("source must survive an integrity failure")
	}

	processed := filepath.Join(f.unsorted, "processed")
	entries, _ := os.ReadDir(processed)
	if len(entries) != 0 {
		t.Error("corrupt destination copy must be removed")
	}

	stored, _ := f.repo.GetByUUID(context.Background(), u.UUID)
	if stored.Status != types.StatusMoveFailed {
		t.Errorf("status = %s, want move_failed", stored.Status)
	}
}

func TestMoveHashComputedBeforeResolve(t *testing.T) {
	f := newMoverFixture(t, nil)
	u := f.seedUpload(t, "nohash", "hash me first", types.StatusSafe)
	u.ContentHash = ""
	f.repo.put(u)

	result, err := f.mover.Move(context.Background(), u.UUID, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("Move() = %+v", result)
	}

	stored, _ := f.repo.GetByUUID(context.Background(), u.UUID)
	if stored.ContentHash == "" {
		t.Error("content hash must be persisted during the move")
	}
}
