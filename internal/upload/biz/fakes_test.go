package biz

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

func testLogger() *logger.Logger {
	l, _ := logger.New(&logger.Config{Level: "error", Format: "console", Output: "console"})
	return l
}

// memRepo is an in-memory UploadRepo for exercising the use cases.
type memRepo struct {
	mu      sync.Mutex
	records map[string]*Upload

	failCreate bool
}

func newMemRepo() *memRepo {
	return &memRepo{records: map[string]*Upload{}}
}

func (r *memRepo) put(u *Upload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.records[u.UUID] = &cp
}

func (r *memRepo) Create(_ context.Context, u *Upload) error {
	if r.failCreate {
		return errFailCreate
	}
	r.put(u)
	return nil
}

func (r *memRepo) GetByUUID(_ context.Context, uuid string) (*Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.records[uuid]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *memRepo) Update(_ context.Context, u *Upload) error {
	r.put(u)
	return nil
}

func (r *memRepo) Delete(_ context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, uuid)
	return nil
}

func (r *memRepo) UpdateStatusIf(_ context.Context, uuid string, allowedFrom []types.Status, upd StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.records[uuid]
	if !ok {
		return false, nil
	}
	if !u.Status.In(allowedFrom) {
		return false, nil
	}

	u.Status = upd.Status
	if upd.FinalPath != nil {
		u.FinalPath = *upd.FinalPath
	}
	if upd.MovedAt != nil {
		u.MovedAt = upd.MovedAt
	}
	if upd.IsDuplicate != nil {
		u.IsDuplicate = *upd.IsDuplicate
	}
	if upd.DuplicateOf != nil {
		u.DuplicateOf = *upd.DuplicateOf
	}
	if upd.DuplicateReason != nil {
		u.DuplicateReason = *upd.DuplicateReason
	}
	if upd.ErrorMessage != nil {
		u.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ScanResult != nil {
		u.ScanResult = *upd.ScanResult
	}
	if upd.ScanDetails != nil {
		u.ScanDetails = *upd.ScanDetails
	}
	if upd.ScannedAt != nil {
		u.ScannedAt = upd.ScannedAt
	}
	if upd.Metadata != nil {
		u.Metadata = upd.Metadata
	}
	if upd.MetadataEdited != nil {
		u.MetadataEdited = *upd.MetadataEdited
	}
	if upd.MetadataExtractedAt != nil {
		u.MetadataExtractedAt = upd.MetadataExtractedAt
	}
	if upd.MetadataVerifiedAt != nil {
		u.MetadataVerifiedAt = upd.MetadataVerifiedAt
	}
	return true, nil
}

func (r *memRepo) SetPreviewState(_ context.Context, uuid string, previewPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.records[uuid]
	if !ok {
		return nil
	}
	u.PreviewGenerated = true
	u.PreviewPath = previewPath
	return nil
}

func (r *memRepo) FindByHash(_ context.Context, hash string, statuses []types.Status, excludeUUID string) ([]*Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Upload
	for _, u := range r.records {
		if u.UUID == excludeUUID || u.ContentHash != hash {
			continue
		}
		if !u.Status.In(statuses) {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) FindBySize(_ context.Context, size int64, excludeUUID string) ([]*Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Upload
	for _, u := range r.records {
		if u.UUID == excludeUUID || u.FileSize != size {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) FindLatestScanByHash(_ context.Context, hash string) (*Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *Upload
	for _, u := range r.records {
		if u.ContentHash != hash || u.ScannedAt == nil {
			continue
		}
		if latest == nil || u.ScannedAt.After(*latest.ScannedAt) {
			latest = u
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *memRepo) ListKeptWithMetadata(_ context.Context, excludeUUID string) ([]*Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Upload
	for _, u := range r.records {
		if u.UUID == excludeUUID || u.Metadata == nil {
			continue
		}
		if !u.Status.In(types.KeptStatuses()) {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) SumSizeByStatus(_ context.Context, statuses []types.Status) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, u := range r.records {
		if u.Status.In(statuses) {
			total += u.FileSize
		}
	}
	return total, nil
}

func (r *memRepo) CountByStatus(_ context.Context) (map[types.Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := map[types.Status]int64{}
	for _, u := range r.records {
		out[u.Status]++
	}
	return out, nil
}

func (r *memRepo) ListByStatusOldestFirst(_ context.Context, statuses []types.Status, cutoff time.Time) ([]*Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Upload
	for _, u := range r.records {
		if !u.Status.In(statuses) {
			continue
		}
		if !cutoff.IsZero() && !u.UploadedAt.Before(cutoff) {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

func (r *memRepo) List(_ context.Context, limit, offset int) ([]*Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Upload
	for _, u := range r.records {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// staleRepo serves one canned snapshot from GetByUUID while every
// write goes to the live store, simulating a record that changed
// state after the caller's read.
type staleRepo struct {
	*memRepo
	stale *Upload
}

func (r *staleRepo) GetByUUID(ctx context.Context, uuid string) (*Upload, error) {
	if r.stale != nil && r.stale.UUID == uuid {
		cp := *r.stale
		r.stale = nil
		return &cp, nil
	}
	return r.memRepo.GetByUUID(ctx, uuid)
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFailCreate = fakeErr("create failed")

// memLocker is an in-process RecordLocker.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
	deny bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]bool{}}
}

func (l *memLocker) Acquire(_ context.Context, uuid string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny || l.held[uuid] {
		return false, nil
	}
	l.held[uuid] = true
	return true, nil
}

func (l *memLocker) Release(_ context.Context, uuid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, uuid)
	return nil
}

// staticLibraries serves a fixed path list.
type staticLibraries struct {
	paths []string
	err   error
}

func (s *staticLibraries) LibraryPaths(context.Context) ([]string, error) {
	return s.paths, s.err
}

// memManifest records appended entries.
type memManifest struct {
	mu      sync.Mutex
	entries []ManifestEntry
}

func (m *memManifest) Append(e ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memManifest) last() (ManifestEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return ManifestEntry{}, false
	}
	return m.entries[len(m.entries)-1], true
}

// stubScanner returns a canned verdict. onScan, when set, runs while
// the scan is in flight so tests can race other writers against it.
type stubScanner struct {
	verdict types.ScanResult
	details string
	err     error
	calls   int
	onScan  func()
}

func (s *stubScanner) ScanFile(context.Context, string, string) (types.ScanResult, string, error) {
	s.calls++
	if s.onScan != nil {
		s.onScan()
	}
	return s.verdict, s.details, s.err
}

// memQueue runs scan jobs synchronously for tests.
type memQueue struct {
	enqueued []string
}

func (q *memQueue) Enqueue(_ context.Context, uuid string) error {
	q.enqueued = append(q.enqueued, uuid)
	return nil
}
