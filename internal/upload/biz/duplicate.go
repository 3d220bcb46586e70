package biz

import (
	"context"
	"io/fs"
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

// DuplicateResolver answers the three duplicate questions asked before a
// move: exact hash in the record store, exact hash in the library trees,
// and title/author name conflicts.
type DuplicateResolver struct {
	repo      UploadRepo
	libraries LibraryPathProvider
	moving    conf.MovingConfig
	log       *logger.Logger
}

func NewDuplicateResolver(repo UploadRepo, libraries LibraryPathProvider, moving conf.MovingConfig, log *logger.Logger) *DuplicateResolver {
	return &DuplicateResolver{
		repo:      repo,
		libraries: libraries,
		moving:    moving,
		log:       log,
	}
}

// CheckDatabase returns the kept record sharing hash, excluding self.
func (r *DuplicateResolver) CheckDatabase(ctx context.Context, hash string, excludeUUID string) (*Upload, error) {
	matches, err := r.repo.FindByHash(ctx, hash, types.KeptStatuses(), excludeUUID)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

// CheckFilesystem walks the staging dir plus every library tree looking
// for a file with the same content hash. Returns the matching path.
func (r *DuplicateResolver) CheckFilesystem(ctx context.Context, hash string) (string, error) {
	searchDirs := []string{r.moving.UnsortedDir}

	libPaths, err := r.libraries.LibraryPaths(ctx)
	if err != nil {
		r.log.Warn("library path lookup failed, using configured fallback",
			zap.Error(err),
			zap.Strings("fallback", r.moving.KavitaLibraryDirs))
		libPaths = r.moving.KavitaLibraryDirs
	}
	searchDirs = append(searchDirs, libPaths...)

	for _, dir := range searchDirs {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			r.log.Warn("search directory does not exist", zap.String("dir", dir))
			continue
		}

		var match string
		walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable entries are skipped, not fatal
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
				return nil
			}

			existing, hashErr := hashutil.Sum(path)
			if hashErr != nil {
				r.log.Debug("failed to hash library file", zap.String("path", path), zap.Error(hashErr))
				return nil
			}
			if strings.EqualFold(existing, hash) {
				match = path
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil {
			return "", walkErr
		}
		if match != "" {
			return match, nil
		}
	}

	return "", nil
}

// CheckNameConflict returns the kept record whose metadata title/author
// match (case-insensitive, trimmed). Empty title or author never conflicts.
func (r *DuplicateResolver) CheckNameConflict(ctx context.Context, meta *BookMetadata, excludeUUID string) (*Upload, error) {
	if meta == nil {
		return nil, nil
	}
	title := strings.TrimSpace(meta.Title)
	author := strings.TrimSpace(meta.Author)
	if title == "" || author == "" {
		return nil, nil
	}

	kept, err := r.repo.ListKeptWithMetadata(ctx, excludeUUID)
	if err != nil {
		return nil, err
	}

	for _, u := range kept {
		if u.Metadata == nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(u.Metadata.Title), title) &&
			strings.EqualFold(strings.TrimSpace(u.Metadata.Author), author) {
			return u, nil
		}
	}

	return nil, nil
}

// filename characters never allowed in rename output
const invalidFilenameChars = `<>:"/\|?*`

// sanitizeNamePart strips invalid characters and clamps length for use
// inside the rename template.
func sanitizeNamePart(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !strings.ContainsRune(invalidFilenameChars, r) {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}

// RenamedFilename expands the rename template for a name-conflicted file.
// Template placeholders: {title}, {author}, {timestamp}, {ext}.
func (r *DuplicateResolver) RenamedFilename(meta *BookMetadata, extension string, now time.Time) string {
	title := "unknown"
	author := "unknown"
	if meta != nil {
		if t := strings.TrimSpace(meta.Title); t != "" {
			title = t
		}
		if a := strings.TrimSpace(meta.Author); a != "" {
			author = a
		}
	}

	replacer := strings.NewReplacer(
		"{title}", sanitizeNamePart(title),
		"{author}", sanitizeNamePart(author),
		"{timestamp}", now.UTC().Format("20060102_150405"),
		"{ext}", normalizeExt(extension),
	)
	return replacer.Replace(r.moving.RenamePattern)
}

func normalizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	if strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}
