// Package preview renders the first pages of an upload as base64 PNG
// images so files can be inspected without leaving quarantine.
package preview

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/errors"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
)

// PagePreview is one rendered page.
type PagePreview struct {
	Page   int    `json:"page"`
	Data   string `json:"data"` // data:image/png;base64,...
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Result is the preview payload for an upload.
type Result struct {
	UUID       string        `json:"uuid"`
	TotalPages int           `json:"total_pages"`
	Pages      []PagePreview `json:"pages"`
	FromCache  bool          `json:"from_cache,omitempty"`
}

// Generator renders previews through MuPDF and caches them on disk.
type Generator struct {
	cfg conf.PreviewConfig
	log *logger.Logger
}

func NewGenerator(cfg conf.PreviewConfig, log *logger.Logger) *Generator {
	return &Generator{cfg: cfg, log: log}
}

// Supported reports whether previews can be rendered for the extension.
func (g *Generator) Supported(extension string) bool {
	ext := strings.ToLower(strings.TrimPrefix(extension, "."))
	for _, t := range g.cfg.SupportedTypes {
		if strings.EqualFold(t, ext) {
			return true
		}
	}
	return false
}

// Generate renders up to cfg.MaxPages pages of the file.
func (g *Generator) Generate(ctx context.Context, uuid, path, extension string) (*Result, error) {
	if !g.cfg.Enabled {
		return nil, errors.New(errors.ErrUploadPreviewFailed, "previews are disabled in configuration")
	}
	if !g.Supported(extension) {
		return nil, errors.New(errors.ErrUploadPreviewFailed,
			fmt.Sprintf("previews are not supported for %s files", extension))
	}

	if g.cfg.CachePreviews {
		if cached, ok := g.loadCache(uuid); ok {
			cached.FromCache = true
			return cached, nil
		}
	}

	result, err := g.render(uuid, path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrUploadPreviewFailed, "failed to render preview")
	}

	if g.cfg.CachePreviews {
		g.storeCache(uuid, result)
	}
	return result, nil
}

// CachePath returns where the upload's preview is cached on disk, or
// "" when caching is disabled.
func (g *Generator) CachePath(uuid string) string {
	if !g.cfg.CachePreviews || g.cfg.CacheDir == "" {
		return ""
	}
	return g.cachePath(uuid)
}

// Invalidate drops the cached preview for an upload.
func (g *Generator) Invalidate(uuid string) {
	if g.cfg.CacheDir == "" {
		return
	}
	_ = os.Remove(g.cachePath(uuid))
}

func (g *Generator) render(uuid, path string) (*Result, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer doc.Close()

	total := doc.NumPage()
	pages := total
	if g.cfg.MaxPages > 0 && pages > g.cfg.MaxPages {
		pages = g.cfg.MaxPages
	}

	result := &Result{
		UUID:       uuid,
		TotalPages: total,
		Pages:      make([]PagePreview, 0, pages),
	}

	for n := 0; n < pages; n++ {
		img, err := doc.Image(n)
		if err != nil {
			g.log.Warn("failed to render page",
				zap.String("upload_uuid", uuid),
				zap.Int("page", n),
				zap.Error(err))
			continue
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode page %d: %w", n, err)
		}

		bounds := img.Bounds()
		result.Pages = append(result.Pages, PagePreview{
			Page:   n + 1,
			Data:   "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
		})
	}

	if len(result.Pages) == 0 {
		return nil, fmt.Errorf("no pages could be rendered")
	}

	g.log.Info("preview generated",
		zap.String("upload_uuid", uuid),
		zap.Int("pages", len(result.Pages)),
		zap.Int("total_pages", total))
	return result, nil
}

func (g *Generator) cachePath(uuid string) string {
	return filepath.Join(g.cfg.CacheDir, uuid+".json")
}

func (g *Generator) loadCache(uuid string) (*Result, bool) {
	if g.cfg.CacheDir == "" {
		return nil, false
	}
	raw, err := os.ReadFile(g.cachePath(uuid))
	if err != nil {
		return nil, false
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (g *Generator) storeCache(uuid string, result *Result) {
	if g.cfg.CacheDir == "" {
		return
	}
	if err := os.MkdirAll(g.cfg.CacheDir, 0o755); err != nil {
		g.log.Warn("failed to create preview cache dir", zap.Error(err))
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := os.WriteFile(g.cachePath(uuid), raw, 0o644); err != nil {
		g.log.Warn("failed to write preview cache", zap.Error(err))
	}
}
