// Package metadata extracts bibliographic metadata from e-book files.
// EPUB and CBZ are read as ZIP archives, PDF goes through MuPDF.
package metadata

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/biz"
)

// Extractor implements biz.MetadataExtractor.
type Extractor struct {
	log *logger.Logger
}

func NewExtractor(log *logger.Logger) *Extractor {
	return &Extractor{log: log}
}

// Extract reads metadata from the file based on its extension. Formats
// without real metadata support fall back to the filename as title.
func (e *Extractor) Extract(ctx context.Context, path string, extension string) (*biz.BookMetadata, error) {
	var (
		meta *biz.BookMetadata
		err  error
	)

	switch strings.ToLower(strings.TrimPrefix(extension, ".")) {
	case "epub":
		meta, err = e.extractEPUB(path)
	case "pdf":
		meta, err = e.extractPDF(path)
	case "cbz":
		meta, err = e.extractComic(path)
	case "mobi", "azw3", "cbr":
		meta = &biz.BookMetadata{}
	default:
		return nil, fmt.Errorf("unsupported format for metadata extraction: %s", extension)
	}
	if err != nil {
		return nil, err
	}

	if meta.Title == "" {
		meta.Title = fileStem(path)
	}

	e.log.Info("metadata extracted",
		zap.String("path", filepath.Base(path)),
		zap.String("title", meta.Title),
		zap.String("author", meta.Author))
	return meta, nil
}

// opfPackage mirrors the Dublin Core subset of an EPUB OPF document.
type opfPackage struct {
	Metadata struct {
		Title     []string  `xml:"title"`
		Creator   []string  `xml:"creator"`
		Publisher []string  `xml:"publisher"`
		Language  []string  `xml:"language"`
		Date      []string  `xml:"date"`
		Meta      []opfMeta `xml:"meta"`
	} `xml:"metadata"`
	Spine struct {
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

type opfMeta struct {
	Name    string `xml:"name,attr"`
	Content string `xml:"content,attr"`
}

type epubContainer struct {
	RootFiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

func (e *Extractor) extractEPUB(path string) (*biz.BookMetadata, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open epub: %w", err)
	}
	defer r.Close()

	opfPath, err := findOPFPath(&r.Reader)
	if err != nil {
		return nil, err
	}

	raw, err := readZipFile(&r.Reader, opfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read opf: %w", err)
	}

	var pkg opfPackage
	if err := xml.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse opf: %w", err)
	}

	meta := &biz.BookMetadata{
		Title:     first(pkg.Metadata.Title),
		Author:    first(pkg.Metadata.Creator),
		Publisher: first(pkg.Metadata.Publisher),
		Language:  first(pkg.Metadata.Language),
		Year:      yearOf(first(pkg.Metadata.Date)),
		PageCount: len(pkg.Spine.ItemRefs),
	}
	for _, m := range pkg.Metadata.Meta {
		if m.Name == "calibre:series" {
			meta.Series = m.Content
			break
		}
	}
	return meta, nil
}

func findOPFPath(r *zip.Reader) (string, error) {
	raw, err := readZipFile(r, "META-INF/container.xml")
	if err != nil {
		return "", fmt.Errorf("epub missing container.xml: %w", err)
	}

	var container epubContainer
	if err := xml.Unmarshal(raw, &container); err != nil {
		return "", fmt.Errorf("failed to parse container.xml: %w", err)
	}
	if len(container.RootFiles) == 0 || container.RootFiles[0].FullPath == "" {
		return "", fmt.Errorf("container.xml names no rootfile")
	}
	return container.RootFiles[0].FullPath, nil
}

func (e *Extractor) extractPDF(path string) (*biz.BookMetadata, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer doc.Close()

	info := doc.Metadata()
	meta := &biz.BookMetadata{
		Title:     info["title"],
		Author:    info["author"],
		PageCount: doc.NumPage(),
	}

	// PDF dates look like D:YYYYMMDDHHmmSS
	if created := strings.TrimPrefix(info["creationDate"], "D:"); len(created) >= 4 {
		meta.Year = yearOf(created)
	}
	return meta, nil
}

// comicInfo mirrors the ComicInfo.xml schema fields we keep.
type comicInfo struct {
	Title     string `xml:"Title"`
	Series    string `xml:"Series"`
	Writer    string `xml:"Writer"`
	Publisher string `xml:"Publisher"`
	Year      string `xml:"Year"`
	PageCount int    `xml:"PageCount"`
	Language  string `xml:"LanguageISO"`
}

func (e *Extractor) extractComic(path string) (*biz.BookMetadata, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open comic archive: %w", err)
	}
	defer r.Close()

	meta := &biz.BookMetadata{}

	var pages int
	for _, f := range r.File {
		switch strings.ToLower(filepath.Ext(f.Name)) {
		case ".jpg", ".jpeg", ".png", ".webp":
			pages++
		}
	}
	meta.PageCount = pages

	for _, f := range r.File {
		if !strings.EqualFold(filepath.Base(f.Name), "ComicInfo.xml") {
			continue
		}
		raw, err := readZipFile(&r.Reader, f.Name)
		if err != nil {
			e.log.Warn("failed to read ComicInfo.xml", zap.Error(err))
			break
		}
		var info comicInfo
		if err := xml.Unmarshal(raw, &info); err != nil {
			e.log.Warn("failed to parse ComicInfo.xml", zap.Error(err))
			break
		}
		meta.Title = info.Title
		meta.Series = info.Series
		meta.Author = info.Writer
		meta.Publisher = info.Publisher
		meta.Year = info.Year
		meta.Language = info.Language
		if info.PageCount > 0 {
			meta.PageCount = info.PageCount
		}
		break
	}
	return meta, nil
}

func readZipFile(r *zip.Reader, name string) ([]byte, error) {
	f, err := r.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

// yearOf pulls a leading 4-digit year out of a date string.
func yearOf(date string) string {
	if len(date) < 4 {
		return ""
	}
	year := date[:4]
	if _, err := strconv.Atoi(year); err != nil {
		return ""
	}
	return year
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
