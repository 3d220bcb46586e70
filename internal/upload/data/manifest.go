package data

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bookgate/uploader-backend/internal/upload/biz"
)

var manifestHeader = []string{
	"timestamp", "uuid", "original_filename", "destination_path",
	"file_hash", "file_size", "action", "reason",
}

// ManifestWriter appends move audit entries to a CSV file. The file is
// append-only; the header is written once when the file is created.
type ManifestWriter struct {
	mu   sync.Mutex
	path string
}

func NewManifestWriter(path string) *ManifestWriter {
	return &ManifestWriter{path: path}
}

func (w *ManifestWriter) Append(entry biz.ManifestEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	_, statErr := os.Stat(w.path)
	needHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if needHeader {
		if err := cw.Write(manifestHeader); err != nil {
			return fmt.Errorf("failed to write manifest header: %w", err)
		}
	}

	record := []string{
		entry.Timestamp.UTC().Format(time.RFC3339),
		entry.UUID,
		entry.OriginalName,
		entry.DestinationPath,
		entry.FileHash,
		strconv.FormatInt(entry.FileSize, 10),
		entry.Action,
		entry.Reason,
	}
	if err := cw.Write(record); err != nil {
		return fmt.Errorf("failed to write manifest entry: %w", err)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush manifest: %w", err)
	}
	return f.Sync()
}
