// Package fileutil provides filename sanitization and file helpers
// shared by the intake and mover paths.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	unsafeChars  = regexp.MustCompile(`[^\w\s\-.]`)
	collapseRuns = regexp.MustCompile(`[\s_]+`)
)

// maxBaseNameLen bounds the sanitized name without its extension
const maxBaseNameLen = 200

// SanitizeFilename strips path components and unsafe characters so the
// result is safe for filesystem operations.
func SanitizeFilename(filename string) string {
	filename = filepath.Base(filename)

	filename = unsafeChars.ReplaceAllString(filename, "_")
	filename = collapseRuns.ReplaceAllString(filename, "_")
	filename = strings.Trim(filename, ". ")

	ext := filepath.Ext(filename)
	name := strings.TrimSuffix(filename, ext)
	if len(name) > maxBaseNameLen {
		name = name[:maxBaseNameLen]
	}

	filename = name + ext
	if filename == "" || filename == ext {
		filename = "unnamed" + ext
	}

	return filename
}

// Extension returns the lowercase extension without the leading dot.
func Extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// ValidateExtension reports whether the file's extension is in the allow list.
func ValidateExtension(filename string, allowed []string) bool {
	ext := Extension(filename)
	for _, a := range allowed {
		if ext == strings.ToLower(a) {
			return true
		}
	}
	return false
}

// QuarantineName generates a UUID-based filename preserving the extension.
// Returns the uuid string and the stored filename.
func QuarantineName(originalFilename string) (string, string) {
	id := uuid.NewString()
	ext := Extension(originalFilename)
	if ext == "" {
		return id, id
	}
	return id, fmt.Sprintf("%s.%s", id, ext)
}

// FileSize returns the size of the file at path in bytes.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Exists reports whether path refers to an existing file or directory.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FormatSize renders a byte count in human-readable form, e.g. "2.50 MB".
func FormatSize(sizeBytes int64) string {
	size := float64(sizeBytes)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024.0 {
			return fmt.Sprintf("%.2f %s", size, unit)
		}
		size /= 1024.0
	}
	return fmt.Sprintf("%.2f TB", size)
}
