package fileutil

import (
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain name", "book.epub", "book.epub"},
		{"path traversal", "../../etc/passwd", "passwd"},
		{"unsafe characters", "my<book>?.epub", "my_book_.epub"},
		{"collapses runs", "my   book___title.pdf", "my_book_title.pdf"},
		{"trims dots and spaces", "..hidden.epub", "hidden.epub"},
		{"empty becomes unnamed", "", "unnamed"},
		{"only extension", ".epub", "unnamed.epub"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFilename(tt.input); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilenameClampsLength(t *testing.T) {
	long := strings.Repeat("a", 300) + ".epub"
	got := SanitizeFilename(long)
	if len(got) != 200+len(".epub") {
		t.Errorf("sanitized length = %d, want %d", len(got), 200+len(".epub"))
	}
	if !strings.HasSuffix(got, ".epub") {
		t.Errorf("extension lost: %q", got)
	}
}

func TestExtension(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"book.EPUB", "epub"},
		{"archive.tar.gz", "gz"},
		{"noext", ""},
		{"trailing.", ""},
	}

	for _, tt := range tests {
		if got := Extension(tt.input); got != tt.want {
			t.Errorf("Extension(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestValidateExtension(t *testing.T) {
	allowed := []string{"epub", "pdf", "CBZ"}

	if !ValidateExtension("book.epub", allowed) {
		t.Error("epub should be allowed")
	}
	if !ValidateExtension("comic.cbz", allowed) {
		t.Error("extension match should be case-insensitive")
	}
	if ValidateExtension("malware.exe", allowed) {
		t.Error("exe should not be allowed")
	}
}

func TestQuarantineName(t *testing.T) {
	id, name := QuarantineName("My Book.EPUB")
	if id == "" {
		t.Fatal("empty uuid")
	}
	if name != id+".epub" {
		t.Errorf("QuarantineName() = %q, want %q", name, id+".epub")
	}

	id2, name2 := QuarantineName("noext")
	if name2 != id2 {
		t.Errorf("no-extension name = %q, want bare uuid", name2)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0.00 B"},
		{512, "512.00 B"},
		{2621440, "2.50 MB"},
		{1073741824, "1.00 GB"},
	}

	for _, tt := range tests {
		if got := FormatSize(tt.input); got != tt.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
