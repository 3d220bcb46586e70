// Package hashutil provides streaming SHA-256 hashing for quarantined files.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// chunked reads keep memory flat for large uploads
const bufferSize = 1 << 20

// Sum computes the hex-encoded SHA-256 digest of the file at path.
func Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumReader computes the hex-encoded SHA-256 digest of a stream.
func SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify re-hashes the file at path and compares against expected.
// Comparison is case-insensitive on the hex encoding.
func Verify(path string, expected string) (bool, error) {
	actual, err := Sum(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}
