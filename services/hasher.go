package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashFile returns the lowercase hex SHA-256 of the file's contents. The
// file is streamed, never read into memory whole.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: failed to open %s: %v", ErrIO, path, err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("%w: failed to read %s: %v", ErrIO, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
