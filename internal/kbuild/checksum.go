package kbuild

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"
)

// hashFile streams a file through BLAKE3 and returns the hex digest.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// writeChecksumFile writes <path>.b3 in b3sum's two-column format so the
// image can be verified after transfer.
func writeChecksumFile(path string) error {
	sum, err := hashFile(path)
	if err != nil {
		return fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	if err := os.WriteFile(path+".b3", []byte(line), 0o644); err != nil {
		return fmt.Errorf("failed to write checksum file: %w", err)
	}
	return nil
}
