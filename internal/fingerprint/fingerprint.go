// Package fingerprint derives content identity for image files. The
// fingerprint is a hash of the raw file bytes, so it survives renames, moves
// and copies to other machines; path and modification time never factor in.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Compute returns the hex fingerprint of raw file bytes.
func Compute(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeFile returns the hex fingerprint of a file's content, streaming the
// bytes so large originals are not held in memory twice.
func ComputeFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Short returns a truncated fingerprint for log and report display.
func Short(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}
