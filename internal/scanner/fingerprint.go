package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// fingerprintBufSize is the read-buffer size used while hashing. Files
// are streamed through this buffer so memory use stays flat regardless
// of file size.
const fingerprintBufSize = 256 * 1024

// Fingerprint streams the file at path through SHA-256 and returns the
// hex digest. Any read error surfaces to the caller; a partial hash is
// never returned.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()

	buf := make([]byte, fingerprintBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
