package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// FingerprintPrefix tags fingerprints produced by this package.
const FingerprintPrefix = "sha256:"

// FingerprintBytes returns the content fingerprint of data.
func FingerprintBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return FingerprintPrefix + hex.EncodeToString(sum[:])
}

// FingerprintFile streams the file at path into a fingerprint.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return FingerprintPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
