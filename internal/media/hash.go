// SPDX-License-Identifier: MIT

package media

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// PartialHashSize is the number of leading bytes hashed for change detection.
const PartialHashSize = 16 * 1024

// PartialHash returns the SHA-256 of the first 16 KiB of the file as a
// 64-character hex string. Files shorter than 16 KiB hash their full content.
func PartialHash(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- catalog paths are operator supplied
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.CopyN(h, f, PartialHashSize); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read for hashing: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
