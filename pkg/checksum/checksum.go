// Package checksum computes SHA-256 digests and the strong HTTP entity tags todofetch derives
// from them for /api/todo and static file responses.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ETag returns a quoted strong entity tag for data.
func ETag(data []byte) string {
	// reading from a bytes.Reader cannot fail
	sum, _ := CalculateSHA256(bytes.NewReader(data))
	return `"` + sum + `"`
}

// MatchesETag reports whether an If-None-Match header value matches etag. It accepts "*",
// comma-separated lists and weak validators, per the weak comparison If-None-Match uses.
func MatchesETag(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.TrimSpace(ifNoneMatch)
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == want {
			return true
		}
	}
	return false
}
