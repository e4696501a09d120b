// Package b64 handles the URL-safe base64 strings used for Web Push keys,
// salts and tokens.
package b64

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var urlSafe = regexp.MustCompile(`^[A-Za-z0-9\-_]+$`)

// Encode returns data as unpadded URL-safe base64.
func Encode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode decodes s, tolerating trailing padding and the standard alphabet.
// Browsers are inconsistent about both when serializing subscriptions.
func Decode(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// Validate reports whether s is non-empty and uses only the unpadded
// URL-safe alphabet.
func Validate(s string) bool {
	return urlSafe.MatchString(s)
}
