package util

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName puts a username into NFKD form and trims surrounding
// whitespace so lookalike names collide instead of coexisting.
func NormalizeName(s string) string {
	return strings.TrimSpace(norm.NFKD.String(s))
}

// RandomToken returns n random bytes as an unpadded URL-safe base64 string.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
