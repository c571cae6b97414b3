// Package codec holds the byte and text primitives exam codes are built on:
// URL-safe base64 that tolerates mangled padding, text decoding with legacy
// fallbacks, and optional gzip compression.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrBase64 reports input that is not base64 in any accepted alphabet.
var ErrBase64 = errors.New("codec: invalid base64")

// EncodeURL returns the URL-safe, unpadded base64 form of b.
func EncodeURL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// EncodeStd returns standard padded base64.
func EncodeStd(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Normalize strips whitespace and padding, maps the URL-safe alphabet back to
// the standard one and re-pads to a multiple of four.
func Normalize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 3)
	for _, r := range s {
		switch {
		case unicode.IsSpace(r), r == '=':
			continue
		case r == '-':
			sb.WriteByte('+')
		case r == '_':
			sb.WriteByte('/')
		default:
			sb.WriteRune(r)
		}
	}
	if rem := sb.Len() % 4; rem != 0 {
		sb.WriteString(strings.Repeat("=", 4-rem))
	}
	return sb.String()
}

// DecodeLoose decodes base64 in either alphabet, with or without padding.
func DecodeLoose(s string) ([]byte, error) {
	n := Normalize(s)
	if n == "" {
		return nil, fmt.Errorf("%w: empty input", ErrBase64)
	}
	b, err := base64.StdEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBase64, err)
	}
	return b, nil
}
