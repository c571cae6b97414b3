package codec

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// maxUnescapeRounds bounds the percent-unescape path. Older encoders escaped
// the JSON once or twice before base64.
const maxUnescapeRounds = 2

// TextCandidates returns the readings of b worth trying, most likely first:
// strict UTF-8, percent-unescaped text, then the raw bytes read as Latin-1.
// Duplicates are removed.
func TextCandidates(b []byte) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	raw := Latin1(b)
	if utf8.Valid(b) {
		add(string(b))
		raw = string(b)
	}

	s := raw
	for range maxUnescapeRounds {
		if !strings.Contains(s, "%") {
			break
		}
		u, err := url.PathUnescape(s)
		if err != nil || !utf8.ValidString(u) {
			break
		}
		add(u)
		s = u
	}

	add(Latin1(b))
	return out
}

// Latin1 maps every byte to the code point of the same value.
func Latin1(b []byte) string {
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		// ISO 8859-1 maps all 256 byte values, so this is unreachable.
		return string(b)
	}
	return string(s)
}
