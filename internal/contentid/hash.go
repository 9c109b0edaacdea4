package contentid

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Raw returns the SHA-256 hash of the payload as delivered.
func Raw(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Canonical returns the hash of the deterministically normalized payload and
// reports whether normalization applied. Binary payloads fall back to the raw
// hash with ok=false. The canonical hash of a given payload never changes, so
// it is computed once at admission and persisted.
func Canonical(data []byte) (string, bool) {
	normalized, ok := normalize(data)
	if !ok {
		return Raw(data), false
	}
	return Raw(normalized), true
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// normalize reduces incidental encoding differences: BOM, line endings,
// trailing whitespace, and Unicode composition form. Anything that is not
// valid UTF-8 text is left alone.
func normalize(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	trimmed := bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(trimmed) {
		return nil, false
	}

	text := strings.ReplaceAll(string(trimmed), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.Join(lines, "\n")
	text = strings.TrimRight(text, "\n")

	return []byte(norm.NFC.String(text)), true
}
