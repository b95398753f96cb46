package processing

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeText squeezes whitespace so the tokenizer sees one line of text.
// Entities and markup are left as the dump has them.
func NormalizeText(input string) string {
	if input == "" {
		return ""
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(input, " "))
}

// BuildDocumentID hashes the article title to form a deterministic ID.
// Titles are unique within a CirrusSearch content dump.
func BuildDocumentID(title string) string {
	s := sha1.Sum([]byte(strings.TrimSpace(title)))
	return hex.EncodeToString(s[:])
}
