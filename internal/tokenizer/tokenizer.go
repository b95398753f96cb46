// Package tokenizer segments Japanese text into surface forms, the same
// output MeCab produces with "-O wakati".
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
)

// Wakati splits text into space-free surface tokens.
type Wakati struct {
	t *tokenizer.Tokenizer
}

// New builds a tokenizer over the bundled IPA dictionary.
func New() (*Wakati, error) {
	t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	if err != nil {
		return nil, fmt.Errorf("create tokenizer: %w", err)
	}
	return &Wakati{t: t}, nil
}

// Tokenize returns the surface forms of text in order. Safe for concurrent use.
func (w *Wakati) Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	words := w.t.Wakati(text)
	out := words[:0]
	for _, word := range words {
		if strings.TrimSpace(word) == "" {
			continue
		}
		out = append(out, word)
	}
	return out
}
