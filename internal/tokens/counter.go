// Package tokens measures text length for context budgets and request
// shaping. The default counter counts runes; the tiktoken counter counts
// BPE tokens and falls back to a heuristic if the encoding cannot load.
package tokens

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Unit names accepted by New.
const (
	UnitChars  = "chars"
	UnitTokens = "tokens"
)

// DefaultEncoding is used by the token counter when none is configured.
const DefaultEncoding = "cl100k_base"

// Counter measures the length of a piece of text.
type Counter interface {
	Count(text string) int
}

// Chars counts Unicode code points.
type Chars struct{}

// Count implements Counter.
func (Chars) Count(text string) int {
	return utf8.RuneCountInString(text)
}

// Tiktoken counts BPE tokens using a tiktoken encoding.
type Tiktoken struct {
	name string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewTiktoken returns a token counter for the named encoding. The encoding
// is loaded lazily on first use.
func NewTiktoken(encoding string) *Tiktoken {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Tiktoken{name: encoding}
}

func (t *Tiktoken) load() {
	t.once.Do(func() {
		t.enc, t.err = tiktoken.GetEncoding(t.name)
	})
}

// Err reports whether the encoding failed to load.
func (t *Tiktoken) Err() error {
	t.load()
	return t.err
}

// Count implements Counter.
func (t *Tiktoken) Count(text string) int {
	t.load()
	if t.enc != nil {
		return len(t.enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns max(runes/4, words), the fallback used when no
// encoding is available.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := utf8.RuneCountInString(trimmed) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// New returns the counter for a configured unit.
func New(unit, encoding string) (Counter, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", UnitChars:
		return Chars{}, nil
	case UnitTokens:
		return NewTiktoken(encoding), nil
	default:
		return nil, fmt.Errorf("unknown length unit %q (want %q or %q)", unit, UnitChars, UnitTokens)
	}
}

// Sum measures the combined length of several texts.
func Sum(c Counter, texts ...string) int {
	total := 0
	for _, text := range texts {
		total += c.Count(text)
	}
	return total
}
