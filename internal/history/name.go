package history

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// FallbackName is used when nothing printable survives sanitizing.
	FallbackName = "UnknownAlien"

	maxNameRunes = 32
)

// SanitizeName folds a display name to ASCII letters, digits, underscore
// and space. Accents are stripped rather than dropped, so "Zoë" becomes
// "Zoe".
func SanitizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var sb strings.Builder
	n := 0
	for _, r := range folded {
		if n == maxNameRunes {
			break
		}
		if r == '_' || r == ' ' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) {
			sb.WriteRune(r)
			n++
		}
	}

	out := strings.Join(strings.Fields(sb.String()), " ")
	if out == "" {
		return FallbackName
	}
	return out
}
