package turn

import (
	"strings"
	"unicode"
)

// BoundaryFunc decides whether accumulated text ends on a sentence boundary,
// allowing the shorter soft-settle threshold to resolve the turn. The default
// is punctuation based and English-leaning; callers with other languages can
// plug in their own.
type BoundaryFunc func(text string) bool

var closers = "\"'”’»)]}"

// DefaultBoundary reports true when the text ends with terminal punctuation,
// optionally followed by closing quotes or brackets.
func DefaultBoundary(text string) bool {
	t := strings.TrimRightFunc(text, unicode.IsSpace)
	t = strings.TrimRight(t, closers)
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	}
	// Multi-byte terminators: ellipsis and CJK/Arabic sentence marks.
	r := []rune(t)
	switch r[len(r)-1] {
	case '…', '。', '！', '？', '؟':
		return true
	}
	return false
}
