// Package textutil holds the rune-aware text helpers shared by context
// assembly, autosave and reflection gating.
package textutil

import (
	"regexp"
	"strings"
	"unicode"
)

// Ellipsis marks truncated text.
const Ellipsis = "…"

// Tokens returns the lowercase words of text, in order, with repeats.
func Tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TokenSet returns the distinct lowercase words of text.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokens(text) {
		set[tok] = struct{}{}
	}
	return set
}

// Truncate shortens text to at most max runes. Truncated text ends in
// Ellipsis, which counts toward max.
func Truncate(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-1]) + Ellipsis
}

// Prefix returns the first n runes of text.
func Prefix(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

// Suffix returns the last n runes of text.
func Suffix(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[len(runes)-n:])
}

// RuneLen returns the number of runes in text.
func RuneLen(text string) int {
	return len([]rune(text))
}

// Window returns a size-rune excerpt of text centred on the first occurrence
// of any of the given lowercase tokens, or the start of text when none occurs.
// Cut edges are marked with Ellipsis and the result never exceeds size runes.
func Window(text string, tokens []string, size int) string {
	runes := []rune(text)
	if size <= 0 {
		return ""
	}
	if len(runes) <= size {
		return text
	}

	center := firstTokenIndex(runes, tokens)
	if center < 0 || size < 3 {
		return Truncate(text, size)
	}

	start := center - size/2
	if start < 0 {
		start = 0
	}
	end := start + size
	if end > len(runes) {
		end = len(runes)
		start = end - size
	}

	var b strings.Builder
	body := runes[start:end]
	if start > 0 {
		body = body[1:]
		b.WriteString(Ellipsis)
	}
	if end < len(runes) {
		body = body[:len(body)-1]
		b.WriteString(string(body))
		b.WriteString(Ellipsis)
		return b.String()
	}
	b.WriteString(string(body))
	return b.String()
}

// firstTokenIndex returns the rune offset of the earliest whole-word match
// of any token, or -1.
func firstTokenIndex(runes []rune, tokens []string) int {
	if len(tokens) == 0 {
		return -1
	}
	want := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		want[t] = struct{}{}
	}
	lower := []rune(strings.ToLower(string(runes)))
	if len(lower) != len(runes) {
		// Case folding changed the rune count; match on the original.
		lower = runes
	}
	i := 0
	for i < len(lower) {
		if !isWordRune(lower[i]) {
			i++
			continue
		}
		j := i
		for j < len(lower) && isWordRune(lower[j]) {
			j++
		}
		if _, ok := want[string(lower[i:j])]; ok {
			return i
		}
		i = j
	}
	return -1
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+`)

// Sentences splits text into sentences terminated by ., ! or ?. A trailing
// fragment without terminal punctuation is dropped.
func Sentences(text string) []string {
	matches := sentencePattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// EndsSentence reports whether trimmed text ends with ., ! or ?.
func EndsSentence(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
