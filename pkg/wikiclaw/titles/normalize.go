package titles

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// CollapseSpace trims s and collapses every run of whitespace to one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Key returns the lookup key for a title: underscores become spaces,
// whitespace is collapsed, and the result is case-folded.
func Key(s string) string {
	return strings.ToLower(CollapseSpace(strings.ReplaceAll(s, "_", " ")))
}

// underscoreKey is the underscore-joined form of a key.
func underscoreKey(key string) string {
	return strings.ReplaceAll(key, " ", "_")
}

// TitleCase builds the namespace-aware title-cased variant of a reference:
// the namespace segment (before the first ':') is capitalized and the rest is
// word-capitalized and underscore-joined. References without a namespace are
// word-capitalized the same way.
func TitleCase(ref string) string {
	ref = CollapseSpace(strings.ReplaceAll(ref, "_", " "))
	if ref == "" {
		return ""
	}

	ns, rest, hasNS := strings.Cut(ref, ":")
	if !hasNS {
		return capitalizeWords(ref)
	}
	ns = CollapseSpace(ns)
	rest = CollapseSpace(rest)
	if ns == "" || rest == "" {
		return capitalizeWords(ref)
	}
	return capitalizeFirst(strings.ToLower(ns)) + ":" + capitalizeWords(rest)
}

// HasNamespace reports whether ref carries a namespace separator with text on
// both sides.
func HasNamespace(ref string) bool {
	ns, rest, ok := strings.Cut(ref, ":")
	return ok && strings.TrimSpace(ns) != "" && strings.TrimSpace(rest) != ""
}

func capitalizeWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = capitalizeFirst(w)
	}
	return strings.Join(words, "_")
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// splitFragment separates an explicit "#Section" suffix from a reference.
func splitFragment(ref string) (page, fragment string) {
	page, fragment, _ = strings.Cut(ref, "#")
	return CollapseSpace(page), CollapseSpace(strings.ReplaceAll(fragment, "_", " "))
}
