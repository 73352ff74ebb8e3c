package respond

import (
	"strings"
	"unicode/utf8"
)

const (
	fence      = "```"
	fenceClose = "\n```"

	// maxLangLen caps the language tag copied when a fence is reopened.
	maxLangLen = 16
	// maxPrefixLen is the longest reopening prefix: fence, tag, newline.
	maxPrefixLen = len(fence) + maxLangLen + 1
	minLimit     = maxPrefixLen + len(fenceClose) + 1
)

// segment is one emitted chunk. Prefix and suffix are fence-repair text
// added around the body; the bodies of all segments concatenate to the
// original input.
type segment struct {
	prefix string
	body   string
	suffix string
}

func (s segment) String() string { return s.prefix + s.body + s.suffix }

// Split cuts text into chunks of at most limit runes. Each cut is searched
// for backwards from margin runes before the limit: the last newline, else
// the last space, else a forced cut that never splits a run of backticks.
// A chunk that ends inside a code fence is closed, and the fence is reopened
// with the same language tag at the start of the next chunk.
func Split(text string, limit, margin int) []string {
	segs := splitSegments(text, limit, margin)
	if len(segs) == 0 {
		return nil
	}
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.String()
	}
	return out
}

func splitSegments(text string, limit, margin int) []segment {
	if text == "" {
		return nil
	}
	if limit < minLimit {
		limit = minLimit
	}
	if margin < len(fenceClose) {
		margin = len(fenceClose)
	}
	if limit-margin-maxPrefixLen < 1 {
		margin = limit - maxPrefixLen - 1
	}

	rs := []rune(text)
	var (
		segs    []segment
		inFence bool
		lang    string
	)
	for len(rs) > 0 {
		prefix := ""
		if inFence {
			prefix = fence + lang + "\n"
		}
		pl := utf8.RuneCountInString(prefix)

		cut := len(rs)
		if pl+len(rs) > limit || (pl+len(rs)+len(fenceClose) > limit && endsOpen(string(rs), inFence)) {
			cut = findCut(rs, limit-margin-pl)
		}

		body := string(rs[:cut])
		open, openLang := fenceState(body, inFence, lang)

		seg := segment{prefix: prefix, body: body}
		if open {
			seg.suffix = fenceClose
			if strings.HasSuffix(body, "\n") {
				seg.suffix = fence
			}
		}
		segs = append(segs, seg)

		inFence, lang = open, openLang
		rs = rs[cut:]
	}
	return segs
}

// findCut picks a cut position within rs[:window].
func findCut(rs []rune, window int) int {
	if window >= len(rs) {
		return len(rs)
	}
	for i := window - 1; i >= 0; i-- {
		if rs[i] == '\n' {
			return i + 1
		}
	}
	for i := window - 1; i >= 0; i-- {
		if rs[i] == ' ' {
			return i + 1
		}
	}

	cut := window
	for cut > 0 && rs[cut-1] == '`' && rs[cut] == '`' {
		cut--
	}
	if cut == 0 {
		cut = window
	}
	return cut
}

// fenceState walks the fence markers in body starting from the given state
// and returns whether body ends inside a fence, and that fence's tag.
func fenceState(body string, inFence bool, lang string) (bool, string) {
	rest := body
	for {
		i := strings.Index(rest, fence)
		if i < 0 {
			return inFence, lang
		}
		rest = rest[i+len(fence):]
		inFence = !inFence
		if inFence {
			lang = langTag(rest)
		}
	}
}

func endsOpen(body string, inFence bool) bool {
	open, _ := fenceState(body, inFence, "")
	return open
}

// langTag reads the info string following an opening fence.
func langTag(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return r == '\n' || r == ' ' || r == '\t' || r == '`'
	})
	if end < 0 {
		end = len(s)
	}
	tag := s[:end]
	if utf8.RuneCountInString(tag) > maxLangLen {
		tag = string([]rune(tag)[:maxLangLen])
	}
	return tag
}
