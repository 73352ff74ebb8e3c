package respond

import (
	"regexp"
	"strings"
)

// Control markers the model may emit.
const (
	TerminateMarker = "[TERMINATE_MESSAGE]"
	StartMarker     = "[START_MESSAGE]"
	EndMarker       = "[END_MESSAGE]"
)

var (
	thoughtPattern  = regexp.MustCompile(`(?is)\[THOUGHT\].*?\[/THOUGHT\]`)
	historyPattern  = regexp.MustCompile(`\[HISTORY[^\]]*\]`)
	boundaryPattern = regexp.MustCompile(`(?s)\[START_MESSAGE\](.*?)\[END_MESSAGE\]`)
	embedPattern    = regexp.MustCompile(`[ \t]*\[PAGE_EMBED:\s*([^\]]*)\]`)
)

// StripControl removes internal reasoning blocks and history tags.
func StripControl(text string) string {
	text = thoughtPattern.ReplaceAllString(text, "")
	text = historyPattern.ReplaceAllString(text, "")
	return text
}

// IsTerminate reports whether the model asked for no reply at all.
func IsTerminate(text string) bool {
	return strings.Contains(text, TerminateMarker)
}

// Boundaries extracts the trimmed, non-empty spans enclosed by matched
// start/end markers. It returns nil when there are no matched pairs.
func Boundaries(text string) []string {
	matches := boundaryPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	units := make([]string, 0, len(matches))
	for _, m := range matches {
		if unit := strings.TrimSpace(m[1]); unit != "" {
			units = append(units, unit)
		}
	}
	return units
}

// ExtractEmbeds removes every embed tag from text and returns the tag
// targets in order of appearance.
func ExtractEmbeds(text string) (string, []string) {
	matches := embedPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		if ref := strings.TrimSpace(m[1]); ref != "" {
			refs = append(refs, ref)
		}
	}
	return embedPattern.ReplaceAllString(text, ""), refs
}
