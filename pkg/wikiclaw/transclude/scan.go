package transclude

import (
	"regexp"
	"strings"
)

// Kind distinguishes the two token grammars.
type Kind int

const (
	// KindLink is a page link: [[Page]] or [[Page|Label]].
	KindLink Kind = iota
	// KindTemplate is an in-place template: {{Name}} or {{Name|Param}}.
	KindTemplate
)

func (k Kind) String() string {
	switch k {
	case KindLink:
		return "link"
	case KindTemplate:
		return "template"
	default:
		return "unknown"
	}
}

var (
	linkPattern     = regexp.MustCompile(`\[\[([^\[\]|]+)(?:\|([^\[\]]*))?\]\]`)
	templatePattern = regexp.MustCompile(`\{\{([^{}|]+)(?:\|([^{}]*))?\}\}`)
)

func (k Kind) pattern() *regexp.Regexp {
	if k == KindTemplate {
		return templatePattern
	}
	return linkPattern
}

// Token is one scanned span. Start and Length are byte offsets into the
// scanned text. For links Param is the label; for templates it is the
// template argument, which is parsed but not used when rendering.
type Token struct {
	Kind     Kind
	Start    int
	Length   int
	Name     string
	Param    string
	HasParam bool
}

// End returns the byte offset just past the token.
func (t Token) End() int { return t.Start + t.Length }

// ResolvedToken pairs a token with its replacement text.
type ResolvedToken struct {
	Token
	Replacement string
}

// Scan returns every token of the given kind in text, in ascending start
// order. Matches never overlap.
func Scan(text string, kind Kind) []Token {
	matches := kind.pattern().FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	tokens := make([]Token, 0, len(matches))
	for _, m := range matches {
		tok := Token{
			Kind:   kind,
			Start:  m[0],
			Length: m[1] - m[0],
			Name:   strings.TrimSpace(text[m[2]:m[3]]),
		}
		if m[4] >= 0 {
			tok.Param = strings.TrimSpace(text[m[4]:m[5]])
			tok.HasParam = true
		}
		if tok.Name == "" {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// HasTokens reports whether text contains any link or template syntax.
func HasTokens(text string) bool {
	return linkPattern.MatchString(text) || templatePattern.MatchString(text)
}

// Render rebuilds text with every resolved token substituted. Tokens must be
// in ascending, non-overlapping order, as returned by Scan. Literal runs
// between tokens are copied unchanged.
func Render(text string, resolved []ResolvedToken) string {
	if len(resolved) == 0 {
		return text
	}
	var sb strings.Builder
	sb.Grow(len(text))
	pos := 0
	for _, r := range resolved {
		sb.WriteString(text[pos:r.Start])
		sb.WriteString(r.Replacement)
		pos = r.End()
	}
	sb.WriteString(text[pos:])
	return sb.String()
}
