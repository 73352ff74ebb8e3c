package content

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// skippedTags are elements whose whole subtree carries no readable content.
var skippedTags = map[string]bool{
	"style":    true,
	"script":   true,
	"noscript": true,
	"link":     true,
	"meta":     true,
	"img":      true,
	"figure":   true,
}

// skippedClassParts strip reference markers, infoboxes, navboxes, and edit
// links when any class contains them, covering skin variants such as
// "portable-infobox" and "mw-cite-backlink".
var skippedClassParts = []string{
	"reference",
	"reflist",
	"cite-backlink",
	"infobox",
	"navbox",
	"editsection",
}

// skippedClasses must match a class exactly.
var skippedClasses = map[string]bool{
	"metadata":     true,
	"toc":          true,
	"mw-empty-elt": true,
}

// blockTags are separated from their neighbours by a newline.
var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "ul": true, "ol": true, "dl": true,
	"dt": true, "dd": true, "tr": true, "table": true, "blockquote": true,
	"pre": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "section": true, "caption": true,
}

var (
	multiBlankLines = regexp.MustCompile(`\n{3,}`)
	multiSpace      = regexp.MustCompile(`[ \t\f\r]+`)
)

// Flatten converts rendered wiki HTML to lightweight inline markup:
// **bold**, *italic*, and label(<absolute-url>) links, with block elements
// on their own lines. Relative links are resolved against base.
func Flatten(htmlContent string, base *url.URL) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return ""
	}

	w := &flattener{base: base}
	w.walk(doc, 0)
	return cleanText(w.sb.String())
}

type flattener struct {
	sb   strings.Builder
	base *url.URL
}

func (w *flattener) walk(n *html.Node, depth int) {
	if depth > 200 {
		return
	}

	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
		return
	case html.ElementNode:
		if skip(n) {
			return
		}
		switch n.Data {
		case "br":
			w.sb.WriteString("\n")
			return
		case "b", "strong":
			w.wrap(n, depth, "**")
			return
		case "i", "em":
			w.wrap(n, depth, "*")
			return
		case "a":
			w.link(n, depth)
			return
		}
		if blockTags[n.Data] {
			w.newline()
			w.children(n, depth)
			w.newline()
			return
		}
	}

	w.children(n, depth)
}

func (w *flattener) children(n *html.Node, depth int) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, depth+1)
	}
}

// text writes a text node with its whitespace runs collapsed.
func (w *flattener) text(data string) {
	if strings.TrimSpace(data) == "" {
		if data != "" && !w.endsWithSpace() {
			w.sb.WriteString(" ")
		}
		return
	}
	lead := isSpace(data[0])
	trail := isSpace(data[len(data)-1])
	if lead && !w.endsWithSpace() {
		w.sb.WriteString(" ")
	}
	w.sb.WriteString(strings.Join(strings.Fields(data), " "))
	if trail {
		w.sb.WriteString(" ")
	}
}

// wrap renders an inline emphasis element; empty content is dropped.
func (w *flattener) wrap(n *html.Node, depth int, marker string) {
	inner := w.render(n, depth)
	if strings.TrimSpace(inner) == "" {
		w.sb.WriteString(inner)
		return
	}
	w.sb.WriteString(marker + strings.TrimSpace(inner) + marker)
}

// link renders an anchor as label(<absolute-url>).
func (w *flattener) link(n *html.Node, depth int) {
	label := strings.TrimSpace(w.render(n, depth))
	href := attr(n, "href")
	if label == "" {
		return
	}
	if href == "" || strings.HasPrefix(href, "#") {
		w.sb.WriteString(label)
		return
	}
	w.sb.WriteString(label + "(<" + w.absolute(href) + ">)")
}

// render flattens n's children into a detached buffer.
func (w *flattener) render(n *html.Node, depth int) string {
	sub := &flattener{base: w.base}
	sub.children(n, depth)
	return sub.sb.String()
}

func (w *flattener) absolute(href string) string {
	u, err := url.Parse(href)
	if err != nil || w.base == nil {
		return href
	}
	return w.base.ResolveReference(u).String()
}

func (w *flattener) newline() {
	s := w.sb.String()
	if s == "" || strings.HasSuffix(s, "\n") {
		return
	}
	w.sb.WriteString("\n")
}

func (w *flattener) endsWithSpace() bool {
	s := w.sb.String()
	return s == "" || isSpace(s[len(s)-1])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\f'
}

func skip(n *html.Node) bool {
	if skippedTags[n.Data] {
		return true
	}
	class := attr(n, "class")
	if class == "" {
		return false
	}
	for _, c := range strings.Fields(class) {
		if skippedClasses[c] {
			return true
		}
		for _, part := range skippedClassParts {
			if strings.Contains(c, part) {
				return true
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// cleanText trims every line, collapses repeated spaces, and keeps at most
// one blank line between blocks.
func cleanText(s string) string {
	s = multiSpace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiBlankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
