package agent

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// FallbackAnswer replaces an empty final answer.
const FallbackAnswer = "Je n'ai pas pu formuler de réponse. Pouvez-vous reformuler votre demande ?"

// tokenChunkSize is the approximate rune length of message_token pieces.
const tokenChunkSize = 24

var skipElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Head:   true,
}

var blockElements = map[atom.Atom]bool{
	atom.P:     true,
	atom.Div:   true,
	atom.Br:    true,
	atom.Li:    true,
	atom.Tr:    true,
	atom.H1:    true,
	atom.H2:    true,
	atom.H3:    true,
	atom.H4:    true,
	atom.Ul:    true,
	atom.Ol:    true,
	atom.Table: true,
}

// tagPattern matches something shaped like a start, end or void tag.
var tagPattern = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9]*)(\s[^<>]*)?/?>`)

// hasMarkup reports whether s contains a tag naming a known HTML element.
// A bare '<' in prose (HT<TTC, a<b) is not markup.
func hasMarkup(s string) bool {
	for _, m := range tagPattern.FindAllStringSubmatch(s, -1) {
		if atom.Lookup([]byte(strings.ToLower(m[1]))) != 0 {
			return true
		}
	}
	return false
}

// NormalizeText cleans a model answer for display: markup is stripped,
// runs of blanks collapse and an empty result becomes FallbackAnswer.
func NormalizeText(raw string) string {
	text := raw
	if hasMarkup(raw) {
		text = stripHTML(raw)
	}
	text = collapseWhitespace(text)
	if text == "" {
		return FallbackAnswer
	}
	return text
}

func stripHTML(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return raw
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			b.WriteByte('\n')
		}
	}
	walk(doc)
	return b.String()
}

// collapseWhitespace trims every line, squeezes inner blanks and keeps at
// most one empty line between paragraphs.
func collapseWhitespace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.FieldsFunc(line, func(r rune) bool {
			return unicode.IsSpace(r)
		}), " ")
		if line == "" {
			if len(out) > 0 {
				blank = true
			}
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// Chunk splits text into pieces of roughly size runes, breaking after
// whitespace when possible. Concatenating the pieces yields text.
func Chunk(text string, size int) []string {
	if size <= 0 || utf8.RuneCountInString(text) <= size {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	var chunks []string
	start, n := 0, 0
	for i, r := range text {
		n++
		end := i + utf8.RuneLen(r)
		if (n >= size && unicode.IsSpace(r)) || n >= 2*size {
			chunks = append(chunks, text[start:end])
			start, n = end, 0
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}
