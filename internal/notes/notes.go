// Package notes renders release notes published with a release into HTML
// that is safe to show in the admin UI.
package notes

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
			),
		)
	})
	return markdownInstance
}

// Elements whose whole subtree is discarded.
var droppedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Embed:    true,
	atom.Form:     true,
	atom.Input:    true,
	atom.Button:   true,
	atom.Textarea: true,
	atom.Select:   true,
}

// Elements kept as-is. Anything else is unwrapped: the tag goes, the
// children stay.
var allowedElements = map[atom.Atom]bool{
	atom.P: true, atom.Br: true, atom.Hr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Ul: true, atom.Ol: true, atom.Li: true,
	atom.Strong: true, atom.Em: true, atom.Del: true, atom.Code: true, atom.Pre: true,
	atom.Blockquote: true, atom.A: true,
	atom.Table: true, atom.Thead: true, atom.Tbody: true, atom.Tr: true, atom.Th: true, atom.Td: true,
}

var allowedAttrs = map[string]bool{
	"href":  true,
	"title": true,
	"align": true,
}

// Render converts markdown release notes to sanitized HTML.
func Render(source string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := markdown().Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("failed to render release notes: %w", err)
	}
	return Sanitize(buf.String())
}

// Sanitize strips everything outside a small allowlist of formatting
// elements from an HTML fragment. Links keep only http and https targets.
func Sanitize(fragment string) (string, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		return "", fmt.Errorf("failed to parse release notes: %w", err)
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}
	clean(body)

	var buf bytes.Buffer
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(buf.String()), nil
}

func clean(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.CommentNode, html.DoctypeNode:
			n.RemoveChild(c)
		case html.ElementNode:
			switch {
			case droppedElements[c.DataAtom]:
				n.RemoveChild(c)
			case allowedElements[c.DataAtom]:
				c.Attr = filterAttrs(c)
				clean(c)
			default:
				clean(c)
				// Hoist the children in place of the element.
				for gc := c.FirstChild; gc != nil; {
					gnext := gc.NextSibling
					c.RemoveChild(gc)
					n.InsertBefore(gc, c)
					gc = gnext
				}
				n.RemoveChild(c)
			}
		}
		c = next
	}
}

func filterAttrs(n *html.Node) []html.Attribute {
	var kept []html.Attribute
	for _, a := range n.Attr {
		if a.Namespace != "" || !allowedAttrs[a.Key] {
			continue
		}
		if a.Key == "href" && !safeLink(a.Val) {
			continue
		}
		kept = append(kept, a)
	}
	if n.DataAtom == atom.A && hasAttr(kept, "href") {
		kept = append(kept, html.Attribute{Key: "rel", Val: "noopener noreferrer"})
	}
	return kept
}

func hasAttr(attrs []html.Attribute, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

func safeLink(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return u.Scheme == "https" || u.Scheme == "http"
}

// Excerpt returns the plain text of an HTML fragment with whitespace
// collapsed, cut at a word boundary to at most max runes. A cut excerpt
// ends in "…".
func Excerpt(fragment string, max int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("failed to parse release notes: %w", err)
	}
	text := strings.Join(strings.Fields(doc.Text()), " ")
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text, nil
	}
	cut := string(runes[:max])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " .,;:") + "…", nil
}
