package notes

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// Match is one element selected from rendered notes.
type Match struct {
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Link is an outbound link found in rendered notes.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

var linksExpr = xpath.MustCompile("//a[@href]")

// Select evaluates an XPath expression against an HTML fragment and returns
// the matching elements.
func Select(fragment, expr string) ([]Match, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile xpath expression '%s': %w", expr, err)
	}
	return selectNodes(fragment, compiled)
}

// Links lists the links in sanitized notes, in document order.
func Links(fragment string) ([]Link, error) {
	matches, err := selectNodes(fragment, linksExpr)
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(matches))
	for _, m := range matches {
		links = append(links, Link{Text: m.Text, Href: m.Attrs["href"]})
	}
	return links, nil
}

func selectNodes(fragment string, expr *xpath.Expr) ([]Match, error) {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil, fmt.Errorf("failed to parse release notes: %w", err)
	}

	var matches []Match
	iter := expr.Select(newNavigator(doc))
	for iter.MoveNext() {
		nav, ok := iter.Current().(*navigator)
		if !ok || nav.node.Type != html.ElementNode {
			continue
		}
		sel := goquery.NewDocumentFromNode(nav.node).Selection
		m := Match{Text: strings.Join(strings.Fields(sel.Text()), " ")}
		if len(nav.node.Attr) > 0 {
			m.Attrs = make(map[string]string, len(nav.node.Attr))
			for _, a := range nav.node.Attr {
				m.Attrs[a.Key] = a.Val
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// navigator implements xpath.NodeNavigator over an x/net/html tree. pos is
// zero on the node itself and i+1 while positioned on its i-th attribute.
type navigator struct {
	node *html.Node
	pos  int
}

func newNavigator(root *html.Node) *navigator {
	return &navigator{node: root}
}

func (n *navigator) onAttr() bool {
	return n.node.Type == html.ElementNode && n.pos > 0 && n.pos <= len(n.node.Attr)
}

func (n *navigator) NodeType() xpath.NodeType {
	switch n.node.Type {
	case html.DocumentNode:
		return xpath.RootNode
	case html.TextNode:
		return xpath.TextNode
	case html.CommentNode:
		return xpath.CommentNode
	}
	if n.onAttr() {
		return xpath.AttributeNode
	}
	return xpath.ElementNode
}

func (n *navigator) LocalName() string {
	if n.onAttr() {
		return n.node.Attr[n.pos-1].Key
	}
	if n.node.Type == html.ElementNode {
		return n.node.Data
	}
	return ""
}

func (n *navigator) Prefix() string { return "" }

func (n *navigator) Value() string {
	switch n.node.Type {
	case html.TextNode, html.CommentNode:
		return n.node.Data
	}
	if n.onAttr() {
		return n.node.Attr[n.pos-1].Val
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(h *html.Node) {
		if h.Type == html.TextNode {
			sb.WriteString(h.Data)
		}
		for c := h.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n.node)
	return sb.String()
}

func (n *navigator) Copy() xpath.NodeNavigator {
	c := *n
	return &c
}

func (n *navigator) MoveToRoot() {
	for n.node.Parent != nil {
		n.node = n.node.Parent
	}
	n.pos = 0
}

func (n *navigator) MoveToParent() bool {
	if n.onAttr() {
		n.pos = 0
		return true
	}
	if n.node.Parent == nil {
		return false
	}
	n.node = n.node.Parent
	n.pos = 0
	return true
}

func (n *navigator) MoveToNextAttribute() bool {
	if n.node.Type == html.ElementNode && n.pos < len(n.node.Attr) {
		n.pos++
		return true
	}
	return false
}

func (n *navigator) MoveToChild() bool {
	if n.onAttr() || n.node.FirstChild == nil {
		return false
	}
	n.node = n.node.FirstChild
	n.pos = 0
	return true
}

func (n *navigator) MoveToFirst() bool {
	if n.onAttr() || n.node.PrevSibling == nil {
		return false
	}
	for n.node.PrevSibling != nil {
		n.node = n.node.PrevSibling
	}
	return true
}

func (n *navigator) MoveToNext() bool {
	if n.onAttr() || n.node.NextSibling == nil {
		return false
	}
	n.node = n.node.NextSibling
	return true
}

func (n *navigator) MoveToPrevious() bool {
	if n.onAttr() || n.node.PrevSibling == nil {
		return false
	}
	n.node = n.node.PrevSibling
	return true
}

func (n *navigator) MoveTo(other xpath.NodeNavigator) bool {
	o, ok := other.(*navigator)
	if !ok {
		return false
	}
	n.node = o.node
	n.pos = o.pos
	return true
}

func (n *navigator) String() string { return n.Value() }
