package scholparse

import (
	"strings"

	"golang.org/x/net/html"
)

// walk visits every node depth-first.
func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrVal(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// elementByID returns the first element with the given id, or nil.
func elementByID(root *html.Node, id string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) {
		if found == nil && n.Type == html.ElementNode && attrVal(n, "id") == id {
			found = n
		}
	})
	return found
}

// elementsByClass returns all elements of the given tag (any tag when tag
// is empty) carrying the given class.
func elementsByClass(root *html.Node, tag, class string) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		if tag != "" && n.Data != tag {
			return
		}
		if hasClass(n, class) {
			out = append(out, n)
		}
	})
	return out
}

func firstElementByClass(root *html.Node, tag, class string) *html.Node {
	matches := elementsByClass(root, tag, class)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// firstElement returns the first element with the given tag name, or nil.
func firstElement(root *html.Node, tag string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) {
		if found == nil && n.Type == html.ElementNode && n.Data == tag {
			found = n
		}
	})
	return found
}

// textContent concatenates all text under the node. Returns "" for nil.
func textContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	})
	return b.String()
}

// countMarkers tallies how many elements carry each marker as an id or a
// class. The counts go into ParsedProfilePage.MarkerCounts for debugging
// failed scholars.
func countMarkers(root *html.Node, counts map[string]int, markers ...string) {
	set := make(map[string]bool, len(markers))
	for _, m := range markers {
		set[m] = true
		if _, ok := counts[m]; !ok {
			counts[m] = 0
		}
	}
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		if id := attrVal(n, "id"); id != "" && set[id] {
			counts[id]++
		}
		for _, c := range strings.Fields(attrVal(n, "class")) {
			if set[c] {
				counts[c]++
			}
		}
	})
}
