package providers

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// parseHTML parses a document, tolerating the malformed markup the
// providers routinely serve.
func parseHTML(r io.Reader) (*html.Node, error) {
	return html.Parse(r)
}

// nodePredicate selects nodes during traversal.
type nodePredicate func(*html.Node) bool

// findAll returns every element under n (inclusive) matching the predicate,
// in document order.
func findAll(n *html.Node, pred nodePredicate) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && pred(node) {
			out = append(out, node)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// findFirst returns the first element matching the predicate, or nil.
func findFirst(n *html.Node, pred nodePredicate) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(node *html.Node) bool {
		if node.Type == html.ElementNode && pred(node) {
			found = node
			return true
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(n)
	return found
}

// byTag matches elements by tag name.
func byTag(tag string) nodePredicate {
	return func(n *html.Node) bool {
		return n.Data == tag
	}
}

// byTagClass matches elements carrying a class token.
func byTagClass(tag, class string) nodePredicate {
	return func(n *html.Node) bool {
		return n.Data == tag && hasClass(n, class)
	}
}

// hasClass reports whether the element's class attribute contains the
// given token.
func hasClass(n *html.Node, class string) bool {
	for _, token := range strings.Fields(attr(n, "class")) {
		if token == class {
			return true
		}
	}
	return false
}

// attr returns an attribute value, or "".
func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textContent returns the concatenated text under a node, whitespace
// collapsed.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// absoluteURL resolves ref against base, returning "" when unparseable.
func absoluteURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}

// hostSuffixMatch reports whether rawURL's hostname equals or ends with
// one of the given domains.
func hostSuffixMatch(rawURL string, domains []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// slugFromPath extracts the last non-empty path segment of a URL.
func slugFromPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}
