package extract

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// selectorFor generates a stable CSS selector for n, preferring id,
// then name, then data-action / data-sitespeak-action, then a class
// path, then a structural path capped at 5 ancestors.
func selectorFor(n *html.Node) string {
	return selectorForDepth(n, 5)
}

func selectorForDepth(n *html.Node, depthCap int) string {
	if id := attr(n, "id"); id != "" {
		return "#" + id
	}
	if name := attr(n, "name"); name != "" {
		return fmt.Sprintf("%s[name=%q]", n.Data, name)
	}
	if da := attr(n, "data-action"); da != "" {
		return fmt.Sprintf("%s[data-action=%q]", n.Data, da)
	}
	if da := attr(n, "data-sitespeak-action"); da != "" {
		return fmt.Sprintf("%s[data-sitespeak-action=%q]", n.Data, da)
	}
	if classes := classList(n); len(classes) > 0 {
		return n.Data + "." + strings.Join(classes, ".")
	}
	return structuralPath(n, depthCap)
}

func classList(n *html.Node) []string {
	raw := attr(n, "class")
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// structuralPath builds a nth-child path from n up to depthCap
// ancestors, e.g. "body > div:nth-child(2) > form:nth-child(1)".
func structuralPath(n *html.Node, depthCap int) string {
	var segments []string
	cur := n
	for i := 0; cur != nil && i < depthCap; i++ {
		if cur.Type != html.ElementNode {
			cur = cur.Parent
			continue
		}
		idx := childIndex(cur)
		segments = append([]string{fmt.Sprintf("%s:nth-child(%d)", cur.Data, idx)}, segments...)
		cur = cur.Parent
	}
	return strings.Join(segments, " > ")
}

func childIndex(n *html.Node) int {
	idx := 1
	for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
		if sib.Type == html.ElementNode {
			idx++
		}
	}
	return idx
}
