package extract

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// invisibleTags are stripped from both text extraction and the DOM
// walk entirely.
var invisibleTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
}

// Heading is one entry in the document's heading hierarchy.
type Heading struct {
	Level  int    `json:"level"`
	Text   string `json:"text"`
	ID     string `json:"id,omitempty"`
	Anchor string `json:"anchor,omitempty"`
}

// Table is a parsed <table>.
type Table struct {
	Caption string     `json:"caption,omitempty"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// AriaRegion is a landmark region identified by ARIA role or semantic tag.
type AriaRegion struct {
	Role     string `json:"role"`
	Label    string `json:"label,omitempty"`
	Content  string `json:"content"`
	Selector string `json:"selector"`
}

// ContentBlock is one heading or paragraph, captured in document order.
// It is the structural signal chunking consumes to prefer breaking at
// headings instead of mid-section, and to populate a chunk's
// section/heading from real HTML structure rather than re-detecting
// Markdown syntax in already-flattened text.
type ContentBlock struct {
	Kind   string `json:"kind"` // "heading" or "paragraph"
	Level  int    `json:"level,omitempty"`
	Text   string `json:"text"`
	Anchor string `json:"anchor,omitempty"`
}

// ContentResult is the HTML Content sub-extractor's output.
type ContentResult struct {
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	CanonicalURL string         `json:"canonical_url"`
	Language     string         `json:"language"`
	Headings     []Heading      `json:"headings"`
	Paragraphs   []string       `json:"paragraphs"`
	Tables       []Table        `json:"tables"`
	AriaRegions  []AriaRegion   `json:"aria_regions"`
	Blocks       []ContentBlock `json:"blocks"`
	CleanedText  string         `json:"cleaned_text"`
}

var landmarkRoles = map[string]bool{
	"banner": true, "navigation": true, "main": true, "contentinfo": true,
	"complementary": true, "search": true, "form": true, "region": true,
}

var semanticLandmarkTags = map[string]string{
	"header": "banner", "nav": "navigation", "main": "main",
	"footer": "contentinfo", "aside": "complementary",
}

func extractContent(doc *html.Node, canonicalURL string, opts Options) ContentResult {
	res := ContentResult{CanonicalURL: canonicalURL}

	if htmlNode := findTag(doc, "html"); htmlNode != nil {
		res.Language = attr(htmlNode, "lang")
	}

	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch n.Data {
		case "title":
			if res.Title == "" {
				res.Title = strings.TrimSpace(textContent(n))
			}
		case "meta":
			name := strings.ToLower(attr(n, "name"))
			if name == "description" && res.Description == "" {
				res.Description = attr(n, "content")
			}
			if strings.ToLower(attr(n, "property")) == "og:description" && res.Description == "" {
				res.Description = attr(n, "content")
			}
		case "link":
			if strings.ToLower(attr(n, "rel")) == "canonical" && res.CanonicalURL == "" {
				res.CanonicalURL = attr(n, "href")
			}
		case "h1", "h2", "h3", "h4", "h5", "h6":
			level, _ := strconv.Atoi(n.Data[1:])
			id := attr(n, "id")
			text := strings.TrimSpace(textContent(n))
			res.Headings = append(res.Headings, Heading{
				Level:  level,
				Text:   text,
				ID:     id,
				Anchor: anchorFor(id),
			})
			if text != "" {
				res.Blocks = append(res.Blocks, ContentBlock{Kind: "heading", Level: level, Text: text, Anchor: anchorFor(id)})
			}
		case "p":
			text := normalizeWhitespace(textContent(n), opts.PreserveWhitespace)
			if len([]rune(text)) >= opts.MinParagraphLength {
				res.Paragraphs = append(res.Paragraphs, text)
				res.Blocks = append(res.Blocks, ContentBlock{Kind: "paragraph", Text: text})
			}
		case "table":
			res.Tables = append(res.Tables, extractTable(n))
		}

		if role, label, ok := landmarkOf(n); ok {
			res.AriaRegions = append(res.AriaRegions, AriaRegion{
				Role:     role,
				Label:    label,
				Content:  normalizeWhitespace(textContent(n), false),
				Selector: selectorFor(n),
			})
		}
		return true
	})

	body := findTag(doc, "body")
	text := normalizeWhitespace(textContent(body), opts.PreserveWhitespace)
	if opts.MaxTextLength > 0 && len([]rune(text)) > opts.MaxTextLength {
		r := []rune(text)
		text = string(r[:opts.MaxTextLength])
	}
	res.CleanedText = text

	return res
}

func landmarkOf(n *html.Node) (role, label string, ok bool) {
	if r := strings.ToLower(attr(n, "role")); r != "" && landmarkRoles[r] {
		return r, attr(n, "aria-label"), true
	}
	if r, present := semanticLandmarkTags[n.Data]; present {
		return r, attr(n, "aria-label"), true
	}
	return "", "", false
}

func anchorFor(id string) string {
	if id == "" {
		return ""
	}
	return "#" + id
}

func extractTable(n *html.Node) Table {
	var t Table
	walk(n, func(c *html.Node) bool {
		if c.Type != html.ElementNode {
			return true
		}
		switch c.Data {
		case "caption":
			t.Caption = strings.TrimSpace(textContent(c))
		case "th":
			t.Headers = append(t.Headers, strings.TrimSpace(textContent(c)))
		case "tr":
			var row []string
			for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
				if cell.Type == html.ElementNode && cell.Data == "td" {
					row = append(row, strings.TrimSpace(textContent(cell)))
				}
			}
			if len(row) > 0 {
				t.Rows = append(t.Rows, row)
			}
		}
		return true
	})
	return t
}

// textContent concatenates every visible text descendant, skipping
// invisible descendant elements, but always includes n's own direct
// text (so textContent can be called on a <script> node itself, as
// the JSON-LD sub-extractor does).
func textContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walkText func(*html.Node, bool)
	walkText = func(n *html.Node, isRoot bool) {
		if !isRoot && n.Type == html.ElementNode {
			if invisibleTags[n.Data] || isHidden(n) {
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkText(c, false)
		}
	}
	walkText(n, true)
	return b.String()
}

func isHidden(n *html.Node) bool {
	if hasAttr(n, "hidden") {
		return true
	}
	style := strings.ToLower(attr(n, "style"))
	return strings.Contains(style, "display:none") || strings.Contains(style, "display: none")
}

func normalizeWhitespace(s string, preserve bool) string {
	if preserve {
		return s
	}
	return strings.Join(strings.Fields(s), " ")
}

// walk invokes f on every visible node in the tree rooted at n in
// document order; f returns false to stop descending into n's
// children. script/style/noscript/template subtrees and elements
// hidden via the `hidden` attribute or `display:none` are skipped
// entirely, since nothing under them is rendered content.
func walk(n *html.Node, f func(*html.Node) bool) {
	if n == nil {
		return
	}
	if n.Type == html.ElementNode && (invisibleTags[n.Data] || isHidden(n)) {
		return
	}
	if !f(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, f)
	}
}

// walkAll invokes f on every node regardless of visibility, for
// sub-extractors (JSON-LD) that need to inspect elements walk skips.
func walkAll(n *html.Node, f func(*html.Node) bool) {
	if n == nil {
		return
	}
	if !f(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkAll(c, f)
	}
}

func findTag(n *html.Node, tag string) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findTag(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, name string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return true
		}
	}
	return false
}
