// Package extract is a set of pure sub-extractors that turn one
// fetched HTML document into typed structures: content, JSON-LD
// entities, actions, and forms.
package extract

import (
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Options tunes extraction behavior; the zero value is sane defaults.
type Options struct {
	MaxTextLength      int  // 0 means unbounded
	MinParagraphLength int  // paragraphs shorter than this are dropped
	PreserveWhitespace bool // skip whitespace normalization
	SelectorDepthCap   int  // structural-path selector generation depth, default 5
}

func (o Options) withDefaults() Options {
	if o.MinParagraphLength == 0 {
		o.MinParagraphLength = 20
	}
	if o.SelectorDepthCap == 0 {
		o.SelectorDepthCap = 5
	}
	return o
}

// Result bundles every sub-extractor's output plus their isolated,
// non-fatal errors; a partial result is always returned in preference
// to none.
type Result struct {
	Content       ContentResult
	Entities      []Entity
	Actions       []Action
	Forms         []Form
	Errors        []error
	ExtractedAt   time.Time
}

// Extractor runs every sub-extractor over one parsed document.
type Extractor struct {
	opts Options
}

// New creates an Extractor with the given options.
func New(opts Options) *Extractor {
	return &Extractor{opts: opts.withDefaults()}
}

// Extract parses rawHTML once and fans out to every sub-extractor,
// isolating each one's errors so a failure in one never blocks the
// others.
func (e *Extractor) Extract(rawHTML, canonicalURL string) Result {
	res := Result{ExtractedAt: time.Now()}

	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		res.Errors = append(res.Errors, err)
		return res
	}

	res.Content = extractContent(doc, canonicalURL, e.opts)

	entities, errs := extractJSONLD(doc)
	res.Entities = entities
	res.Errors = append(res.Errors, errs...)

	res.Actions = extractActions(doc, e.opts)
	res.Forms = extractForms(doc)

	return res
}
