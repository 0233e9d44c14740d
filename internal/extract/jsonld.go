package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Entity is one JSON-LD structured object discovered on the page,
// mirroring domain.StructuredEntity's shape without its persistence
// fields.
type Entity struct {
	Type       string
	Properties map[string]any
	Confidence float32
}

// requiredProperties lists, per known type, the properties that need
// to be present for an entity to be considered complete.
var requiredProperties = map[string][]string{
	"Product":       {"name", "description"},
	"Organization":  {"name"},
	"LocalBusiness": {"name", "address"},
	"FAQPage":       {"mainEntity"},
	"Article":       {"headline"},
	"Event":         {"name", "startDate"},
	"Offer":         {"price", "priceCurrency"},
	"Person":        {"name"},
	"Review":        {"reviewRating", "author"},
}

// extractJSONLD scans every <script type="application/ld+json"> block,
// parsing each independently so a malformed block never prevents
// extraction of its siblings.
func extractJSONLD(doc *html.Node) ([]Entity, []error) {
	var entities []Entity
	var errs []error

	walkAll(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "script" {
			return true
		}
		if !strings.EqualFold(attr(n, "type"), "application/ld+json") {
			return true
		}
		raw := strings.TrimSpace(textContent(n))
		if raw == "" {
			return true
		}

		parsed, err := parseJSONLDBlock(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("jsonld: block parse: %w", err))
			return true
		}
		entities = append(entities, parsed...)
		return true
	})

	return entities, errs
}

func parseJSONLDBlock(raw string) ([]Entity, error) {
	var root any
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return nil, err
	}

	var objs []map[string]any
	switch v := root.(type) {
	case map[string]any:
		objs = append(objs, flattenGraph(v)...)
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				objs = append(objs, flattenGraph(m)...)
			}
		}
	}

	entities := make([]Entity, 0, len(objs))
	for _, obj := range objs {
		entities = append(entities, toEntity(obj))
	}
	return entities, nil
}

// flattenGraph expands an @graph array into its member objects; a
// block without @graph is returned as a single-element slice.
func flattenGraph(obj map[string]any) []map[string]any {
	graph, ok := obj["@graph"]
	if !ok {
		return []map[string]any{obj}
	}
	arr, ok := graph.([]any)
	if !ok {
		return []map[string]any{obj}
	}
	var out []map[string]any
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, flattenGraph(m)...)
		}
	}
	return out
}

func toEntity(obj map[string]any) Entity {
	typ := normalizeType(obj["@type"])
	props := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == "@type" || k == "@context" {
			continue
		}
		props[k] = v
	}
	return Entity{
		Type:       typ,
		Properties: props,
		Confidence: confidenceFor(typ, props),
	}
}

// normalizeType collapses @type (string or string array) to one name,
// preferring the first value when several are given.
func normalizeType(t any) string {
	switch v := t.(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return "Thing"
}

// confidenceFor scores completeness: known-type membership is worth
// half, the remaining half is the fraction of required properties
// present. Unknown types without a required-property table score on
// presence of any properties at all.
func confidenceFor(typ string, props map[string]any) float32 {
	required, known := requiredProperties[typ]
	if !known {
		if len(props) > 0 {
			return 0.5
		}
		return 0.2
	}

	var present int
	for _, name := range required {
		if _, ok := props[name]; ok {
			present++
		}
	}
	completeness := float32(present) / float32(len(required))
	return 0.5 + 0.5*completeness
}
