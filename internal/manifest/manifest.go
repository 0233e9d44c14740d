// Package manifest turns the ActionDescriptors and
// StructuredEntities gathered across a site's documents into a single
// versioned SiteManifest.
package manifest

import (
	"sort"
	"strings"
	"time"

	"github.com/sitespeak/kbengine/internal/domain"
)

// perKindCap bounds how many actions of a given kind survive into the
// final manifest.
var perKindCap = map[domain.ActionKind]int{
	domain.ActionNavigation: 10,
	domain.ActionButton:     15,
	domain.ActionForm:       15,
	domain.ActionAPI:        20,
	domain.ActionCustom:     10,
}

const defaultCap = 10

// sensitiveFieldNames are matched (case-insensitively, as a substring)
// against an action's parameter names to flag privacy-sensitive
// selectors.
var sensitiveFieldNames = []string{
	"password", "passwd", "email", "phone", "ssn", "social_security",
	"tax", "taxid", "credit_card", "card_number", "cvv", "sensitive", "private",
}

// Generator builds a SiteManifest from the raw action/entity inventory
// discovered across a site's documents.
type Generator struct{}

// New creates a manifest Generator.
func New() *Generator {
	return &Generator{}
}

// BuildRequest is the raw material collected by the crawl orchestrator
// across every document in a completed session.
type BuildRequest struct {
	SiteID          string
	PreviousVersion int
	Actions         []domain.ActionDescriptor
	Entities        []domain.StructuredEntity
	AllowedOrigins  []string
	GeneratedAt     time.Time // the session's finishedAt
}

// Build dedupes, ranks, and enriches actions into a versioned
// SiteManifest.
func (g *Generator) Build(req BuildRequest) domain.SiteManifest {
	deduped := dedupe(req.Actions)
	ranked := rankAndCap(deduped)

	return domain.SiteManifest{
		SiteID:           req.SiteID,
		Version:          req.PreviousVersion + 1,
		GeneratedAt:      req.GeneratedAt,
		Actions:          ranked,
		Capabilities:     deriveCapabilities(ranked, req.Entities),
		SecuritySettings: buildSecuritySettings(req.AllowedOrigins),
		PrivacySettings:  buildPrivacySettings(ranked),
	}
}

// normalizedKey identifies an action for dedup purposes: selector and
// kind together, selector case-folded and whitespace-collapsed so
// trivially distinct-but-equivalent selectors collapse to one action.
func normalizedKey(a domain.ActionDescriptor) string {
	sel := strings.ToLower(strings.Join(strings.Fields(a.Selector), " "))
	return string(a.Kind) + "\x1f" + sel
}

// dedupe keeps the first-seen occurrence of each (selector, kind) pair;
// ties are broken by document order, which is the order callers are
// expected to supply (documents committed earliest first).
func dedupe(actions []domain.ActionDescriptor) []domain.ActionDescriptor {
	seen := make(map[string]bool, len(actions))
	out := make([]domain.ActionDescriptor, 0, len(actions))
	for _, a := range actions {
		k := normalizedKey(a)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}

// rankAndCap orders actions within each kind (safe before read before
// write, then alphabetically by name for determinism) and truncates to
// perKindCap.
func rankAndCap(actions []domain.ActionDescriptor) []domain.ActionDescriptor {
	byKind := make(map[domain.ActionKind][]domain.ActionDescriptor)
	for _, a := range actions {
		byKind[a.Kind] = append(byKind[a.Kind], a)
	}

	var out []domain.ActionDescriptor
	for kind, list := range byKind {
		sort.SliceStable(list, func(i, j int) bool {
			si, sj := sideEffectRank(list[i].SideEffecting), sideEffectRank(list[j].SideEffecting)
			if si != sj {
				return si < sj
			}
			return list[i].Name < list[j].Name
		})
		limit := perKindCap[kind]
		if limit == 0 {
			limit = defaultCap
		}
		if len(list) > limit {
			list = list[:limit]
		}
		out = append(out, list...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sideEffectRank(s domain.SideEffect) int {
	switch s {
	case domain.SideEffectSafe:
		return 0
	case domain.SideEffectRead:
		return 1
	case domain.SideEffectWrite:
		return 2
	default:
		return 3
	}
}

// deriveCapabilities inspects the surviving actions and structured
// entities for signals that a site supports a well-known capability.
func deriveCapabilities(actions []domain.ActionDescriptor, entities []domain.StructuredEntity) []string {
	has := map[string]bool{}

	for _, a := range actions {
		name := strings.ToLower(a.Name)
		desc := strings.ToLower(a.Description)
		if a.Kind == domain.ActionNavigation {
			has["navigation"] = true
		}
		switch {
		case a.Kind == domain.ActionForm && (strings.Contains(name, "contact") || strings.Contains(desc, "contact")):
			has["hasContactForm"] = true
		case a.Kind == domain.ActionForm && (strings.Contains(name, "book") || strings.Contains(desc, "appointment") || strings.Contains(desc, "reservation")):
			has["hasBooking"] = true
		case strings.Contains(name, "search") || strings.Contains(desc, "search"):
			has["hasSearch"] = true
		case strings.Contains(name, "cart") || strings.Contains(name, "checkout") || strings.Contains(name, "buy"):
			has["hasEcommerce"] = true
		}
	}

	for _, e := range entities {
		switch strings.ToLower(e.Type) {
		case "product", "offer":
			has["hasEcommerce"] = true
		case "faqpage", "qapage":
			has["hasFAQ"] = true
		case "localbusiness", "restaurant":
			has["hasBooking"] = true
		}
	}

	out := make([]string, 0, len(has))
	for capability := range has {
		out = append(out, capability)
	}
	sort.Strings(out)
	return out
}

// buildSecuritySettings emits the fixed widget policy: HTTPS and
// CSRF required, GET/POST only, scoped to the site's
// configured allowed origins.
func buildSecuritySettings(allowedOrigins []string) domain.SecuritySettings {
	return domain.SecuritySettings{
		AllowedOrigins: allowedOrigins,
		RequireHTTPS:   true,
		RequireCSRF:    true,
		AllowedMethods: []string{"GET", "POST"},
	}
}

// buildPrivacySettings flags selectors belonging to actions with a
// sensitive-looking parameter name.
func buildPrivacySettings(actions []domain.ActionDescriptor) domain.PrivacySettings {
	var selectors []string
	for _, a := range actions {
		for _, p := range a.Parameters {
			if isSensitiveField(p.Name) {
				selectors = append(selectors, a.Selector)
				break
			}
		}
	}
	return domain.PrivacySettings{SensitiveSelectors: selectors}
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, needle := range sensitiveFieldNames {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
