package extract

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/sitespeak/kbengine/internal/domain"
)

// Action is the Actions sub-extractor's per-element output, carrying
// enough to be turned into a domain.ActionDescriptor by the manifest
// generator.
type Action struct {
	Name                 string
	Kind                 domain.ActionKind
	Description          string
	Selector             string
	SideEffecting        domain.SideEffect
	RiskLevel            domain.RiskLevel
	RequiresConfirmation bool
}

var destructiveVerbs = []string{"delete", "remove", "cancel", "unsubscribe", "deactivate", "revoke"}
var paymentIndicators = []string{"pay", "checkout", "purchase", "buy", "charge", "subscribe"}

// actionTags are the elements the Actions sub-extractor considers.
var actionTags = map[string]bool{"button": true, "a": true, "form": true, "input": true}

func extractActions(doc *html.Node, opts Options) []Action {
	var actions []Action

	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}

		isActionAttr := hasAttr(n, "data-action") || hasAttr(n, "data-sitespeak-action")
		if !actionTags[n.Data] && !isActionAttr {
			return true
		}
		if n.Data == "input" {
			typ := strings.ToLower(attr(n, "type"))
			if typ != "submit" && typ != "button" && !isActionAttr {
				return true
			}
		}

		text := actionText(n)
		if text == "" {
			text = attr(n, "aria-label")
		}
		if text == "" && !isActionAttr {
			return true
		}

		kind := classifyKind(n)
		sideEffect := classifySideEffect(n, text)
		actions = append(actions, Action{
			Name:                 strings.TrimSpace(text),
			Kind:                 kind,
			Description:          describeAction(n, text),
			Selector:             selectorForDepth(n, opts.SelectorDepthCap),
			SideEffecting:        sideEffect,
			RiskLevel:            classifyRisk(sideEffect, text),
			RequiresConfirmation: requiresConfirmation(text),
		})
		return true
	})

	return actions
}

func actionText(n *html.Node) string {
	if n.Data == "input" {
		if v := attr(n, "value"); v != "" {
			return v
		}
		return ""
	}
	return strings.TrimSpace(textContent(n))
}

func classifyKind(n *html.Node) domain.ActionKind {
	switch {
	case n.Data == "form":
		return domain.ActionForm
	case n.Data == "a":
		return domain.ActionNavigation
	case hasAttr(n, "data-action") || hasAttr(n, "data-sitespeak-action"):
		return domain.ActionCustom
	default:
		return domain.ActionButton
	}
}

// classifySideEffect infers the side-effect class from the element:
// destructive verbs mean write, plain links are safe.
func classifySideEffect(n *html.Node, text string) domain.SideEffect {
	lower := strings.ToLower(text)
	if containsAny(lower, destructiveVerbs) || containsAny(lower, paymentIndicators) {
		return domain.SideEffectWrite
	}
	if n.Data == "a" {
		return domain.SideEffectSafe
	}
	if n.Data == "form" {
		return domain.SideEffectWrite
	}
	return domain.SideEffectRead
}

func classifyRisk(effect domain.SideEffect, text string) domain.RiskLevel {
	lower := strings.ToLower(text)
	if containsAny(lower, destructiveVerbs) {
		return domain.RiskHigh
	}
	if effect == domain.SideEffectWrite {
		return domain.RiskMedium
	}
	return domain.RiskLow
}

// requiresConfirmation infers from destructive verbs and payment
// indicators.
func requiresConfirmation(text string) bool {
	lower := strings.ToLower(text)
	return containsAny(lower, destructiveVerbs) || containsAny(lower, paymentIndicators)
}

func describeAction(n *html.Node, text string) string {
	switch n.Data {
	case "a":
		if href := attr(n, "href"); href != "" {
			return "navigates to " + href
		}
	case "form":
		return "submits a form"
	}
	return text
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
