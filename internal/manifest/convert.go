package manifest

import (
	"strings"

	"github.com/google/uuid"

	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/extract"
)

// FromExtraction turns one document's extracted Actions and Forms into
// ActionDescriptors ready for Build's dedupe/rank/enrich pass. Forms
// contribute their own form-kind descriptor with a parameter list
// drawn from their fields so privacy/security enrichment and the
// JSON Schema attached below have something to inspect.
func FromExtraction(documentID string, actions []extract.Action, forms []extract.Form) []domain.ActionDescriptor {
	out := make([]domain.ActionDescriptor, 0, len(actions)+len(forms))

	for _, a := range actions {
		d := domain.ActionDescriptor{
			ID:                   uuid.New().String(),
			Name:                 slugify(a.Name),
			Kind:                 a.Kind,
			Description:          a.Description,
			Selector:             a.Selector,
			DocumentID:           documentID,
			SideEffecting:        a.SideEffecting,
			RiskLevel:            a.RiskLevel,
			RequiresConfirmation: a.RequiresConfirmation,
			RequiresAuth:         a.RiskLevel == domain.RiskHigh,
		}
		d.JSONSchema = schemaFor(d.Parameters)
		out = append(out, d)
	}

	for _, f := range forms {
		params := paramsFromFields(f.Fields)
		d := domain.ActionDescriptor{
			ID:                   uuid.New().String(),
			Name:                 slugify(string(f.Type) + "-form"),
			Kind:                 domain.ActionForm,
			Description:          "submits a " + string(f.Type) + " form",
			Selector:             f.Selector,
			DocumentID:           documentID,
			Parameters:           params,
			SideEffecting:        domain.SideEffectWrite,
			RiskLevel:            formRiskLevel(f.Type),
			RequiresConfirmation: f.Type == extract.FormCheckout,
			RequiresAuth:         f.Type == extract.FormLogin,
		}
		d.JSONSchema = schemaFor(params)
		out = append(out, d)
	}

	return out
}

func paramsFromFields(fields []extract.Field) []domain.ActionParameter {
	out := make([]domain.ActionParameter, 0, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			continue
		}
		out = append(out, domain.ActionParameter{
			Name:        f.Name,
			Type:        parameterType(f),
			Required:    f.Validation.Required,
			Description: f.Label,
			Enum:        f.Validation.Options,
			Pattern:     f.Validation.Pattern,
		})
	}
	return out
}

func parameterType(f extract.Field) string {
	switch f.Validation.InputType {
	case "email", "url":
		return "string"
	}
	if f.Type == "select" && len(f.Validation.Options) > 0 {
		return "enum"
	}
	if f.Type == "number" {
		return "number"
	}
	if f.Type == "checkbox" {
		return "boolean"
	}
	return "string"
}

func formRiskLevel(t extract.FormType) domain.RiskLevel {
	switch t {
	case extract.FormCheckout, extract.FormRegistration, extract.FormLogin:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// schemaFor derives a Draft 2020-12-shaped JSON Schema object from an
// action's parameter list.
func schemaFor(params []domain.ActionParameter) *domain.JSONSchema {
	props := make(map[string]*domain.JSONSchema, len(params))
	var required []string
	for _, p := range params {
		props[p.Name] = &domain.JSONSchema{
			Type:        jsonSchemaType(p.Type),
			Enum:        p.Enum,
			Pattern:     p.Pattern,
			Description: p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return &domain.JSONSchema{
		Schema:     "https://json-schema.org/draft/2020-12/schema",
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func jsonSchemaType(t string) string {
	switch t {
	case "number", "boolean":
		return t
	case "enum":
		return "string"
	default:
		return "string"
	}
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if s == "" {
		return "action"
	}
	return s
}
