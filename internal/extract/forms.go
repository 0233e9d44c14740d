package extract

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// FieldValidation describes the HTML5 validation constraints on a
// Field.
type FieldValidation struct {
	Required  bool     `json:"required"`
	Pattern   string   `json:"pattern,omitempty"`
	Min       string   `json:"min,omitempty"`
	Max       string   `json:"max,omitempty"`
	MinLength int      `json:"min_length,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
	InputType string   `json:"input_type,omitempty"` // email, url, etc.
	Options   []string `json:"options,omitempty"`
}

// Field is one form control.
type Field struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Label      string          `json:"label,omitempty"`
	Disabled   bool            `json:"disabled"`
	ReadOnly   bool            `json:"readonly"`
	Validation FieldValidation `json:"validation"`
}

// FormType is the Forms sub-extractor's classification of a <form>.
type FormType string

const (
	FormContact      FormType = "contact"
	FormSearch       FormType = "search"
	FormNewsletter   FormType = "newsletter"
	FormLogin        FormType = "login"
	FormRegistration FormType = "registration"
	FormCheckout     FormType = "checkout"
	FormBooking      FormType = "booking"
	FormFeedback     FormType = "feedback"
	FormOther        FormType = "other"
)

// Form is one extracted <form> element.
type Form struct {
	Selector string   `json:"selector"`
	Action   string   `json:"action,omitempty"`
	Method   string   `json:"method,omitempty"`
	Type     FormType `json:"type"`
	Fields   []Field  `json:"fields"`
}

func extractForms(doc *html.Node) []Form {
	var forms []Form
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "form" {
			forms = append(forms, extractForm(doc, n))
			return false // descend manually below to also capture nested controls
		}
		return true
	})

	// walk() stopped descending into matched <form> nodes above (to
	// avoid double-classification on nested forms), so fields were
	// already gathered inside extractForm via its own child walk.
	return forms
}

func extractForm(doc *html.Node, form *html.Node) Form {
	f := Form{
		Selector: selectorFor(form),
		Action:   attr(form, "action"),
		Method:   strings.ToUpper(attr(form, "method")),
	}
	if f.Method == "" {
		f.Method = "GET"
	}

	var fields []Field
	walk(form, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch n.Data {
		case "input", "textarea", "select":
			fields = append(fields, extractField(doc, form, n))
		}
		return true
	})
	f.Fields = fields
	f.Type = classifyForm(f, fields)
	return f
}

func extractField(doc, form, n *html.Node) Field {
	typ := strings.ToLower(attr(n, "type"))
	if n.Data == "textarea" {
		typ = "textarea"
	}
	if n.Data == "select" {
		typ = "select"
	}
	if typ == "" {
		typ = "text"
	}

	field := Field{
		Name:     attr(n, "name"),
		Type:     typ,
		Disabled: hasAttr(n, "disabled"),
		ReadOnly: hasAttr(n, "readonly"),
		Label:    labelFor(doc, form, n),
	}

	v := FieldValidation{
		Required:  hasAttr(n, "required"),
		Pattern:   attr(n, "pattern"),
		Min:       attr(n, "min"),
		Max:       attr(n, "max"),
		InputType: typ,
	}
	if ml := attr(n, "minlength"); ml != "" {
		v.MinLength, _ = strconv.Atoi(ml)
	}
	if ml := attr(n, "maxlength"); ml != "" {
		v.MaxLength, _ = strconv.Atoi(ml)
	}
	if n.Data == "select" {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "option" {
				val := attr(c, "value")
				if val == "" {
					val = strings.TrimSpace(textContent(c))
				}
				v.Options = append(v.Options, val)
			}
		}
	}
	field.Validation = v
	return field
}

// labelFor resolves a field's label via <label for>, an ancestor
// <label>, an ARIA label, or a placeholder, in that order.
func labelFor(doc, form, n *html.Node) string {
	if id := attr(n, "id"); id != "" {
		if lbl := findLabelFor(form, id); lbl != nil {
			return strings.TrimSpace(textContent(lbl))
		}
	}
	for p := n.Parent; p != nil && p != form.Parent; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "label" {
			return strings.TrimSpace(textContent(p))
		}
	}
	if al := attr(n, "aria-label"); al != "" {
		return al
	}
	return attr(n, "placeholder")
}

func findLabelFor(form *html.Node, id string) *html.Node {
	var found *html.Node
	walk(form, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "label" && attr(n, "for") == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// classifyForm infers a FormType from field names/types and the
// form's own action/name text.
func classifyForm(f Form, fields []Field) FormType {
	names := strings.ToLower(strings.Join(fieldNames(fields), " ") + " " + f.Action)

	hasPassword := false
	hasEmail := false
	for _, fl := range fields {
		if fl.Type == "password" {
			hasPassword = true
		}
		if fl.Type == "email" || strings.Contains(strings.ToLower(fl.Name), "email") {
			hasEmail = true
		}
	}

	switch {
	case strings.Contains(names, "search") || len(fields) == 1 && fields[0].Type == "search":
		return FormSearch
	case hasPassword && strings.Contains(names, "confirm"):
		return FormRegistration
	case hasPassword:
		return FormLogin
	case strings.Contains(names, "checkout") || strings.Contains(names, "payment") || strings.Contains(names, "card"):
		return FormCheckout
	case strings.Contains(names, "book") || strings.Contains(names, "reserv") || strings.Contains(names, "appointment"):
		return FormBooking
	case strings.Contains(names, "newsletter") || strings.Contains(names, "subscribe"):
		return FormNewsletter
	case strings.Contains(names, "feedback") || strings.Contains(names, "review") || strings.Contains(names, "rating"):
		return FormFeedback
	case strings.Contains(names, "contact") || strings.Contains(names, "message") || (hasEmail && len(fields) <= 4):
		return FormContact
	default:
		return FormOther
	}
}

func fieldNames(fields []Field) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.Name)
	}
	return out
}
