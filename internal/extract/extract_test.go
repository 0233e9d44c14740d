package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitespeak/kbengine/internal/domain"
)

const samplePage = `<!DOCTYPE html>
<html lang="en">
<head>
	<title>Acme Storefront</title>
	<meta name="description" content="Buy widgets online">
	<link rel="canonical" href="https://acme.test/">
	<script type="application/ld+json">
	{"@context":"https://schema.org","@type":"Product","name":"Widget","description":"A fine widget"}
	</script>
	<script type="application/ld+json">
	{not valid json</script>
</head>
<body>
	<header><nav><a href="/about">About</a></nav></header>
	<main>
		<h1 id="top">Welcome</h1>
		<p>This paragraph is long enough to survive the minimum length filter easily.</p>
		<p>short</p>
		<script>var x = 1;</script>
		<div style="display:none">hidden content should not appear</div>
		<table>
			<caption>Pricing</caption>
			<tr><th>Plan</th><th>Price</th></tr>
			<tr><td>Basic</td><td>$9</td></tr>
		</table>
		<form id="contact-form" action="/contact" method="post">
			<label for="cname">Name</label>
			<input id="cname" name="name" type="text" required>
			<input name="email" type="email" required>
			<textarea name="message"></textarea>
			<button type="submit">Send Message</button>
		</form>
		<button id="delete-account-btn">Delete Account</button>
	</main>
</body>
</html>`

func TestExtract_ContentFields(t *testing.T) {
	e := New(Options{})
	res := e.Extract(samplePage, "https://acme.test/")

	assert.Equal(t, "Acme Storefront", res.Content.Title)
	assert.Equal(t, "Buy widgets online", res.Content.Description)
	assert.Equal(t, "https://acme.test/", res.Content.CanonicalURL)
	assert.Equal(t, "en", res.Content.Language)
	require.Len(t, res.Content.Headings, 1)
	assert.Equal(t, "Welcome", res.Content.Headings[0].Text)
	assert.Equal(t, "#top", res.Content.Headings[0].Anchor)
}

func TestExtract_ParagraphsFilteredByMinLength(t *testing.T) {
	e := New(Options{MinParagraphLength: 20})
	res := e.Extract(samplePage, "https://acme.test/")
	assert.Len(t, res.Content.Paragraphs, 1)
}

func TestExtract_InvisibleElementsExcludedFromCleanedText(t *testing.T) {
	e := New(Options{})
	res := e.Extract(samplePage, "https://acme.test/")
	assert.NotContains(t, res.Content.CleanedText, "var x = 1")
	assert.NotContains(t, res.Content.CleanedText, "hidden content should not appear")
}

func TestExtract_TableParsed(t *testing.T) {
	e := New(Options{})
	res := e.Extract(samplePage, "https://acme.test/")
	require.Len(t, res.Content.Tables, 1)
	tbl := res.Content.Tables[0]
	assert.Equal(t, "Pricing", tbl.Caption)
	assert.Equal(t, []string{"Plan", "Price"}, tbl.Headers)
	require.Len(t, tbl.Rows, 1)
	assert.Equal(t, []string{"Basic", "$9"}, tbl.Rows[0])
}

func TestExtract_JSONLDProductEntityWithConfidence(t *testing.T) {
	e := New(Options{})
	res := e.Extract(samplePage, "https://acme.test/")
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "Product", res.Entities[0].Type)
	assert.Equal(t, float32(1.0), res.Entities[0].Confidence)
}

func TestExtract_MalformedJSONLDBlockIsolatedNotFatal(t *testing.T) {
	e := New(Options{})
	res := e.Extract(samplePage, "https://acme.test/")
	require.NotEmpty(t, res.Errors)
	require.Len(t, res.Entities, 1, "the malformed block must not suppress the valid sibling block")
}

func TestExtract_ActionsClassifyDeleteAsWriteWithConfirmation(t *testing.T) {
	e := New(Options{})
	res := e.Extract(samplePage, "https://acme.test/")

	var deleteAction *Action
	for i := range res.Actions {
		if res.Actions[i].Name == "Delete Account" {
			deleteAction = &res.Actions[i]
		}
	}
	require.NotNil(t, deleteAction)
	assert.Equal(t, domain.SideEffectWrite, deleteAction.SideEffecting)
	assert.True(t, deleteAction.RequiresConfirmation)
	assert.Equal(t, domain.RiskHigh, deleteAction.RiskLevel)
	assert.Equal(t, "#delete-account-btn", deleteAction.Selector)
}

func TestExtract_ActionsClassifyLinkAsSafeNavigation(t *testing.T) {
	e := New(Options{})
	res := e.Extract(samplePage, "https://acme.test/")

	var link *Action
	for i := range res.Actions {
		if res.Actions[i].Name == "About" {
			link = &res.Actions[i]
		}
	}
	require.NotNil(t, link)
	assert.Equal(t, domain.ActionNavigation, link.Kind)
	assert.Equal(t, domain.SideEffectSafe, link.SideEffecting)
}

func TestExtract_FormsClassifiedAsContact(t *testing.T) {
	e := New(Options{})
	res := e.Extract(samplePage, "https://acme.test/")
	require.Len(t, res.Forms, 1)
	form := res.Forms[0]
	assert.Equal(t, FormContact, form.Type)
	assert.Equal(t, "#contact-form", form.Selector)
	require.Len(t, form.Fields, 3)

	var nameField *Field
	for i := range form.Fields {
		if form.Fields[i].Name == "name" {
			nameField = &form.Fields[i]
		}
	}
	require.NotNil(t, nameField)
	assert.Equal(t, "Name", nameField.Label)
	assert.True(t, nameField.Validation.Required)
}

func TestExtract_SelectorPrefersIDOverClassPath(t *testing.T) {
	page := `<html><body><button class="btn btn-primary" id="save-btn">Save</button></body></html>`
	e := New(Options{})
	res := e.Extract(page, "https://acme.test/")
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "#save-btn", res.Actions[0].Selector)
}

func TestExtract_SelectorFallsBackToStructuralPath(t *testing.T) {
	page := `<html><body><div><div><button>Go</button></div></div></body></html>`
	e := New(Options{})
	res := e.Extract(page, "https://acme.test/")
	require.Len(t, res.Actions, 1)
	assert.Contains(t, res.Actions[0].Selector, "button:nth-child")
}
