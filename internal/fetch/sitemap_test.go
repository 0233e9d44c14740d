package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const urlsetBody = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
	<url><loc>https://example.com/</loc><lastmod>2026-01-10</lastmod></url>
	<url><loc>https://example.com/about</loc><lastmod>2026-06-01</lastmod></url>
	<url><loc>https://example.com/no-lastmod</loc></url>
</urlset>`

func TestSitemapReader_ParsesURLSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(urlsetBody))
	}))
	defer srv.Close()

	sr := NewSitemapReader(srv.Client(), time.Minute)
	urls, err := sr.Discover(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Len(t, urls, 3)
}

func TestSitemapReader_RecursesIntoIndex(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/index.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sprintfIndex(srv.URL)))
	})
	mux.HandleFunc("/child.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(urlsetBody))
	})

	sr := NewSitemapReader(srv.Client(), time.Minute)
	urls, err := sr.Discover(context.Background(), srv.URL, []string{srv.URL + "/index.xml"})
	require.NoError(t, err)
	assert.Len(t, urls, 3)
}

func sprintfIndex(base string) string {
	return "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<sitemapindex xmlns=\"http://www.sitemaps.org/schemas/sitemap/0.9\">\n\t<sitemap><loc>" + base + "/child.xml</loc></sitemap>\n</sitemapindex>"
}

func TestFindChangedURLs_MissingLastModAlwaysIncluded(t *testing.T) {
	old := mustParseDate(t, "2026-01-01")
	urls := []SitemapURL{
		{Loc: "https://example.com/stale", LastMod: &old},
		{Loc: "https://example.com/no-date"},
	}
	since := mustParseDate(t, "2026-06-01")

	changed := FindChangedURLs(urls, since)
	require.Len(t, changed, 1)
	assert.Equal(t, "https://example.com/no-date", changed[0].Loc)
}

func TestFindChangedURLs_NewerThanSinceIncluded(t *testing.T) {
	fresh := mustParseDate(t, "2026-07-01")
	urls := []SitemapURL{{Loc: "https://example.com/fresh", LastMod: &fresh}}
	since := mustParseDate(t, "2026-06-01")

	changed := FindChangedURLs(urls, since)
	require.Len(t, changed, 1)
}

func mustParseDate(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return parsed
}
