package parser

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dawnarchive/pkg/types"
)

const sectionPage = `<!doctype html>
<html><body>
<div class="story-list">
  <article class="story box">
    <h2 class="story__title"><a href="/news/1001/budget-passed">  Budget
      passed </a></h2>
    <div class="story__excerpt">The assembly   approved the budget.</div>
    <img src="data:image/gif;base64,R0lGOD" data-src="//images.dawn.com/1001.jpg">
  </article>
  <article class="story">
    <h2><a href="https://www.dawn.com/news/1002/floods">Floods recede</a></h2>
    <p>Water levels fall.</p>
    <img srcset="data:image/png;base64,AAAA 1x, /thumbs/1002.jpg 2x" src="/fallback.jpg">
  </article>
  <article class="story">
    <h2><a href="/news/1003/dup">Budget passed</a></h2>
    <p>Duplicate title.</p>
  </article>
  <article class="story">
    <h3>Heading without link</h3>
    <a class="more" href="news/1004/relative">Read more</a>
    <picture><source srcset="//cdn.x/img.jpg 480w, //cdn.x/img-2x.jpg 960w"></picture>
    <img src="data:image/gif;base64,R0lGOD">
  </article>
  <article class="story"><p>No title here.</p></article>
</div>
<div class="story-card"><h2><a href="/news/9999/ignored">Loose match</a></h2></div>
</body></html>`

func TestParseSectionPage(t *testing.T) {
	p := New(DefaultOrigin)
	got := p.Parse(sectionPage, "national", "2013-05-04")

	want := []types.Article{
		{
			Title:    "Budget passed",
			URL:      "https://www.dawn.com/news/1001/budget-passed",
			Summary:  "The assembly approved the budget.",
			Section:  "national",
			Date:     "2013-05-04",
			ImageURL: "https://images.dawn.com/1001.jpg",
		},
		{
			Title:    "Floods recede",
			URL:      "https://www.dawn.com/news/1002/floods",
			Summary:  "Water levels fall.",
			Section:  "national",
			Date:     "2013-05-04",
			ImageURL: "https://www.dawn.com/thumbs/1002.jpg",
		},
		{
			Title:    "Heading without link",
			URL:      "https://www.dawn.com/news/1004/relative",
			Summary:  "",
			Section:  "national",
			Date:     "2013-05-04",
			ImageURL: "https://cdn.x/img.jpg",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("articles mismatch (-want +got):\n%s", diff)
	}
}

func TestParseIsPure(t *testing.T) {
	p := New(DefaultOrigin)
	first := p.Parse(sectionPage, "sport", "2013-01-01")
	second := p.Parse(sectionPage, "sport", "2013-01-01")
	assert.Equal(t, first, second)
}

func TestParseStopsAtFirstMatchingStrategy(t *testing.T) {
	// article.story matches but yields nothing usable; looser strategies
	// must not be consulted.
	page := `<article class="story"><span>empty</span></article>
<div class="story-wrapper"><h2><a href="/news/1">Would match later</a></h2></div>`
	got := New(DefaultOrigin).Parse(page, "business", "2013-01-01")
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestParseFallsBackToLooserStrategies(t *testing.T) {
	page := `<div class="article-box"><h3><a href="/news/7/x">Fallback story</a></h3></div>`
	got := New(DefaultOrigin).Parse(page, "sport", "2013-01-01")
	require.Len(t, got, 1)
	assert.Equal(t, "Fallback story", got[0].Title)
	assert.Equal(t, "https://www.dawn.com/news/7/x", got[0].URL)
	assert.Empty(t, got[0].ImageURL)
}

func TestParseDeduplicatesByTitleKeepingFirst(t *testing.T) {
	page := `<article><h2><a href="/a">Same</a></h2><p>first</p></article>
<article><h2><a href="/b">Same</a></h2><p>second</p></article>`
	got := New(DefaultOrigin).Parse(page, "letters", "2013-01-01")
	require.Len(t, got, 1)
	assert.Equal(t, "https://www.dawn.com/a", got[0].URL)
	assert.Equal(t, "first", got[0].Summary)
}

func TestParseMalformedHTML(t *testing.T) {
	p := New(DefaultOrigin)
	for _, page := range []string{"", "<<<>>>", "<article><h2><a href=", "\x00\xff"} {
		assert.NotPanics(t, func() {
			got := p.Parse(page, "icon", "2013-01-01")
			assert.Empty(t, got)
		})
	}
}

func TestAbsolute(t *testing.T) {
	p := New("https://www.dawn.com/")
	cases := map[string]string{
		"//cdn.x/img.jpg":               "https://cdn.x/img.jpg",
		"/img.jpg":                      "https://www.dawn.com/img.jpg",
		"https://images.dawn.com/a.jpg": "https://images.dawn.com/a.jpg",
		"http://example.com/A%20b":      "http://example.com/A%20b",
		"news/1/x":                      "https://www.dawn.com/news/1/x",
	}
	for in, want := range cases {
		assert.Equal(t, want, p.absolute(in), in)
	}
}

func TestImageSourceSkipsDataURIs(t *testing.T) {
	page := `<article><h2><a href="/n">T</a></h2>
<img src="data:image/png;base64,AAAA" srcset="data:image/png;base64,BBBB 1x"></article>`
	got := New(DefaultOrigin).Parse(page, "icon", "2013-01-01")
	require.Len(t, got, 1)
	assert.Empty(t, got[0].ImageURL)
}

func TestNewFallsBackToDefaultOrigin(t *testing.T) {
	p := New("")
	assert.Equal(t, "https://www.dawn.com/x.jpg", p.absolute("/x.jpg"))
}

func TestSrcsetURLs(t *testing.T) {
	got := srcsetURLs("data:image/png;base64,AAAA 1x, /a.jpg 2x,/b.jpg,  //c/d.jpg 480w")
	assert.Equal(t, []string{"data:image/png;base64,AAAA", "/a.jpg", "/b.jpg", "//c/d.jpg"}, got)
	assert.Empty(t, srcsetURLs("   "))
}
