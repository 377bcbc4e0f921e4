// Package parser turns a rendered section page into articles.
package parser

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"dawnarchive/pkg/types"
)

// DefaultOrigin resolves root-relative links.
const DefaultOrigin = "https://www.dawn.com"

// containerSelectors are tried most specific first; the first selector that
// matches any element decides the article containers.
var containerSelectors = []string{
	`article.story`,
	`article[class*="story"]`,
	`.story.box`,
	`.story`,
	`article`,
	`.box.story`,
	`.story-list article`,
	`div[class*="story"]`,
	`.article-box`,
	`[data-story-id]`,
}

var titleSelectors = []string{
	`h2 a`,
	`.story__title a`,
	`h3 a`,
	`.story__link`,
	`a.story__link`,
	`[class*="title"] a`,
	`h2`,
	`h3`,
}

var summarySelectors = []string{
	`.story__excerpt`,
	`.story__text`,
	`.excerpt`,
	`[class*="excerpt"]`,
	`p`,
	`.description`,
}

var lazyImageAttrs = []string{"data-src", "data-original", "data-lazy-src"}

// SectionParser extracts articles from section HTML. It holds no mutable
// state and is safe for concurrent use.
type SectionParser struct {
	base *url.URL
}

// New returns a parser resolving relative links against origin. An empty or
// unparsable origin falls back to DefaultOrigin.
func New(origin string) *SectionParser {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(origin), "/") + "/")
	if err != nil || !base.IsAbs() {
		base, _ = url.Parse(DefaultOrigin + "/")
	}
	return &SectionParser{base: base}
}

// Parse returns the section's articles in document order, deduplicated by
// title. Unrecognised markup yields an empty slice.
func (p *SectionParser) Parse(raw, section, date string) []types.Article {
	articles := []types.Article{}
	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return articles
	}
	doc := goquery.NewDocumentFromNode(root)

	containers := firstMatch(doc.Selection)
	if containers == nil {
		return articles
	}

	seen := make(map[string]struct{})
	containers.Each(func(_ int, el *goquery.Selection) {
		article, ok := p.extract(el)
		if !ok {
			return
		}
		if _, dup := seen[article.Title]; dup {
			return
		}
		seen[article.Title] = struct{}{}
		article.Section = section
		article.Date = date
		articles = append(articles, article)
	})
	return articles
}

func firstMatch(doc *goquery.Selection) *goquery.Selection {
	for _, selector := range containerSelectors {
		if found := doc.Find(selector); found.Length() > 0 {
			return found
		}
	}
	return nil
}

func (p *SectionParser) extract(el *goquery.Selection) (types.Article, bool) {
	title, titleText := firstWithText(el, titleSelectors)
	if title == nil {
		return types.Article{}, false
	}

	href := linkTarget(el, title)
	if href == "" {
		return types.Article{}, false
	}

	var summary string
	if s, text := firstWithText(el, summarySelectors); s != nil {
		summary = text
	}

	article := types.Article{
		Title:   titleText,
		URL:     p.absolute(href),
		Summary: summary,
	}
	if img := imageSource(el); img != "" {
		article.ImageURL = p.absolute(img)
	}
	return article, true
}

// firstWithText walks selectors in order and returns the first match whose
// collapsed text is non-empty.
func firstWithText(el *goquery.Selection, selectors []string) (*goquery.Selection, string) {
	for _, selector := range selectors {
		var (
			hit  *goquery.Selection
			text string
		)
		el.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if t := collapse(s.Text()); t != "" {
				hit, text = s, t
				return false
			}
			return true
		})
		if hit != nil {
			return hit, text
		}
	}
	return nil, ""
}

func linkTarget(el, title *goquery.Selection) string {
	if node := title.Get(0); node != nil && node.DataAtom == atom.A {
		if href := strings.TrimSpace(title.AttrOr("href", "")); href != "" {
			return href
		}
	}
	if href, ok := title.Find("a[href]").First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		return strings.TrimSpace(href)
	}
	href, _ := el.Find("a[href]").First().Attr("href")
	return strings.TrimSpace(href)
}

// imageSource prefers lazy-load attributes, then srcset, then a picture
// source, then the plain src. Inline data URIs are never returned.
func imageSource(el *goquery.Selection) string {
	img := el.Find("img").First()
	if img.Length() > 0 {
		for _, attr := range lazyImageAttrs {
			if v := usable(img.AttrOr(attr, "")); v != "" {
				return v
			}
		}
		if v := fromSrcset(img.AttrOr("srcset", "")); v != "" {
			return v
		}
	}
	if source := el.Find("picture source").First(); source.Length() > 0 {
		if v := fromSrcset(source.AttrOr("srcset", "")); v != "" {
			return v
		}
	}
	if img.Length() > 0 {
		return usable(img.AttrOr("src", ""))
	}
	return ""
}

func fromSrcset(srcset string) string {
	for _, candidate := range srcsetURLs(srcset) {
		if v := usable(candidate); v != "" {
			return v
		}
	}
	return ""
}

// srcsetURLs returns the candidate URLs of a srcset attribute. URLs are split
// on whitespace rather than commas so that data URIs stay intact.
func srcsetURLs(srcset string) []string {
	var urls []string
	rest := srcset
	for {
		rest = strings.TrimLeft(rest, " \t\n\r\f,")
		if rest == "" {
			return urls
		}
		end := strings.IndexAny(rest, " \t\n\r\f")
		candidate := rest
		if end >= 0 {
			candidate, rest = rest[:end], rest[end:]
		} else {
			rest = ""
		}
		if strings.HasSuffix(candidate, ",") {
			urls = append(urls, strings.TrimRight(candidate, ","))
			continue
		}
		urls = append(urls, candidate)
		if i := strings.IndexByte(rest, ','); i >= 0 {
			rest = rest[i+1:]
		} else {
			rest = ""
		}
	}
}

func usable(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(strings.ToLower(raw), "data:") {
		return ""
	}
	return raw
}

// absolute leaves scheme-qualified URLs untouched and resolves the rest
// against the site origin (protocol-relative references gain https).
func (p *SectionParser) absolute(raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		if strings.HasPrefix(raw, "//") {
			return "https:" + raw
		}
		return strings.TrimRight(p.base.String(), "/") + "/" + strings.TrimLeft(raw, "/")
	}
	if ref.IsAbs() {
		return raw
	}
	return p.base.ResolveReference(ref).String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
