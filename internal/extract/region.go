package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// regionMatcher is one rung of the content-region cascade.
type regionMatcher struct {
	name  string
	match func(doc *goquery.Document, page *url.URL) *goquery.Selection
}

// DefaultRegionSelectors are tried in order; the first selector with a match
// wins.
var DefaultRegionSelectors = []string{
	"article",
	"div#maincontent",
	"div#main-content",
	"div.article",
	"div#article",
	"div#main",
}

func selectorMatcher(sel string) regionMatcher {
	return regionMatcher{
		name: sel,
		match: func(doc *goquery.Document, _ *url.URL) *goquery.Selection {
			return doc.Find(sel).First()
		},
	}
}

// readabilityMatcher runs readability over the whole document and re-parses
// the detected main content.
func readabilityMatcher() regionMatcher {
	return regionMatcher{
		name: "readability",
		match: func(doc *goquery.Document, page *url.URL) *goquery.Selection {
			if page == nil {
				return nil
			}
			html, err := goquery.OuterHtml(doc.Selection)
			if err != nil {
				return nil
			}
			article, err := readability.FromReader(strings.NewReader(html), page)
			if err != nil || strings.TrimSpace(article.Content) == "" {
				return nil
			}
			content, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
			if err != nil {
				return nil
			}
			return content.Find("body").First()
		},
	}
}

func bodyMatcher() regionMatcher {
	return regionMatcher{
		name: "body",
		match: func(doc *goquery.Document, _ *url.URL) *goquery.Selection {
			return doc.Find("body").First()
		},
	}
}

func buildCascade(selectors []string, withReadability bool) []regionMatcher {
	if len(selectors) == 0 {
		selectors = DefaultRegionSelectors
	}
	cascade := make([]regionMatcher, 0, len(selectors)+2)
	for _, sel := range selectors {
		cascade = append(cascade, selectorMatcher(sel))
	}
	if withReadability {
		cascade = append(cascade, readabilityMatcher())
	}
	return append(cascade, bodyMatcher())
}

// selectRegion walks the cascade and falls back to the whole document.
func selectRegion(cascade []regionMatcher, doc *goquery.Document, page *url.URL) (*goquery.Selection, string) {
	for _, m := range cascade {
		if sel := m.match(doc, page); sel != nil && sel.Length() > 0 {
			return sel, m.name
		}
	}
	return doc.Selection, "document"
}
