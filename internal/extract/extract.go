// Package extract pulls the title and readable text out of fetched pages.
// Strategies are tried in priority order behind a confidence gate; failure
// to extract is never an error, just an empty result.
package extract

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// minConfidentTextLen gates the primary strategy: shorter yields fall
// through to the structural fallback.
const minConfidentTextLen = 140

// Result is the readable content of one page.
type Result struct {
	Title    string
	Text     string
	Strategy string
}

// Strategy produces a text candidate from a parsed document.
type Strategy interface {
	Name() string
	Extract(doc *goquery.Document) string
}

// Extractor applies an ordered list of strategies with a confidence gate.
type Extractor struct {
	strategies []Strategy
	minLen     int
}

// New returns an Extractor with the prose-density strategy first and the
// structural container fallback second.
func New() *Extractor {
	return &Extractor{
		strategies: []Strategy{proseStrategy{}, containerStrategy{}},
		minLen:     minConfidentTextLen,
	}
}

// Extract parses body according to contentType and returns the best
// candidate. Non-HTML text content passes through collapsed; binary
// content yields an empty result.
func (e *Extractor) Extract(body []byte, contentType string) Result {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch {
	case mediaType == "text/plain":
		return Result{Text: collapseWhitespace(string(body)), Strategy: "plaintext"}
	case mediaType == "" || strings.Contains(mediaType, "html") || mediaType == "application/xhtml+xml":
	default:
		return Result{Strategy: "none"}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{Strategy: "none"}
	}
	title := extractTitle(doc)

	best := Result{Title: title, Strategy: "none"}
	for _, s := range e.strategies {
		// Strategies prune the DOM in place, so each gets a fresh parse.
		candidate, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			continue
		}
		text := s.Extract(candidate)
		if len(text) >= e.minLen {
			return Result{Title: title, Text: text, Strategy: s.Name()}
		}
		if len(text) > len(best.Text) {
			best.Text = text
			best.Strategy = s.Name()
		}
	}
	return best
}

func extractTitle(doc *goquery.Document) string {
	if t := collapseWhitespace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if t := collapseWhitespace(og); t != "" {
			return t
		}
	}
	return collapseWhitespace(doc.Find("h1").First().Text())
}

const (
	noiseSelectors = "script, style, noscript, iframe, form, nav, header, footer, aside, " +
		".sidebar, .related-posts, .social-share, .comments, .ad-banner, .advertisement, .cookie-banner"
	contentSelectors = "article, main, div[role='main'], #main, #content, " +
		".post-content, .article-body, .entry-content, .markdown-body"
	textTags        = "p, h1, h2, h3, h4, h5, h6, li, blockquote, pre"
	minParagraphLen = 20
)

// proseStrategy harvests prose-dense elements from the likeliest main
// content container after stripping boilerplate.
type proseStrategy struct{}

func (proseStrategy) Name() string { return "prose" }

func (proseStrategy) Extract(doc *goquery.Document) string {
	doc.Find(noiseSelectors).Remove()

	root := doc.Find(contentSelectors).First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}

	var parts []string
	root.Find(textTags).Each(func(_ int, s *goquery.Selection) {
		text := collapseWhitespace(s.Text())
		if text == "" {
			return
		}
		if s.Is("li") || s.Is("h1, h2, h3, h4, h5, h6") || len(text) >= minParagraphLen {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n\n")
}

// containerStrategy picks the block element with the highest amount of
// non-link text, the classic fallback when a page has no prose markup.
type containerStrategy struct{}

func (containerStrategy) Name() string { return "container" }

func (containerStrategy) Extract(doc *goquery.Document) string {
	doc.Find("script, style, noscript, iframe").Remove()

	var best *goquery.Selection
	bestScore := 0
	doc.Find("div, section, article, main, td").Each(func(_ int, s *goquery.Selection) {
		total := len(collapseWhitespace(s.Text()))
		links := 0
		s.Find("a").Each(func(_ int, a *goquery.Selection) {
			links += len(collapseWhitespace(a.Text()))
		})
		score := total - 2*links
		if score > bestScore {
			bestScore = score
			best = s
		}
	})
	if best != nil {
		return collapseWhitespace(best.Text())
	}
	return collapseWhitespace(doc.Find("body").Text())
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
