package spider

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// pageLinks is the navigation metadata lifted from one HTML body.
type pageLinks struct {
	// hrefs are raw anchor targets, unresolved and unnormalized.
	hrefs []string
	// canonical is the raw href of <link rel="canonical">, empty when absent.
	canonical string
}

// skippedSchemes are anchor targets that can never become crawlable URLs.
var skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:"}

// parseLinks walks the HTML tree and collects anchor hrefs plus the
// declared canonical link. Parse errors yield an empty result; link
// harvesting is best-effort.
func parseLinks(body []byte) pageLinks {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return pageLinks{}
	}

	var links pageLinks
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a":
				if href := cleanHref(getAttr(n, "href")); href != "" {
					links.hrefs = append(links.hrefs, href)
				}
			case "link":
				if isCanonicalRel(getAttr(n, "rel")) {
					if href := cleanHref(getAttr(n, "href")); href != "" {
						links.canonical = href
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func cleanHref(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || href == "#" {
		return ""
	}
	lower := strings.ToLower(href)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return ""
		}
	}
	return href
}

// isCanonicalRel matches rel attributes that may carry several
// space-separated tokens.
func isCanonicalRel(rel string) bool {
	for _, token := range strings.Fields(rel) {
		if strings.EqualFold(token, "canonical") {
			return true
		}
	}
	return false
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}
