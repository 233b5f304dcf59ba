// Package structured extracts embedded Schema.org-style metadata from HTML
// in its three common syntaxes: JSON-LD, microdata, and RDFa. Each broken
// fragment is skipped on its own; nothing here fails a page.
package structured

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Data maps a schema type name to its merged properties. Duplicate types
// on one page merge last-wins per property.
type Data map[string]map[string]any

// Extract scans body for structured data in all three syntaxes.
// The result is empty, never nil on success; a body that cannot be parsed
// as HTML yields an empty map.
func Extract(body []byte) Data {
	data := make(Data)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return data
	}
	extractJSONLD(doc, data)
	extractMicrodata(doc, data)
	extractRDFa(doc, data)
	return data
}

func (d Data) add(typeName string, props map[string]any) {
	if typeName == "" || len(props) == 0 {
		return
	}
	existing, ok := d[typeName]
	if !ok {
		existing = make(map[string]any, len(props))
		d[typeName] = existing
	}
	for k, v := range props {
		existing[k] = v
	}
}

func extractJSONLD(doc *goquery.Document, data Data) {
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return
		}
		for _, node := range flattenJSONLD(payload) {
			typeName := jsonLDType(node)
			if typeName == "" {
				continue
			}
			props := make(map[string]any, len(node))
			for k, v := range node {
				if strings.HasPrefix(k, "@") {
					continue
				}
				props[k] = v
			}
			data.add(typeName, props)
		}
	})
}

// flattenJSONLD unwraps arrays and @graph containers into a flat list of
// candidate objects.
func flattenJSONLD(payload any) []map[string]any {
	var nodes []map[string]any
	switch v := payload.(type) {
	case map[string]any:
		if graph, ok := v["@graph"].([]any); ok {
			for _, item := range graph {
				nodes = append(nodes, flattenJSONLD(item)...)
			}
			return nodes
		}
		nodes = append(nodes, v)
	case []any:
		for _, item := range v {
			nodes = append(nodes, flattenJSONLD(item)...)
		}
	}
	return nodes
}

func jsonLDType(node map[string]any) string {
	switch t := node["@type"].(type) {
	case string:
		return shortTypeName(t)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				return shortTypeName(s)
			}
		}
	}
	return ""
}

func extractMicrodata(doc *goquery.Document, data Data) {
	doc.Find("[itemscope]").Each(func(_ int, scope *goquery.Selection) {
		itemType, _ := scope.Attr("itemtype")
		typeName := shortTypeName(itemType)
		if typeName == "" {
			return
		}
		props := make(map[string]any)
		scopeNode := scope.Nodes[0]
		scope.Find("[itemprop]").Each(func(_ int, prop *goquery.Selection) {
			// Properties of nested scopes belong to the nested item.
			if _, nested := prop.Attr("itemscope"); nested {
				return
			}
			owner := prop.Parent().Closest("[itemscope]")
			if len(owner.Nodes) == 0 || owner.Nodes[0] != scopeNode {
				return
			}
			name, _ := prop.Attr("itemprop")
			name = strings.TrimSpace(name)
			if name == "" {
				return
			}
			if value := microdataValue(prop); value != "" {
				props[name] = value
			}
		})
		data.add(typeName, props)
	})
}

func microdataValue(s *goquery.Selection) string {
	if v, ok := s.Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	if s.Is("a, link, area") {
		if v, ok := s.Attr("href"); ok {
			return strings.TrimSpace(v)
		}
	}
	if s.Is("img, audio, video, iframe, source, embed") {
		if v, ok := s.Attr("src"); ok {
			return strings.TrimSpace(v)
		}
	}
	if s.Is("time") {
		if v, ok := s.Attr("datetime"); ok {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(strings.Join(strings.Fields(s.Text()), " "))
}

func extractRDFa(doc *goquery.Document, data Data) {
	doc.Find("[typeof]").Each(func(_ int, scope *goquery.Selection) {
		typeAttr, _ := scope.Attr("typeof")
		fields := strings.Fields(typeAttr)
		if len(fields) == 0 {
			return
		}
		typeName := shortTypeName(fields[0])
		if typeName == "" {
			return
		}
		props := make(map[string]any)
		scopeNode := scope.Nodes[0]
		scope.Find("[property]").Each(func(_ int, prop *goquery.Selection) {
			if _, nested := prop.Attr("typeof"); nested {
				return
			}
			owner := prop.Parent().Closest("[typeof]")
			if len(owner.Nodes) == 0 || owner.Nodes[0] != scopeNode {
				return
			}
			name := shortTypeName(strings.TrimSpace(prop.AttrOr("property", "")))
			if name == "" {
				return
			}
			value := prop.AttrOr("content", "")
			if value == "" {
				value = strings.TrimSpace(strings.Join(strings.Fields(prop.Text()), " "))
			}
			if value != "" {
				props[name] = value
			}
		})
		data.add(typeName, props)
	})
}

// shortTypeName strips vocabulary URLs and CURIE prefixes down to the bare
// type or property name: "https://schema.org/Product" and "schema:Product"
// both become "Product".
func shortTypeName(raw string) string {
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "/"))
	if raw == "" {
		return ""
	}
	if idx := strings.LastIndexAny(raw, "/#"); idx >= 0 {
		raw = raw[idx+1:]
	}
	if idx := strings.LastIndex(raw, ":"); idx >= 0 {
		raw = raw[idx+1:]
	}
	return raw
}
