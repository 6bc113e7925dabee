// Package normalize extracts plain answer text, citation URLs, and model
// identifiers from the heterogeneous JSON shapes returned by the various
// provider backends.
//
// Every exported function tolerates missing keys and wrong types by design:
// an unrecognized shape yields an empty result, never an error or a panic.
package normalize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// urlPattern matches bare http(s) URLs in plain text, trimming trailing
// punctuation the way markdown/prose commonly terminates a sentence.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

var markdownLinkPattern = regexp.MustCompile(`\[[^\]]*\]\((https?://[^)]+)\)`)

// ExtractAnswer walks the known payload shapes in precedence order. An
// empty string means "not ready" for async flows and "unknown content" for
// sync flows; the caller decides which interpretation applies.
func ExtractAnswer(root interface{}) string {
	m, ok := asMap(root)
	if !ok {
		return ""
	}

	if results, ok := asSlice(m["results"]); ok && len(results) > 0 {
		if first, ok := asMap(results[0]); ok {
			if content, ok := asMap(first["content"]); ok {
				for _, key := range []string{"response_text", "markdown_text", "answer_results_md"} {
					if s := asString(content[key]); s != "" {
						return s
					}
				}
				if s := extractMarkdownJSON(content["markdown_json"]); s != "" {
					return s
				}
				if s := asString(content["text"]); s != "" {
					return s
				}
				if s := stringContent(content["content"]); s != "" {
					return s
				}
				if s := joinArrayContent(content["content"]); s != "" {
					return s
				}
				if s := joinAnswerResults(content["answer_results"]); s != "" {
					return s
				}
			}
		}
	}

	for _, key := range []string{"answer_text", "answer", "response", "content"} {
		if s := asString(m[key]); s != "" {
			return s
		}
	}

	if html := asString(m["answer_section_html"]); html != "" {
		if stripped := stripTags(html); stripped != "" {
			return stripped
		}
		return html
	}

	return ""
}

// extractMarkdownJSON recurses into a markdown_json tree collecting "raw"
// fields and list items.
func extractMarkdownJSON(node interface{}) string {
	var parts []string
	var walk func(interface{})
	walk = func(n interface{}) {
		switch v := n.(type) {
		case map[string]interface{}:
			if raw := asString(v["raw"]); raw != "" {
				parts = append(parts, raw)
			}
			if items, ok := asSlice(v["items"]); ok {
				for _, item := range items {
					walk(item)
				}
			}
			if children, ok := asSlice(v["children"]); ok {
				for _, c := range children {
					walk(c)
				}
			}
		case []interface{}:
			for _, item := range v {
				walk(item)
			}
		}
	}
	walk(node)
	return strings.Join(parts, "\n")
}

func stringContent(v interface{}) string {
	return asString(v)
}

func joinArrayContent(v interface{}) string {
	slice, ok := asSlice(v)
	if !ok {
		return ""
	}
	var parts []string
	for _, item := range slice {
		if m, ok := asMap(item); ok {
			if s := asString(m["text"]); s != "" {
				parts = append(parts, s)
				continue
			}
		}
		if s := asString(item); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// joinAnswerResults renders a sequence of typed blocks: lists become
// hyphenated lines, tables become markdown pipe tables, anything else
// contributes its raw text.
func joinAnswerResults(v interface{}) string {
	slice, ok := asSlice(v)
	if !ok {
		return ""
	}
	var b strings.Builder
	for i, item := range slice {
		m, ok := asMap(item)
		if !ok {
			if s := asString(item); s != "" {
				if i > 0 {
					b.WriteString("\n")
				}
				b.WriteString(s)
			}
			continue
		}
		blockType := asString(m["type"])
		if i > 0 {
			b.WriteString("\n")
		}
		switch blockType {
		case "list":
			if items, ok := asSlice(m["items"]); ok {
				lines := make([]string, 0, len(items))
				for _, li := range items {
					lines = append(lines, "- "+asString(li))
				}
				b.WriteString(strings.Join(lines, "\n"))
			}
		case "table":
			b.WriteString(renderTable(m))
		default:
			if s := asString(m["text"]); s != "" {
				b.WriteString(s)
			}
		}
	}
	return b.String()
}

func renderTable(m map[string]interface{}) string {
	headers, _ := asSlice(m["headers"])
	rows, _ := asSlice(m["rows"])
	var b strings.Builder
	headerStrs := make([]string, 0, len(headers))
	for _, h := range headers {
		headerStrs = append(headerStrs, asString(h))
	}
	if len(headerStrs) > 0 {
		b.WriteString("| " + strings.Join(headerStrs, " | ") + " |\n")
		b.WriteString("|" + strings.Repeat(" --- |", len(headerStrs)) + "\n")
	}
	for _, row := range rows {
		if cells, ok := asSlice(row); ok {
			cellStrs := make([]string, 0, len(cells))
			for _, c := range cells {
				cellStrs = append(cellStrs, asString(c))
			}
			b.WriteString("| " + strings.Join(cellStrs, " | ") + " |\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func stripTags(html string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(html, ""))
}

// ExtractURLs unions every URL shape the backends produce — top-level
// citation lists, per-block snippet links, per-node annotations, markdown
// links, and bare URLs in prose — deduplicating while preserving first-seen
// order and keeping only http(s).
func ExtractURLs(root interface{}) []string {
	seen := make(map[string]struct{})
	var ordered []string
	add := func(u string) {
		u = strings.TrimRight(u, `.,;:!?)]"'`)
		if u == "" {
			return
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		ordered = append(ordered, u)
	}

	m, ok := asMap(root)
	if !ok {
		return nil
	}

	for _, key := range []string{"citations", "sources", "urls", "links"} {
		collectURLStrings(m[key], add)
	}

	var walk func(interface{})
	walk = func(n interface{}) {
		switch v := n.(type) {
		case map[string]interface{}:
			collectURLStrings(v["snippet_links"], add)
			if annotations, ok := asMap(v["annotations"]); ok {
				for _, key := range []string{"url", "link", "source", "href"} {
					if s := asString(annotations[key]); s != "" {
						add(s)
					}
				}
			}
			if text := asString(v["text"]); text != "" {
				extractFromText(text, add)
			}
			for _, child := range v {
				walk(child)
			}
		case []interface{}:
			for _, item := range v {
				walk(item)
			}
		case string:
			extractFromText(v, add)
		}
	}
	walk(m)

	return ordered
}

func extractFromText(text string, add func(string)) {
	for _, match := range markdownLinkPattern.FindAllStringSubmatch(text, -1) {
		add(match[1])
	}
	for _, match := range urlPattern.FindAllString(text, -1) {
		add(match)
	}
}

func collectURLStrings(v interface{}, add func(string)) {
	switch val := v.(type) {
	case string:
		add(val)
	case []interface{}:
		for _, item := range val {
			switch iv := item.(type) {
			case string:
				add(iv)
			case map[string]interface{}:
				for _, key := range []string{"url", "link", "href"} {
					if s := asString(iv[key]); s != "" {
						add(s)
					}
				}
			}
		}
	}
}

// ExtractModel reads content.llm_model | content.model | llm_model, in that
// order.
func ExtractModel(root interface{}) string {
	m, ok := asMap(root)
	if !ok {
		return ""
	}
	if content, ok := asMap(m["content"]); ok {
		if s := asString(content["llm_model"]); s != "" {
			return s
		}
		if s := asString(content["model"]); s != "" {
			return s
		}
	}
	return asString(m["llm_model"])
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asSlice(v interface{}) ([]interface{}, bool) {
	s, ok := v.([]interface{})
	return s, ok
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return ""
	}
}

// SortUnique is a small helper kept for callers that need a deterministic
// (rather than first-seen) URL ordering, e.g. test fixtures comparing sets.
func SortUnique(urls []string) []string {
	sorted := append([]string(nil), urls...)
	sort.Strings(sorted)
	out := sorted[:0]
	for i, u := range sorted {
		if i > 0 && u == sorted[i-1] {
			continue
		}
		out = append(out, u)
	}
	return out
}
