package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/normalize"
	"github.com/evidently-aeo/aeo-collector/obslog"
)

// SERPAdapter queries an AI-augmented search endpoint and renders its
// ordered text_block sequence (paragraph / heading / list / code / table)
// into markdown-like plain text. Reference URLs come from the top-level
// references list plus per-block inline link annotations.
type SERPAdapter struct {
	name    string
	apiKey  string
	baseURL string
	caller  *httpCaller
}

// NewSERPAdapter constructs a search-SERP adapter. Required credentials:
// APIKey and BaseURL (the provider's search endpoint).
func NewSERPAdapter(name string, creds config.ProviderCredentials, logger obslog.Logger) (Adapter, error) {
	if creds.APIKey == "" {
		return nil, aeoerr.New(aeoerr.ErrConfigurationMissing, "missing API key for "+name, 0, nil)
	}
	if creds.BaseURL == "" {
		return nil, aeoerr.New(aeoerr.ErrConfigurationMissing, "missing search endpoint URL for "+name, 0, nil)
	}
	return &SERPAdapter{
		name:    name,
		apiKey:  creds.APIKey,
		baseURL: creds.BaseURL,
		caller:  newHTTPCaller(45*time.Second, logger),
	}, nil
}

func (a *SERPAdapter) Name() string { return a.name }

func (a *SERPAdapter) Call(ctx context.Context, in Input) (Output, error) {
	q := url.Values{}
	q.Set("q", in.Prompt)
	if in.Locale != "" {
		q.Set("hl", in.Locale)
	}
	if in.Country != "" {
		q.Set("gl", in.Country)
	}

	data, _, err := a.caller.do(ctx, requestSpec{
		Method:  "GET",
		URL:     a.baseURL + "?" + q.Encode(),
		Headers: map[string]string{"Authorization": "Bearer " + a.apiKey},
	}, 1)
	if err != nil {
		return Output{}, err
	}

	parsed, err := decodeJSON(data, 1)
	if err != nil {
		return Output{}, err
	}

	answer := renderTextBlocks(parsed["text_blocks"])
	if answer == "" {
		answer = normalize.ExtractAnswer(parsed)
	}
	if answer == "" {
		return Output{}, aeoerr.New(aeoerr.ErrEmptyResponse, "search returned no usable content", 1, nil)
	}

	urls := collectSERPReferences(parsed)
	return Output{
		Answer:    answer,
		Response:  answer,
		Citations: urls,
		URLs:      urls,
		Metadata: map[string]interface{}{
			"provider":          a.name,
			"raw_response_json": data,
		},
	}, nil
}

// renderTextBlocks converts the ordered block sequence into plain text:
// headings get a markdown prefix, lists become hyphenated lines, code is
// fenced, tables become pipe tables, everything else contributes its text.
func renderTextBlocks(v interface{}) string {
	blocks, ok := v.([]interface{})
	if !ok {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		m, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		blockType, _ := m["type"].(string)
		switch blockType {
		case "heading":
			if s, _ := m["text"].(string); s != "" {
				parts = append(parts, "## "+s)
			}
		case "list":
			items, _ := m["items"].([]interface{})
			var lines []string
			for _, it := range items {
				switch iv := it.(type) {
				case string:
					lines = append(lines, "- "+iv)
				case map[string]interface{}:
					if s, _ := iv["text"].(string); s != "" {
						lines = append(lines, "- "+s)
					}
				}
			}
			if len(lines) > 0 {
				parts = append(parts, strings.Join(lines, "\n"))
			}
		case "code":
			if s, _ := m["text"].(string); s != "" {
				parts = append(parts, "```\n"+s+"\n```")
			}
		case "table":
			if rendered := renderSERPTable(m); rendered != "" {
				parts = append(parts, rendered)
			}
		default: // paragraph and anything unrecognized
			if s, _ := m["text"].(string); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func renderSERPTable(m map[string]interface{}) string {
	headers, _ := m["headers"].([]interface{})
	rows, _ := m["rows"].([]interface{})
	var b strings.Builder
	if len(headers) > 0 {
		cells := make([]string, 0, len(headers))
		for _, h := range headers {
			cells = append(cells, fmt.Sprintf("%v", h))
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		b.WriteString("|" + strings.Repeat(" --- |", len(cells)) + "\n")
	}
	for _, row := range rows {
		cells, ok := row.([]interface{})
		if !ok {
			continue
		}
		strs := make([]string, 0, len(cells))
		for _, c := range cells {
			strs = append(strs, fmt.Sprintf("%v", c))
		}
		b.WriteString("| " + strings.Join(strs, " | ") + " |\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// collectSERPReferences unions the top-level references list with the
// normalizer's per-block sweep (snippet_links, annotations, inline
// markdown), keeping http(s) only and first-seen order.
func collectSERPReferences(root map[string]interface{}) []string {
	merged := map[string]interface{}{}
	for k, v := range root {
		merged[k] = v
	}
	// The normalizer already understands citations|sources|urls|links;
	// alias the SERP-specific references key onto one of those.
	if refs, ok := root["references"]; ok {
		merged["sources"] = refs
	}
	return normalize.ExtractURLs(merged)
}
