package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractAnswer_ResultsResponseText(t *testing.T) {
	root := map[string]interface{}{
		"results": []interface{}{
			map[string]interface{}{
				"content": map[string]interface{}{
					"response_text": "the answer",
				},
			},
		},
	}
	assert.Equal(t, "the answer", ExtractAnswer(root))
}

func TestExtractAnswer_FlatPrecedence(t *testing.T) {
	assert.Equal(t, "flat answer", ExtractAnswer(map[string]interface{}{"answer": "flat answer"}))
	assert.Equal(t, "preferred", ExtractAnswer(map[string]interface{}{
		"answer_text": "preferred",
		"answer":      "ignored",
	}))
}

func TestExtractAnswer_HTMLFallback(t *testing.T) {
	root := map[string]interface{}{"answer_section_html": "<p>hello <b>world</b></p>"}
	assert.Equal(t, "hello world", ExtractAnswer(root))
}

func TestExtractAnswer_MalformedFragmentsTolerated(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.Equal(t, "", ExtractAnswer(nil))
		assert.Equal(t, "", ExtractAnswer(42))
		assert.Equal(t, "", ExtractAnswer(map[string]interface{}{"results": "not-a-slice"}))
	})
}

func TestExtractAnswer_AnswerResultsListsAndTables(t *testing.T) {
	root := map[string]interface{}{
		"results": []interface{}{
			map[string]interface{}{
				"content": map[string]interface{}{
					"answer_results": []interface{}{
						map[string]interface{}{"type": "list", "items": []interface{}{"a", "b"}},
					},
				},
			},
		},
	}
	assert.Equal(t, "- a\n- b", ExtractAnswer(root))
}

func TestExtractURLs_UnionAndDedup(t *testing.T) {
	root := map[string]interface{}{
		"citations": []interface{}{"https://a.com", "https://a.com"},
		"blocks": []interface{}{
			map[string]interface{}{
				"snippet_links": []interface{}{"https://b.com"},
				"text":          "see [this](https://c.com) and https://d.com.",
			},
		},
	}
	urls := ExtractURLs(root)
	assert.Contains(t, urls, "https://a.com")
	assert.Contains(t, urls, "https://b.com")
	assert.Contains(t, urls, "https://c.com")
	assert.Contains(t, urls, "https://d.com")

	seen := map[string]int{}
	for _, u := range urls {
		seen[u]++
	}
	assert.Equal(t, 1, seen["https://a.com"])
}

func TestExtractURLs_DropsNonHTTP(t *testing.T) {
	root := map[string]interface{}{"urls": []interface{}{"ftp://x.com", "mailto:a@b.com", "https://ok.com"}}
	urls := ExtractURLs(root)
	assert.Equal(t, []string{"https://ok.com"}, urls)
}

func TestExtractModel_Precedence(t *testing.T) {
	assert.Equal(t, "gpt-4", ExtractModel(map[string]interface{}{
		"content": map[string]interface{}{"llm_model": "gpt-4", "model": "ignored"},
	}))
	assert.Equal(t, "top-level", ExtractModel(map[string]interface{}{"llm_model": "top-level"}))
	assert.Equal(t, "", ExtractModel(nil))
}
