package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/obslog"
)

func TestDirectLLMAdapter_MissingAPIKey(t *testing.T) {
	_, err := NewDirectLLMAdapter("openrouter_claude", config.ProviderCredentials{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, aeoerr.ErrConfigurationMissing))
}

func TestDirectLLMAdapter_ReturnsFirstChoiceVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-3", body["model"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "the answer"}},
				{"message": map[string]string{"content": "ignored second choice"}},
			},
		})
	}))
	defer srv.Close()

	a, err := NewDirectLLMAdapter("openrouter_claude", config.ProviderCredentials{
		APIKey: "key", BaseURL: srv.URL, Extra: map[string]string{"model": "claude-3"},
	}, nil)
	require.NoError(t, err)

	out, err := a.Call(context.Background(), Input{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", out.Answer)
	assert.Empty(t, out.Citations)
}

func TestDirectLLMAdapter_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a, err := NewDirectLLMAdapter("p", config.ProviderCredentials{APIKey: "bad", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = a.Call(context.Background(), Input{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, aeoerr.ErrAuth))
}

func TestDirectLLMAdapter_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer srv.Close()

	a, err := NewDirectLLMAdapter("p", config.ProviderCredentials{APIKey: "k", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = a.Call(context.Background(), Input{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, aeoerr.ErrEmptyResponse))
}

func TestExtractSnapshotID_AcceptedShapes(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"top-level":   {"snapshot_id": "s1"},
		"nested data": {"data": map[string]interface{}{"snapshot_id": "s1"}},
		"id array":    {"snapshot_ids": []interface{}{"s1", "s2"}},
	}
	for name, root := range cases {
		assert.Equal(t, "s1", extractSnapshotID(root), name)
	}
	assert.Equal(t, "", extractSnapshotID(map[string]interface{}{"unrelated": true}))
}

func TestScraperChatAdapter_QuickPollResolvesInline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ds1", r.URL.Query().Get("dataset_id"))
		var records []map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&records))
		require.Len(t, records, 1)
		assert.Equal(t, "what is X", records[0]["prompt"])
		json.NewEncoder(w).Encode(map[string]string{"snapshot_id": "snap-1"})
	})
	mux.HandleFunc("/snapshot/snap-1", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"answer_text": "X is a thing", "citations": []string{"https://x.example"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := NewScraperChatAdapter("chatgpt_scraper_async", config.ProviderCredentials{
		APIKey: "k", DatasetID: "ds1", BaseURL: srv.URL,
	}, nil)
	require.NoError(t, err)

	out, err := a.Call(context.Background(), Input{Prompt: "what is X"})
	require.NoError(t, err)
	assert.False(t, out.Async)
	assert.Equal(t, "snap-1", out.SnapshotID)
	assert.Equal(t, "X is a thing", out.Answer)
	assert.Equal(t, []string{"https://x.example"}, out.URLs)
}

func TestScraperChatAdapter_NotReadyYieldsAsyncSubmit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"snapshot_id": "snap-2"},
		})
	})
	mux.HandleFunc("/snapshot/snap-2", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := NewScraperChatAdapter("chatgpt_scraper_async", config.ProviderCredentials{
		APIKey: "k", DatasetID: "ds1", BaseURL: srv.URL,
	}, nil)
	require.NoError(t, err)

	out, err := a.Call(context.Background(), Input{Prompt: "slow question"})
	require.NoError(t, err)
	assert.True(t, out.Async)
	assert.Equal(t, "snap-2", out.SnapshotID)
	assert.Equal(t, "", out.Answer)
	assert.Equal(t, true, out.Metadata["async"])
}

func TestScraperChatAdapter_PollStillProcessing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json yet"))
	}))
	defer srv.Close()

	a, err := NewScraperChatAdapter("p", config.ProviderCredentials{APIKey: "k", DatasetID: "d", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, ready, err := a.(*ScraperChatAdapter).Poll(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, ready, "a non-JSON body means still processing")
}

func TestScraperSyncAdapter_DirectResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"answer_text": "sync answer"},
		})
	}))
	defer srv.Close()

	a, err := NewScraperSyncAdapter("chatgpt_scraper_sync", config.ProviderCredentials{
		APIKey: "k", DatasetID: "d", BaseURL: srv.URL,
	}, nil)
	require.NoError(t, err)

	out, err := a.Call(context.Background(), Input{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "sync answer", out.Answer)
	assert.False(t, out.Async)
}

func TestScraperSyncAdapter_PromotesAcceptedToAsync(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/scrape", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"snapshot_id": "deferred-1"})
	})
	mux.HandleFunc("/snapshot/deferred-1", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := NewScraperSyncAdapter("chatgpt_scraper_sync", config.ProviderCredentials{
		APIKey: "k", DatasetID: "d", BaseURL: srv.URL,
	}, nil)
	require.NoError(t, err)

	out, err := a.Call(context.Background(), Input{Prompt: "q"})
	require.NoError(t, err)
	assert.True(t, out.Async)
	assert.Equal(t, "deferred-1", out.SnapshotID)
}

func TestSERPAdapter_RendersBlocksAndCollectsReferences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "best laptops", r.URL.Query().Get("q"))
		assert.Equal(t, "en", r.URL.Query().Get("hl"))
		assert.Equal(t, "us", r.URL.Query().Get("gl"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"text_blocks": []map[string]interface{}{
				{"type": "heading", "text": "Best laptops"},
				{"type": "paragraph", "text": "Two stand out.", "snippet_links": []string{"https://inline.example"}},
				{"type": "list", "items": []string{"Alpha", "Beta"}},
				{"type": "table", "headers": []string{"Model", "Price"}, "rows": [][]string{{"Alpha", "$1"}}},
			},
			"references": []map[string]string{
				{"url": "https://ref.example"},
			},
		})
	}))
	defer srv.Close()

	a, err := NewSERPAdapter("perplexity_serp", config.ProviderCredentials{APIKey: "k", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	out, err := a.Call(context.Background(), Input{Prompt: "best laptops", Locale: "en", Country: "us"})
	require.NoError(t, err)

	assert.Contains(t, out.Answer, "## Best laptops")
	assert.Contains(t, out.Answer, "- Alpha")
	assert.Contains(t, out.Answer, "| Model | Price |")
	assert.Contains(t, out.URLs, "https://ref.example")
	assert.Contains(t, out.URLs, "https://inline.example")
}

func TestSERPAdapter_RequiresEndpoint(t *testing.T) {
	_, err := NewSERPAdapter("p", config.ProviderCredentials{APIKey: "k"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, aeoerr.ErrConfigurationMissing))
}

func TestAIOBatchAdapter_KeysResultsByInputIndex(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger", func(w http.ResponseWriter, r *http.Request) {
		var records []map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&records))
		assert.Len(t, records, 2)
		json.NewEncoder(w).Encode(map[string]string{"snapshot_id": "batch-1"})
	})
	mux.HandleFunc("/snapshot/batch-1", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"answer_text": "first overview"},
			{"answer_text": "second overview"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := NewAIOBatchAdapter("google_aio_batch", config.ProviderCredentials{
		APIKey: "k", DatasetID: "d", BaseURL: srv.URL,
	}, nil)
	require.NoError(t, err)
	batch := a.(*AIOBatchAdapter)
	batch.pollInterval = 5 * time.Millisecond
	batch.pollBudget = time.Second

	outs, err := batch.CallBatch(context.Background(), []Input{{Prompt: "a"}, {Prompt: "b"}})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "first overview", outs[0].Answer)
	assert.Equal(t, "second overview", outs[1].Answer)
	assert.Equal(t, 0, outs[0].Metadata["batch_index"])
	assert.Equal(t, 1, outs[1].Metadata["batch_index"])
}

func TestAIOBatchAdapter_TimesOutWhenNeverReady(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"snapshot_id": "stuck"})
	})
	mux.HandleFunc("/snapshot/stuck", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := NewAIOBatchAdapter("google_aio_batch", config.ProviderCredentials{
		APIKey: "k", DatasetID: "d", BaseURL: srv.URL,
	}, nil)
	require.NoError(t, err)
	batch := a.(*AIOBatchAdapter)
	batch.pollInterval = 5 * time.Millisecond
	batch.pollBudget = 30 * time.Millisecond

	_, err = batch.CallBatch(context.Background(), []Input{{Prompt: "a"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, aeoerr.ErrTimeout))
}

func TestMockAdapter_GatedBehindExplicitSwitch(t *testing.T) {
	_, err := NewMockAdapter("mock", config.ProviderCredentials{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, aeoerr.ErrConfigurationMissing))

	a, err := NewMockAdapter("mock", config.ProviderCredentials{Extra: map[string]string{"mock_mode": "true"}}, nil)
	require.NoError(t, err)

	first, err := a.Call(context.Background(), Input{Prompt: "same prompt"})
	require.NoError(t, err)
	second, err := a.Call(context.Background(), Input{Prompt: "same prompt"})
	require.NoError(t, err)
	assert.Equal(t, first.Answer, second.Answer, "mock output is deterministic")
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("nope", config.ProviderCredentials{})
	require.Error(t, err)
}

func TestRegistry_CachesInstances(t *testing.T) {
	r := NewRegistry(nil)
	built := 0
	r.Register("counted", func(config.ProviderCredentials, obslog.Logger) (Adapter, error) {
		built++
		return &MockAdapter{name: "counted"}, nil
	})

	first, err := r.Get("counted", config.ProviderCredentials{})
	require.NoError(t, err)
	second, err := r.Get("counted", config.ProviderCredentials{})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, built)
}
