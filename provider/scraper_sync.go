package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/obslog"
)

// ScraperSyncAdapter drives the synchronous scrape endpoint of a chat
// scraper. Most requests come back in one round trip; when the backend
// responds 202 with a snapshot id instead, the adapter promotes the call to
// the same quick-poll-then-background path the async adapter uses.
type ScraperSyncAdapter struct {
	name      string
	apiKey    string
	datasetID string
	baseURL   string
	targetURL string
	caller    *httpCaller
	async     *ScraperChatAdapter
}

// NewScraperSyncAdapter constructs a sync chat-scraper adapter. Required
// credentials: APIKey and DatasetID.
func NewScraperSyncAdapter(name string, creds config.ProviderCredentials, logger obslog.Logger) (Adapter, error) {
	inner, err := NewScraperChatAdapter(name, creds, logger)
	if err != nil {
		return nil, err
	}
	asyncAdapter := inner.(*ScraperChatAdapter)
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = defaultScraperBaseURL
	}
	return &ScraperSyncAdapter{
		name:      name,
		apiKey:    creds.APIKey,
		datasetID: creds.DatasetID,
		baseURL:   baseURL,
		targetURL: creds.Extra["target_url"],
		caller:    newHTTPCaller(90*time.Second, logger),
		async:     asyncAdapter,
	}, nil
}

func (a *ScraperSyncAdapter) Name() string { return a.name }

func (a *ScraperSyncAdapter) Call(ctx context.Context, in Input) (Output, error) {
	scrapeURL := fmt.Sprintf("%s/scrape?dataset_id=%s&include_errors=true",
		a.baseURL, url.QueryEscape(a.datasetID))

	record := map[string]interface{}{
		"url":     a.targetURL,
		"prompt":  in.Prompt,
		"country": in.Country,
	}
	data, status, err := a.caller.do(ctx, requestSpec{
		Method:  "POST",
		URL:     scrapeURL,
		Headers: map[string]string{"Authorization": "Bearer " + a.apiKey},
		Body:    []interface{}{record},
	}, 1)
	if err != nil {
		return Output{}, err
	}

	if status == 202 {
		// Accepted-with-snapshot: the backend decided this scrape is slow.
		// Promote to the polling path.
		parsed, err := decodeJSON(data, 1)
		if err != nil {
			return Output{}, err
		}
		snapshotID := extractSnapshotID(parsed)
		if snapshotID == "" {
			return Output{}, aeoerr.New(aeoerr.ErrParseError, "202 response carried no snapshot id", 1, nil)
		}
		if out, ok := a.async.quickPoll(ctx, snapshotID); ok {
			out.SnapshotID = snapshotID
			return out, nil
		}
		return Output{
			SnapshotID: snapshotID,
			Async:      true,
			Metadata: map[string]interface{}{
				"provider":    a.name,
				"dataset_id":  a.datasetID,
				"snapshot_id": snapshotID,
				"async":       true,
			},
		}, nil
	}

	var root interface{}
	if err := json.Unmarshal(data, &root); err != nil {
		return Output{}, aeoerr.New(aeoerr.ErrParseError, "scrape response is not valid JSON", 1, err)
	}

	out := a.async.normalizeSnapshot(root, data)
	if out.Answer == "" {
		return Output{}, aeoerr.New(aeoerr.ErrEmptyResponse, "scrape returned no usable content", 1, nil)
	}
	out.Metadata["provider"] = a.name
	return out, nil
}

// Poll delegates to the async adapter so a promoted 202 scrape can be
// finalized by the background poller.
func (a *ScraperSyncAdapter) Poll(ctx context.Context, snapshotID string) (Output, bool, error) {
	return a.async.Poll(ctx, snapshotID)
}
