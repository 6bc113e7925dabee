package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/normalize"
	"github.com/evidently-aeo/aeo-collector/obslog"
)

const (
	defaultScraperBaseURL = "https://api.brightdata.com/datasets/v3"

	// quickPollWindow bounds the single post-submit poll attempt. Anything
	// slower than this is handed to the background poller.
	quickPollWindow = 5 * time.Second
)

// ScraperChatAdapter drives an asynchronous chat-scraper dataset: it POSTs
// one input record to the dataset trigger endpoint, receives a snapshot id,
// and attempts one short quick poll before yielding to the background
// poller. Its Poll method is what the background poller calls until the
// snapshot is ready.
type ScraperChatAdapter struct {
	name      string
	apiKey    string
	datasetID string
	baseURL   string
	targetURL string
	caller    *httpCaller
	logger    obslog.Logger
}

// NewScraperChatAdapter constructs an async chat-scraper adapter. Required
// credentials: APIKey and DatasetID. Extra["target_url"] sets the chat
// surface the scraper drives (e.g. https://chatgpt.com).
func NewScraperChatAdapter(name string, creds config.ProviderCredentials, logger obslog.Logger) (Adapter, error) {
	if creds.APIKey == "" {
		return nil, aeoerr.New(aeoerr.ErrConfigurationMissing, "missing API key for "+name, 0, nil)
	}
	if creds.DatasetID == "" {
		return nil, aeoerr.New(aeoerr.ErrConfigurationMissing, "missing dataset id for "+name, 0, nil)
	}
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = defaultScraperBaseURL
	}
	if logger == nil {
		logger = obslog.NoOp()
	}
	return &ScraperChatAdapter{
		name:      name,
		apiKey:    creds.APIKey,
		datasetID: creds.DatasetID,
		baseURL:   baseURL,
		targetURL: creds.Extra["target_url"],
		caller:    newHTTPCaller(30*time.Second, logger),
		logger:    logger,
	}, nil
}

func (a *ScraperChatAdapter) Name() string { return a.name }

func (a *ScraperChatAdapter) Call(ctx context.Context, in Input) (Output, error) {
	snapshotID, err := a.submit(ctx, in)
	if err != nil {
		return Output{}, err
	}

	// One bounded quick poll. Ready with a non-empty answer short-circuits
	// the whole async path; anything else stays in-flight.
	if out, ok := a.quickPoll(ctx, snapshotID); ok {
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

// submit POSTs a single input record to the dataset trigger endpoint and
// extracts the snapshot id.
func (a *ScraperChatAdapter) submit(ctx context.Context, in Input) (string, error) {
	triggerURL := fmt.Sprintf("%s/trigger?dataset_id=%s&include_errors=true",
		a.baseURL, url.QueryEscape(a.datasetID))

	record := map[string]interface{}{
		"url":     a.targetURL,
		"prompt":  in.Prompt,
		"country": in.Country,
	}
	data, _, err := a.caller.do(ctx, requestSpec{
		Method:  "POST",
		URL:     triggerURL,
		Headers: map[string]string{"Authorization": "Bearer " + a.apiKey},
		Body:    []interface{}{record},
	}, 1)
	if err != nil {
		return "", err
	}

	parsed, err := decodeJSON(data, 1)
	if err != nil {
		return "", err
	}

	snapshotID := extractSnapshotID(parsed)
	if snapshotID == "" {
		return "", aeoerr.New(aeoerr.ErrParseError, "trigger response carried no snapshot id", 1, nil).
			WithContext(map[string]interface{}{"provider": a.name, "dataset_id": a.datasetID})
	}
	return snapshotID, nil
}

func (a *ScraperChatAdapter) quickPoll(ctx context.Context, snapshotID string) (Output, bool) {
	qctx, cancel := context.WithTimeout(ctx, quickPollWindow)
	defer cancel()

	out, ready, err := a.Poll(qctx, snapshotID)
	if err != nil || !ready {
		return Output{}, false
	}
	if out.Answer == "" {
		// An empty normalized answer on a "ready" body means the scraper
		// hasn't produced content yet; keep polling in background.
		return Output{}, false
	}
	return out, true
}

// Poll fetches the snapshot once. HTTP 202 or a non-JSON body means the
// scraper is still working; both return ready=false without an error so the
// background loop keeps its cadence.
func (a *ScraperChatAdapter) Poll(ctx context.Context, snapshotID string) (Output, bool, error) {
	snapshotURL := fmt.Sprintf("%s/snapshot/%s?format=json", a.baseURL, url.PathEscape(snapshotID))

	data, status, err := a.caller.do(ctx, requestSpec{
		Method:  "GET",
		URL:     snapshotURL,
		Headers: map[string]string{"Authorization": "Bearer " + a.apiKey},
	}, 1)
	if err != nil {
		return Output{}, false, err
	}
	if status == 202 {
		return Output{}, false, nil
	}

	var root interface{}
	if err := json.Unmarshal(data, &root); err != nil {
		return Output{}, false, nil
	}

	out := a.normalizeSnapshot(root, data)
	out.SnapshotID = snapshotID
	return out, true, nil
}

// normalizeSnapshot runs the shared normalizer over the snapshot body,
// unwrapping the single-element array the dataset API returns for a
// one-record trigger.
func (a *ScraperChatAdapter) normalizeSnapshot(root interface{}, raw []byte) Output {
	node := root
	if arr, ok := root.([]interface{}); ok && len(arr) > 0 {
		node = arr[0]
	}
	urls := normalize.ExtractURLs(node)
	return Output{
		Answer:    normalize.ExtractAnswer(node),
		Citations: urls,
		URLs:      urls,
		ModelUsed: normalize.ExtractModel(node),
		Metadata: map[string]interface{}{
			"provider":          a.name,
			"dataset_id":        a.datasetID,
			"raw_response_json": raw,
		},
	}
}

// extractSnapshotID accepts the shapes the trigger endpoint has been
// observed returning: a top-level snapshot_id, one nested under data, or
// the first element of a snapshot_ids array.
func extractSnapshotID(root map[string]interface{}) string {
	if s, ok := root["snapshot_id"].(string); ok && s != "" {
		return s
	}
	if data, ok := root["data"].(map[string]interface{}); ok {
		if s, ok := data["snapshot_id"].(string); ok && s != "" {
			return s
		}
	}
	if ids, ok := root["snapshot_ids"].([]interface{}); ok && len(ids) > 0 {
		if s, ok := ids[0].(string); ok {
			return s
		}
	}
	return ""
}
