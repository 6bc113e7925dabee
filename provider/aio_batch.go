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
	aioPollInterval = 30 * time.Second
	aioPollBudget   = 15 * time.Minute
)

// AIOBatchAdapter drives the AI-overview SERP dataset in batch mode: it
// POSTs an array of prompts to the dataset trigger, then polls the
// per-snapshot endpoint on a 30s cadence until the whole batch is ready,
// normalizing each downloaded item into one Output keyed by input index.
//
// Unlike the chat scrapers it blocks inside Call for the full polling
// window rather than yielding to the background poller, because a batch
// snapshot resolves all of its items at once.
type AIOBatchAdapter struct {
	name      string
	apiKey    string
	datasetID string
	baseURL   string
	caller    *httpCaller
	logger    obslog.Logger

	pollInterval time.Duration
	pollBudget   time.Duration
}

// NewAIOBatchAdapter constructs a batch AI-overview adapter. Required
// credentials: APIKey and DatasetID.
func NewAIOBatchAdapter(name string, creds config.ProviderCredentials, logger obslog.Logger) (Adapter, error) {
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
	return &AIOBatchAdapter{
		name:         name,
		apiKey:       creds.APIKey,
		datasetID:    creds.DatasetID,
		baseURL:      baseURL,
		caller:       newHTTPCaller(30*time.Second, logger),
		logger:       logger,
		pollInterval: aioPollInterval,
		pollBudget:   aioPollBudget,
	}, nil
}

func (a *AIOBatchAdapter) Name() string { return a.name }

// EffectiveTimeout tells the priority executor how long a Call may run:
// submit plus the full batch polling window.
func (a *AIOBatchAdapter) EffectiveTimeout() time.Duration {
	return a.pollBudget + time.Minute
}

// Call runs a single-prompt batch. The executor's one-prompt-per-collector
// contract maps onto a batch of one; multi-prompt callers use CallBatch.
func (a *AIOBatchAdapter) Call(ctx context.Context, in Input) (Output, error) {
	outs, err := a.CallBatch(ctx, []Input{in})
	if err != nil {
		return Output{}, err
	}
	if len(outs) == 0 {
		return Output{}, aeoerr.New(aeoerr.ErrEmptyResponse, "batch returned no items", 1, nil)
	}
	return outs[0], nil
}

// CallBatch submits all prompts in one dataset trigger and blocks until the
// snapshot resolves, returning one Output per input index.
func (a *AIOBatchAdapter) CallBatch(ctx context.Context, inputs []Input) ([]Output, error) {
	if len(inputs) == 0 {
		return nil, aeoerr.New(aeoerr.ErrInvalidInput, "empty batch", 0, nil)
	}

	snapshotID, err := a.submitBatch(ctx, inputs)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(a.pollBudget)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, aeoerr.New(aeoerr.ErrTimeout, "batch poll cancelled", 0, ctx.Err())
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return nil, aeoerr.New(aeoerr.ErrTimeout,
				fmt.Sprintf("batch snapshot %s not ready within %s", snapshotID, a.pollBudget), 0, nil)
		}

		items, ready, err := a.fetchBatch(ctx, snapshotID)
		if err != nil {
			a.logger.Debug("batch poll attempt errored; continuing", map[string]interface{}{
				"provider": a.name, "snapshot_id": snapshotID, "error": err.Error(),
			})
			continue
		}
		if !ready {
			continue
		}
		return a.normalizeBatch(items, len(inputs), snapshotID), nil
	}
}

func (a *AIOBatchAdapter) submitBatch(ctx context.Context, inputs []Input) (string, error) {
	triggerURL := fmt.Sprintf("%s/trigger?dataset_id=%s&include_errors=true",
		a.baseURL, url.QueryEscape(a.datasetID))

	records := make([]interface{}, 0, len(inputs))
	for _, in := range inputs {
		records = append(records, map[string]interface{}{
			"prompt":  in.Prompt,
			"country": in.Country,
		})
	}
	data, _, err := a.caller.do(ctx, requestSpec{
		Method:  "POST",
		URL:     triggerURL,
		Headers: map[string]string{"Authorization": "Bearer " + a.apiKey},
		Body:    records,
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
		return "", aeoerr.New(aeoerr.ErrParseError, "batch trigger carried no snapshot id", 1, nil)
	}
	return snapshotID, nil
}

func (a *AIOBatchAdapter) fetchBatch(ctx context.Context, snapshotID string) ([]interface{}, bool, error) {
	snapshotURL := fmt.Sprintf("%s/snapshot/%s?format=json", a.baseURL, url.PathEscape(snapshotID))
	data, status, err := a.caller.do(ctx, requestSpec{
		Method:  "GET",
		URL:     snapshotURL,
		Headers: map[string]string{"Authorization": "Bearer " + a.apiKey},
	}, 1)
	if err != nil {
		return nil, false, err
	}
	if status == 202 {
		return nil, false, nil
	}
	var root interface{}
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, false, nil
	}
	items, ok := root.([]interface{})
	if !ok {
		// A single-object body wraps into a one-item batch.
		items = []interface{}{root}
	}
	return items, true, nil
}

// normalizeBatch produces one Output per input index, so a short download
// still yields an addressable (empty) slot for every submitted prompt.
func (a *AIOBatchAdapter) normalizeBatch(items []interface{}, want int, snapshotID string) []Output {
	outs := make([]Output, want)
	for i := range outs {
		out := Output{
			SnapshotID: snapshotID,
			Metadata: map[string]interface{}{
				"provider":    a.name,
				"dataset_id":  a.datasetID,
				"snapshot_id": snapshotID,
				"batch_index": i,
			},
		}
		if i < len(items) {
			urls := normalize.ExtractURLs(items[i])
			out.Answer = normalize.ExtractAnswer(items[i])
			out.Citations = urls
			out.URLs = urls
			out.ModelUsed = normalize.ExtractModel(items[i])
			if raw, err := json.Marshal(items[i]); err == nil {
				out.Metadata["raw_response_json"] = raw
			}
		}
		outs[i] = out
	}
	return outs
}
