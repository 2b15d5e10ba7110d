package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/billfrog/billfrog/internal/usage"
)

// modelRate is per-token pricing in USD.
type modelRate struct {
	Prompt     float64
	Completion float64
}

// openAIPricing holds per-1K-token rates divided down to per-token.
// Unknown models fall back to gpt-3.5-turbo rates.
var openAIPricing = map[string]modelRate{
	"gpt-4":                  {Prompt: 0.03 / 1000, Completion: 0.06 / 1000},
	"gpt-4-32k":              {Prompt: 0.06 / 1000, Completion: 0.12 / 1000},
	"gpt-4-turbo":            {Prompt: 0.01 / 1000, Completion: 0.03 / 1000},
	"gpt-3.5-turbo":          {Prompt: 0.0015 / 1000, Completion: 0.002 / 1000},
	"gpt-3.5-turbo-0125":     {Prompt: 0.0005 / 1000, Completion: 0.0015 / 1000},
	"gpt-3.5-turbo-instruct": {Prompt: 0.0015 / 1000, Completion: 0.002 / 1000},
	"text-embedding-ada-002": {Prompt: 0.0001 / 1000},
	"text-embedding-3-small": {Prompt: 0.00002 / 1000},
	"text-embedding-3-large": {Prompt: 0.00013 / 1000},
}

// NormalizeModel maps a model name with version suffixes onto its pricing key.
func NormalizeModel(model string) string {
	m := strings.ToLower(model)
	if _, ok := openAIPricing[m]; ok {
		return m
	}
	switch {
	case strings.Contains(m, "gpt-4-turbo"):
		return "gpt-4-turbo"
	case strings.Contains(m, "gpt-4-32k"):
		return "gpt-4-32k"
	case strings.Contains(m, "gpt-4"):
		return "gpt-4"
	case strings.Contains(m, "gpt-3.5-turbo-0125"):
		return "gpt-3.5-turbo-0125"
	case strings.Contains(m, "gpt-3.5-turbo-instruct"):
		return "gpt-3.5-turbo-instruct"
	case strings.Contains(m, "gpt-3.5-turbo"):
		return "gpt-3.5-turbo"
	case strings.Contains(m, "text-embedding-3-large"):
		return "text-embedding-3-large"
	case strings.Contains(m, "text-embedding-3-small"):
		return "text-embedding-3-small"
	case strings.Contains(m, "text-embedding"):
		return "text-embedding-ada-002"
	}
	return m
}

// CostUSD computes the cost of a request against the pricing table.
func CostUSD(model string, promptTokens, completionTokens int64) float64 {
	rate, ok := openAIPricing[NormalizeModel(model)]
	if !ok {
		rate = openAIPricing["gpt-3.5-turbo"]
	}
	return float64(promptTokens)*rate.Prompt + float64(completionTokens)*rate.Completion
}

// OpenAI fetches usage from the OpenAI API.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAI creates an OpenAI fetcher.
func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com",
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements UsageFetcher.
func (o *OpenAI) Name() string { return "openai" }

// TestConnection lists models as a cheap credential check.
func (o *OpenAI) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("reach openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai rejected credentials: %s", resp.Status)
	}
	return nil
}

type openAIUsageResponse struct {
	Data []struct {
		AggregationTimestamp int64  `json:"aggregation_timestamp"`
		SnapshotID           string `json:"snapshot_id"`
		NContextTokens       int64  `json:"n_context_tokens_total"`
		NGeneratedTokens     int64  `json:"n_generated_tokens_total"`
	} `json:"data"`
}

// FetchUsage pulls daily usage snapshots from OpenAI for every day from
// since to now and prices them with the static table. OpenAI exposes usage
// per calendar day, so the fetch walks day by day.
func (o *OpenAI) FetchUsage(ctx context.Context, agentID string, since time.Time) ([]usage.Event, error) {
	var events []usage.Event
	now := time.Now().UTC()

	for day := since.UTC(); !day.After(now); day = day.AddDate(0, 0, 1) {
		dayEvents, err := o.fetchDay(ctx, agentID, day)
		if err != nil {
			return nil, err
		}
		events = append(events, dayEvents...)
	}
	return events, nil
}

func (o *OpenAI) fetchDay(ctx context.Context, agentID string, day time.Time) ([]usage.Event, error) {
	url := fmt.Sprintf("%s/v1/usage?date=%s", o.baseURL, day.Format(usage.DateLayout))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch openai usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai usage query failed: %s", resp.Status)
	}

	var body openAIUsageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode openai usage: %w", err)
	}

	events := make([]usage.Event, 0, len(body.Data))
	for _, d := range body.Data {
		model := d.SnapshotID
		if model == "" {
			model = "gpt-3.5-turbo"
		}
		events = append(events, usage.Event{
			AgentID:         agentID,
			Timestamp:       time.Unix(d.AggregationTimestamp, 0).UTC(),
			Category:        NormalizeModel(model),
			PromptUnits:     d.NContextTokens,
			CompletionUnits: d.NGeneratedTokens,
			CostUSD:         CostUSD(model, d.NContextTokens, d.NGeneratedTokens),
		})
	}
	return events, nil
}
