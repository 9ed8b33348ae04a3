package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const catalogURL = "https://openrouter.ai/api/v1/models"

// CatalogClient fetches current model prices from the OpenRouter
// catalog. The catalog quotes per-token USD strings; rates are converted
// to per-1k before they enter a table.
type CatalogClient struct {
	apiKey string
	url    string
	client *http.Client
}

func NewCatalogClient(apiKey string) *CatalogClient {
	return &CatalogClient{
		apiKey: apiKey,
		url:    catalogURL,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type catalogResponse struct {
	Data []struct {
		ID      string `json:"id"`
		Pricing struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

// Fetch pulls the catalog and returns a table dated today.
func (c *CatalogClient) Fetch(ctx context.Context) (Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Table{}, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Table{}, fmt.Errorf("catalog call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Table{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Table{}, fmt.Errorf("catalog error %d: %s", resp.StatusCode, string(body))
	}

	var cat catalogResponse
	if err := json.Unmarshal(body, &cat); err != nil {
		return Table{}, fmt.Errorf("unmarshal catalog: %w", err)
	}

	tbl := Table{
		EffectiveFrom: time.Now().UTC().Format("2006-01-02"),
		Source:        "openrouter",
		Models:        make(map[string]ModelPrice, len(cat.Data)),
	}
	for _, m := range cat.Data {
		in, errIn := strconv.ParseFloat(m.Pricing.Prompt, 64)
		out, errOut := strconv.ParseFloat(m.Pricing.Completion, 64)
		if errIn != nil || errOut != nil || (in == 0 && out == 0) {
			continue
		}
		tbl.Models[m.ID] = ModelPrice{InputPer1K: in * 1000, OutputPer1K: out * 1000}
	}
	if len(tbl.Models) == 0 {
		return Table{}, fmt.Errorf("catalog returned no priced models")
	}
	return tbl, nil
}

// Refresh fetches the catalog and appends it to the book as a new dated
// table.
func (b *Book) Refresh(ctx context.Context, c *CatalogClient) error {
	tbl, err := c.Fetch(ctx)
	if err != nil {
		return err
	}
	if err := b.Append(tbl); err != nil {
		return err
	}
	b.logger.Info("pricing refreshed",
		"effective_from", tbl.EffectiveFrom,
		"models", len(tbl.Models),
	)
	return nil
}
