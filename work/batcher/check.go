package batcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"audiocache/work/client"
	"audiocache/work/middleware"
)

// NewHTTPCheck returns a CheckFunc that performs the batch round trip
// against a remote /check-cache endpoint.
func NewHTTPCheck(baseURL, apiKey string, httpClient *client.HeaderSettingClient) CheckFunc {
	return func(ctx context.Context, ids []string) ([]string, error) {
		payload, err := json.Marshal(map[string][]string{"ids": ids})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			baseURL+"/check-cache", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set(middleware.APIKeyHeader, apiKey)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("check-cache returned status %d", resp.StatusCode)
		}

		var result struct {
			Found []string `json:"found"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode check-cache response: %w", err)
		}
		return result.Found, nil
	}
}
