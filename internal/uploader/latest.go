package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type latestResponse struct {
	Success bool `json:"success"`
	Data    struct {
		LastIndex int `json:"lastIndex"`
	} `json:"data"`
}

// LatestIndex asks the media server for the highest chunk index it holds
// for a competition, so a restarted recording resumes at lastIndex+1. A
// competition with no chunks yet reports -1; a media server without the
// endpoint (404) is treated the same way.
func LatestIndex(ctx context.Context, mediaURL, competitionID string) (int, error) {
	endpoint := fmt.Sprintf("%s/api/chunks/latest?competitionId=%s",
		mediaURL, url.QueryEscape(competitionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return -1, err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return -1, fmt.Errorf("latest index request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return -1, nil
	}
	if resp.StatusCode != http.StatusOK {
		return -1, fmt.Errorf("latest index request returned status %d", resp.StatusCode)
	}

	var parsed latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return -1, fmt.Errorf("invalid latest index response: %w", err)
	}
	return parsed.Data.LastIndex, nil
}
