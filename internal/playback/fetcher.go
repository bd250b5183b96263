package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPFetcher retrieves chunk payloads from the media server's HTTP API.
type HTTPFetcher struct {
	mediaURL string
	client   *http.Client
}

// NewHTTPFetcher builds a fetcher against the given media server base URL.
func NewHTTPFetcher(mediaURL string) *HTTPFetcher {
	return &HTTPFetcher{
		mediaURL: mediaURL,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch returns the payload of one chunk. A 404 means the chunk has not been
// uploaded yet and maps to ErrNotAvailable so the player holds.
func (f *HTTPFetcher) Fetch(ctx context.Context, competitionID string, index int) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/api/chunks/%s/%d",
		f.mediaURL, url.PathEscape(competitionID), index)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chunk request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotAvailable
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chunk request returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

type latestResponse struct {
	Success bool `json:"success"`
	Data    struct {
		LastIndex int `json:"lastIndex"`
	} `json:"data"`
}

// Total reports how many chunks a finished competition has, derived from the
// same last-index endpoint the recorder resumes from. A competition the media
// server does not know yields zero.
func (f *HTTPFetcher) Total(ctx context.Context, competitionID string) (int, error) {
	endpoint := fmt.Sprintf("%s/api/chunks/latest?competitionId=%s",
		f.mediaURL, url.QueryEscape(competitionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("chunk count request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chunk count request returned status %d", resp.StatusCode)
	}

	var parsed latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("invalid chunk count response: %w", err)
	}
	return parsed.Data.LastIndex + 1, nil
}
