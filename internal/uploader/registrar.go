// Package uploader pushes finished recording chunks to the media server:
// it validates each chunk, obtains a chunk key, and performs serialized
// multipart uploads behind a small bounded queue that sheds the oldest
// entry under pressure.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// KeyRegistrar obtains an upload key for one chunk.
type KeyRegistrar interface {
	Register(ctx context.Context, competitionID string, chunkIndex int) (string, error)
}

// HTTPKeyRegistrar registers chunk keys against the duel server's key
// authority using the host's session token.
type HTTPKeyRegistrar struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPKeyRegistrar builds a registrar for the given server base URL.
func NewHTTPKeyRegistrar(baseURL, sessionToken string) *HTTPKeyRegistrar {
	return &HTTPKeyRegistrar{
		baseURL: baseURL,
		token:   sessionToken,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type registerRequest struct {
	CompetitionID string `json:"competitionId"`
	ChunkIndex    int    `json:"chunkIndex"`
}

type registerResponse struct {
	Success bool `json:"success"`
	Data    struct {
		ChunkKey string `json:"chunkKey"`
	} `json:"data"`
}

// Register implements KeyRegistrar.
func (r *HTTPKeyRegistrar) Register(ctx context.Context, competitionID string, chunkIndex int) (string, error) {
	body, err := json.Marshal(registerRequest{CompetitionID: competitionID, ChunkIndex: chunkIndex})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/api/chunks/register", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chunk key request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chunk key request rejected with status %d", resp.StatusCode)
	}

	var parsed registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("invalid chunk key response: %w", err)
	}
	if parsed.Data.ChunkKey == "" {
		return "", fmt.Errorf("chunk key response missing key")
	}
	return parsed.Data.ChunkKey, nil
}
