package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"hitl-pipeline/backend/internal/mapping"
)

// NewHTTPClient returns a traced HTTP client for calls to collaborator services.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPSimilarityClient is an HTTP implementation of the SimilarityClient interface.
type HTTPSimilarityClient struct {
	url    string
	client *http.Client
}

// NewHTTPSimilarityClient creates a new HTTPSimilarityClient.
func NewHTTPSimilarityClient(url string, client *http.Client) *HTTPSimilarityClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSimilarityClient{url: strings.TrimRight(url, "/"), client: client}
}

// Match returns raw column matches for the request's source.
func (c *HTTPSimilarityClient) Match(ctx context.Context, in MatchRequest) ([]mapping.RawMatch, error) {
	requestBody, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/similarity", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get matches: status code %d", resp.StatusCode)
	}

	var matches []mapping.RawMatch
	if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}

	return matches, nil
}
