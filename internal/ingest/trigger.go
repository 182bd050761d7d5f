package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"vitalmesh/internal/fault"
)

const scoreRequestTimeout = 10 * time.Second

// HTTPScoreClient triggers NEWS2 calculations on the scoring service over
// its command API.
type HTTPScoreClient struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPScoreClient builds a client for the scoring service at baseURL.
func NewHTTPScoreClient(baseURL string) *HTTPScoreClient {
	return &HTTPScoreClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: scoreRequestTimeout},
	}
}

// RequestScore posts the calculate command. Non-2xx responses and transport
// failures surface as downstream errors.
func (c *HTTPScoreClient) RequestScore(ctx context.Context, req ScoreRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fault.Downstream("scoring service", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/command/calculate-ews", bytes.NewReader(payload))
	if err != nil {
		return fault.Downstream("scoring service", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return fault.Downstream("scoring service", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fault.Downstream("scoring service", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}
