package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// LogsPath is the path batches are POSTed to.
	LogsPath = "/api/logs"
	// DefaultShipTimeout bounds one shipment when NewHTTPShipper builds the client.
	DefaultShipTimeout = 10 * time.Second
)

// Shipper delivers a batch to the log backend.
type Shipper interface {
	Ship(ctx context.Context, b Batch) error
}

// HTTPShipper POSTs batches as JSON to {BaseURL}/api/logs.
type HTTPShipper struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPShipper creates a shipper for the given backend base URL.
func NewHTTPShipper(baseURL string, client *http.Client) *HTTPShipper {
	if client == nil {
		client = &http.Client{Timeout: DefaultShipTimeout}
	}
	return &HTTPShipper{BaseURL: strings.TrimSuffix(baseURL, "/"), Client: client}
}

func (s *HTTPShipper) Ship(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+LogsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ship request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("ship batch %s: %w", b.BatchID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ship batch %s: backend returned %d: %s", b.BatchID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
