package settlement

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

// SettlePath is where the settlement service accepts orders
const SettlePath = "/api/v1/settle"

// HTTPVenue submits orders to a settlement service over HTTP
type HTTPVenue struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPVenue creates a venue posting to baseURL
func NewHTTPVenue(baseURL string, timeout time.Duration) *HTTPVenue {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPVenue{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Settle posts the order and decodes the receipt; any non-2xx response is an error
func (v *HTTPVenue) Settle(ctx context.Context, order Order) (*Receipt, error) {
	data, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+SettlePath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach settlement venue: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read settlement response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status code from settlement venue: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var receipt Receipt
	if len(body) > 0 {
		if err := json.Unmarshal(body, &receipt); err != nil {
			return nil, fmt.Errorf("failed to decode settlement receipt: %w", err)
		}
	}
	if receipt.SettledAt.IsZero() {
		receipt.SettledAt = time.Now()
	}
	return &receipt, nil
}
