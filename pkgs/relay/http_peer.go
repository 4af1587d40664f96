package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DiscoveryPath is where venues accept discovery messages over HTTP
const DiscoveryPath = "/api/v1/discovery"

// HTTPPeer delivers discovery messages to a venue's HTTP endpoint
type HTTPPeer struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// NewHTTPPeer creates a peer posting to baseURL
func NewHTTPPeer(name, baseURL string, timeout time.Duration) *HTTPPeer {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &HTTPPeer{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *HTTPPeer) Name() string {
	return p.name
}

// Send posts the message; any non-2xx response is an error
func (p *HTTPPeer) Send(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+DiscoveryPath, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code from %s: %d", p.name, resp.StatusCode)
	}
	return nil
}
