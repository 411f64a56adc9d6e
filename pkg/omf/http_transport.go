package omf

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPTransport posts OMF messages to a PI Web API / Connector Relay /
// EDS endpoint, per §4.8's "HTTP(S) transport" paragraph.
type HTTPTransport struct {
	client   *http.Client
	endpoint string
	headers  map[string]string
}

func NewHTTPTransport(endpoint string, timeout time.Duration, headers map[string]string) *HTTPTransport {
	return &HTTPTransport{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		headers:  headers,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(msg.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("messagetype", string(msg.Type))
	req.Header.Set("action", string(msg.Action))
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("omf: transport: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("omf: transport: unexpected status %d", resp.StatusCode)
	}
	return nil
}
