package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// HTTPSender implements north.Sender for a plain HTTP forwarding
// destination (spec §2's "HTTP endpoints" north, distinct from the
// OMF/PI path), adapted from the teacher's webhook trigger sink
// (pkg/platform/events.TriggerManager's SinkWebhook case): POST a JSON
// body per Reading, report failure as a whole-batch error.
type HTTPSender struct {
	client   *http.Client
	endpoint string
}

func NewHTTPSender(endpoint string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{client: &http.Client{Timeout: timeout}, endpoint: endpoint}
}

// Send POSTs each Reading in set individually as its JSON envelope
// (rendered with ToJSON(false), so image/buffer datapoints are embedded
// with base64 data rather than elided as on the OMF path).
// The first failure aborts the batch so the cursor does not advance.
func (s *HTTPSender) Send(ctx context.Context, set *reading.Set) error {
	if set == nil || set.Len() == 0 {
		return nil
	}
	for _, r := range set.Readings {
		body, _, err := r.ToJSON(false)
		if err != nil {
			return fmt.Errorf("transport: encode %s: %w", r.Asset, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("transport: post %s: %w", r.Asset, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("transport: post %s: status %d", r.Asset, resp.StatusCode)
		}
	}
	return nil
}
