package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rowguard/rowguard/internal/audit"
)

// CloudLogSink posts each audit record as a JSON body to a remote log
// service endpoint, grounded on the SDK client's doRequest idiom
// (sdks/go/client.go: json.Marshal the body, http.NewRequestWithContext,
// treat any non-2xx status as an error) — the simplest shape that fits a
// single-record "append" call rather than the SDK's request/response
// evaluation RPC.
type CloudLogSink struct {
	endpoint string
	client   *http.Client
}

// NewCloudLogSink builds a sink posting to endpoint with a bounded
// per-request timeout, matching the control-plane client's own default.
func NewCloudLogSink(endpoint string) *CloudLogSink {
	return &CloudLogSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

var _ audit.Sink = (*CloudLogSink)(nil)

func (s *CloudLogSink) Write(ctx context.Context, rec audit.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("audit: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("audit: post record: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("audit: cloud log endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
