// Package controlplane implements the HTTP+JSON client rowguard's core
// speaks to the external control plane through (§6): Auth, GetDataSource,
// GetIntegrationConfig, and the long-lived Policy stream that feeds
// internal/policyhost.Host.Watch.
package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	outbound "github.com/rowguard/rowguard/internal/port/outbound"
)

// Client talks to the control plane named by Addr, authenticating every
// call with an "auth-token" header rather than the teacher SDK's
// "Authorization: Bearer" scheme — the only deliberate deviation from
// sdks/go/client.go's request idiom.
type Client struct {
	addr        string
	secretToken string
	httpClient  *http.Client
}

var _ outbound.ControlPlaneClient = (*Client)(nil)

// New builds a Client. addr is a bare host:port or an http(s):// URL;
// a bare host:port is treated as plain HTTP, matching the teacher SDK's
// own "serverAddr" convention.
func New(addr, secretToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		addr:        addr,
		secretToken: secretToken,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// authResponse is the wire shape of the Auth RPC; only the three fields
// the core consumes are kept on outbound.AuthResult (§9).
type authResponse struct {
	Groups      []string `json:"groups"`
	ExpiresAt   int64    `json:"expires_at"`
	Passthrough bool     `json:"passthrough"`
}

// Auth exchanges a connecting principal's cleartext credentials for its
// group membership and session bounds.
func (c *Client) Auth(ctx context.Context, user, password string) (outbound.AuthResult, error) {
	var resp authResponse
	body := map[string]string{"user": user, "password": password}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth", body, &resp); err != nil {
		return outbound.AuthResult{}, fmt.Errorf("controlplane: auth: %w", err)
	}
	return outbound.AuthResult{Groups: resp.Groups, ExpiresAt: resp.ExpiresAt, Passthrough: resp.Passthrough}, nil
}

type dataSourceResponse struct {
	DataSourceName string `json:"data_source_name"`
}

// GetDataSource resolves which backend Postgres instance the configured
// data source name points at.
func (c *Client) GetDataSource(ctx context.Context) (outbound.DataSource, error) {
	var resp dataSourceResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/data_source", nil, &resp); err != nil {
		return outbound.DataSource{}, fmt.Errorf("controlplane: get data source: %w", err)
	}
	return outbound.DataSource{Name: resp.DataSourceName}, nil
}

// IntegrationConfig is the subset of GetIntegrationConfig's response
// rowguard has a use for today; unused fields the control plane returns
// are simply dropped by json.Unmarshal.
type IntegrationConfig struct {
	Name string `json:"name"`
}

// GetIntegrationConfig resolves the integration-level configuration the
// control plane holds for this deployment (§6).
func (c *Client) GetIntegrationConfig(ctx context.Context) (IntegrationConfig, error) {
	var resp IntegrationConfig
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/integration_config", nil, &resp); err != nil {
		return IntegrationConfig{}, fmt.Errorf("controlplane: get integration config: %w", err)
	}
	return resp, nil
}

type policyFrame struct {
	WasmByteCode []byte `json:"wasm_byte_code"`
}

// WatchPolicy opens the long-lived Policy stream and pushes every decoded
// module onto out until ctx is cancelled or the connection drops, in which
// case it retries with a fixed backoff — the stream owns its own
// reconnect loop, matching §7's "control-plane loss triggers the stream's
// own reconnect loop without failing in-progress sessions". The stream is
// chunked newline-delimited JSON, one policyFrame object per line, rather
// than the teacher SDK's poll-based approval-status loop, since this is a
// genuine server-streaming RPC.
func (c *Client) WatchPolicy(ctx context.Context, out chan<- []byte) {
	const retryDelay = 3 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.streamPolicyOnce(ctx, out); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
		}
	}
}

func (c *Client) streamPolicyOnce(ctx context.Context, out chan<- []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+"/api/v1/policy", nil)
	if err != nil {
		return fmt.Errorf("controlplane: build policy stream request: %w", err)
	}
	c.setAuthHeader(req)

	// The stream stays open indefinitely, so it runs without the per-call
	// timeout the other RPCs use; ctx bounds it instead.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("controlplane: policy stream connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("controlplane: policy stream returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame policyFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		select {
		case out <- frame.WasmByteCode:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("controlplane: policy stream read: %w", err)
	}
	return io.EOF
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.secretToken != "" {
		req.Header.Set("auth-token", c.secretToken)
	}
}

// Error is returned by doRequest for a non-2xx response, mirroring the
// teacher SDK's SentinelGateError shape.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("controlplane: server returned %d: %s", e.StatusCode, e.Body)
}

// IsConnectionError reports whether err represents a failure to reach the
// control plane at all (as opposed to a well-formed error response). No
// code in this repository calls it.
func IsConnectionError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	url := strings.TrimRight(c.addr, "/") + path

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshal response body: %w", err)
	}
	return nil
}
