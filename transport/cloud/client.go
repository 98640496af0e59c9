// Package cloud implements the HTTP client for the cloud sync backend:
// batch delivery, health probing, and the model/terminology manifest
// endpoints. Request bodies above a threshold are gzip-compressed.
package cloud

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/medtranslate/edge-sync/edgesync"
	syncErrors "github.com/medtranslate/edge-sync/errors"
	"github.com/medtranslate/edge-sync/logging"
)

// Limits defines size and compression limits for the client.
type Limits struct {
	MaxBodyBytes int64 // Maximum response body size in bytes
	EnableGzip   bool  // Whether to gzip request bodies
	GzipMinBytes int   // Minimum bytes before applying gzip compression
}

// Client talks to the cloud sync backend.
type Client struct {
	baseURL  string
	deviceID string
	http     *http.Client
	limits   Limits
	logger   *logging.Logger
}

// Option configures a Client using the functional options pattern.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) { c.http = cl }
}

// WithLimits sets the size and compression limits.
func WithLimits(l Limits) Option {
	return func(c *Client) { c.limits = l }
}

// WithLogger sets the client's logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a cloud client for the given base URL and device id.
func New(baseURL, deviceID string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		deviceID: deviceID,
		http:     &http.Client{Timeout: 30 * time.Second},
		limits: Limits{
			MaxBodyBytes: 8 << 20, // 8MB
			EnableGzip:   true,
			GzipMinBytes: 1024, // 1KB
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Default().WithComponent("cloud")
	}
	return c
}

// Health probes GET /health with the device-id header. The returned latency
// is measured locally, not taken from the response body.
func (c *Client) Health(ctx context.Context) (edgesync.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return edgesync.HealthStatus{}, syncErrors.NewValidationError(syncErrors.OpSync, err)
	}
	req.Header.Set("X-Device-ID", c.deviceID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return edgesync.HealthStatus{}, syncErrors.NewNetworkError(syncErrors.OpSync, err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return edgesync.HealthStatus{}, syncErrors.NewHTTPError(syncErrors.OpSync, resp.StatusCode,
			fmt.Errorf("health probe returned %s", resp.Status))
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.limits.MaxBodyBytes)).Decode(&body); err != nil {
		return edgesync.HealthStatus{}, syncErrors.NewNetworkError(syncErrors.OpSync, err)
	}
	if body.Status != "ok" {
		return edgesync.HealthStatus{}, syncErrors.NewRetryable(syncErrors.OpSync,
			fmt.Errorf("health probe status %q", body.Status))
	}

	return edgesync.HealthStatus{Status: body.Status, Latency: latency}, nil
}

// SendBatch posts one batch of items to /edge/sync.
func (c *Client) SendBatch(ctx context.Context, syncReq edgesync.SyncRequest) (*edgesync.SyncResponse, error) {
	payload, err := json.Marshal(syncReq)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpTransmit, err)
	}

	body, encoding, err := c.maybeCompress(payload)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpTransmit, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/edge/sync", body)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpTransmit, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", c.deviceID)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpTransmit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, syncErrors.NewHTTPError(syncErrors.OpTransmit, resp.StatusCode,
			fmt.Errorf("sync endpoint returned %s", resp.Status))
	}

	var out edgesync.SyncResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.limits.MaxBodyBytes)).Decode(&out); err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpTransmit, err)
	}
	return &out, nil
}

func (c *Client) maybeCompress(payload []byte) (io.Reader, string, error) {
	if !c.limits.EnableGzip || len(payload) < c.limits.GzipMinBytes {
		return bytes.NewReader(payload), "", nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}
	return &buf, "gzip", nil
}
