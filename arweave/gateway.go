// Package arweave reads content and transaction tags from a
// permanent-storage gateway.
package arweave

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/mintcache/telemetry"
)

const (
	// DefaultGatewayURL is the default permanent-storage gateway.
	DefaultGatewayURL = "https://arweave.net"

	// DefaultTimeout is the default timeout for gateway requests.
	DefaultTimeout = 60 * time.Second
)

// ErrNotFound is returned when the gateway has no data for a locator.
var ErrNotFound = errors.New("not found")

// Gateway fetches content bytes from a gateway.
type Gateway struct {
	baseURL string
	client  *http.Client
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayURL sets the gateway base URL.
func WithGatewayURL(url string) GatewayOption {
	return func(g *Gateway) {
		g.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *Gateway) {
		g.client = client
	}
}

// NewGateway creates a gateway client.
func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		baseURL: DefaultGatewayURL,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "gateway"),
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BaseURL returns the gateway base without a trailing slash.
func (g *Gateway) BaseURL() string { return g.baseURL }

// URL returns the address of locator: absolute URLs are used as-is, anything
// else is treated as a content id under the gateway.
func (g *Gateway) URL(locator string) string {
	if strings.Contains(locator, "://") {
		return locator
	}
	return g.baseURL + "/" + strings.TrimPrefix(locator, "/")
}

// Fetch opens the data at locator and returns it with its Content-Type.
// The caller must close the body.
func (g *Gateway) Fetch(ctx context.Context, locator string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.URL(locator), nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, "", ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, "", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(body))
	}

	return resp.Body, resp.Header.Get("Content-Type"), nil
}
